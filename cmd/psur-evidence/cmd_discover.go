// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/render"
)

type documentFlags struct {
	inputFormat string
	hintsPath   string
}

func (f *documentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.inputFormat, "input-format", "", "document format hint (markdown, yaml, json, csv, tsv, xlsx); sniffed when empty")
	cmd.Flags().StringVar(&f.hintsPath, "hints", "", "YAML/JSON file of table index -> source column -> field")
}

func newDiscoverCmd(root *rootFlags) *cobra.Command {
	flags := &documentFlags{}
	cmd := &cobra.Command{
		Use:   "discover <file|->",
		Short: "Classify a document and map its tables onto evidence types",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			p, err := a.pipeline()
			if err != nil {
				return err
			}
			src, err := readSource(args[0], flags.inputFormat, cmd.InOrStdin())
			if err != nil {
				return err
			}
			opts, err := loadHints(flags.hintsPath)
			if err != nil {
				return err
			}

			res, err := p.RunSource(cmd.Context(), src, opts...)
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), root.output, res, func(w io.Writer, m render.Mode) error {
				return render.Discovery(w, res, m)
			})
		},
	}
	flags.register(cmd)
	return cmd
}
