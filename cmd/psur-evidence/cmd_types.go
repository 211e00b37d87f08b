// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/render"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/tool"
)

func newTypesCmd(root *rootFlags) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "types",
		Short: "List the registered evidence types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if root.provider == "" {
				root.provider = "none"
			}
			a, err := newApp(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			h, err := a.handlers()
			if err != nil {
				return err
			}
			_, out, err := h.ListEvidenceTypes(cmd.Context(), nil, tool.InputListEvidenceTypes{Category: category})
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), root.output, out, func(w io.Writer, m render.Mode) error {
				return render.Types(w, out.EvidenceTypes, m)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only list types of this category")
	return cmd
}
