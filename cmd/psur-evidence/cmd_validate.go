// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/render"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/validation"
)

type validateFlags struct {
	documentFlags
	periodStart string
	periodEnd   string
	strict      bool
}

func newValidateCmd(root *rootFlags) *cobra.Command {
	flags := &validateFlags{}
	cmd := &cobra.Command{
		Use:   "validate <file|->",
		Short: "Discover a document's schema and validate every mapped table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := validation.ParsePeriod(flags.periodStart, flags.periodEnd)
			if err != nil {
				return err
			}
			a, err := newApp(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			p, err := a.pipeline()
			if err != nil {
				return err
			}
			v, err := validation.NewValidator(p.Registry(), a.options.Classifier, a.options.Validation)
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

			parsed, err := p.ParseSource(cmd.Context(), src)
			if err != nil {
				return err
			}
			report, err := v.ValidateDocument(cmd.Context(), p, parsed, period, opts...)
			if err != nil {
				return err
			}
			if err := write(cmd.OutOrStdout(), root.output, report, func(w io.Writer, m render.Mode) error {
				return render.Validation(w, report, m)
			}); err != nil {
				return err
			}

			if flags.strict {
				for _, t := range report.Tables {
					if !t.Valid {
						return fmt.Errorf("table %d (%s) failed validation with score %.1f", t.TableIndex, t.EvidenceType, t.OverallScore)
					}
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.periodStart, "period-start", "", "reporting period start (YYYY-MM-DD)")
	f.StringVar(&flags.periodEnd, "period-end", "", "reporting period end (YYYY-MM-DD)")
	f.BoolVar(&flags.strict, "strict", false, "exit non-zero when any table fails validation")
	flags.register(cmd)
	return cmd
}
