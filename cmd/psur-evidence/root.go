// SPDX-License-Identifier: Apache-2.0

// psur-evidence discovers the schema of PSUR evidence documents and validates their records.
//
// Usage:
//
//	psur-evidence discover <file> [--input-format=csv] [--hints=hints.yaml] [-o pretty]
//	psur-evidence validate <file> [--period-start=2024-01-01 --period-end=2024-12-31]
//	psur-evidence types [--category=complaints]
//	psur-evidence serve mcp [--http=:8090]
//	psur-evidence serve http [--addr=:8080]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

type rootFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
	provider   string
	output     string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "psur-evidence",
		Short: "Schema discovery and validation for PSUR evidence documents",
		Long: "psur-evidence maps the tables of complaint logs, incident reports, sales data,\n" +
			"CAPA and FSCA registers onto canonical evidence types and validates the records.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file")
	pf.StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "dotenv files loaded before reading the config")
	pf.StringVar(&flags.logLevel, "log-level", "", "override log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.provider, "provider", "", "override classifier provider (anthropic, sampling, none)")
	pf.StringVarP(&flags.output, "output", "o", "json", "output format: json, pretty or markdown")

	root.AddCommand(newDiscoverCmd(flags))
	root.AddCommand(newValidateCmd(flags))
	root.AddCommand(newTypesCmd(flags))
	root.AddCommand(newServeCmd(flags))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
