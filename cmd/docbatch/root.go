package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:   "docbatch",
		Short: "Submit document batches to the processing pipeline and monitor them",
		Long: `docbatch stages documents from a manifest, a local directory or a Cloud
Storage prefix, hands each one to the pipeline's admission queue and tracks
the batch until every document has finished.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.setup(cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.configFile, "config", "", "config file (default: ./docbatch.yaml or ~/.docbatch/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&ctx.output, "output", "o", outputTable, "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&ctx.logFormat, "log-format", "text", "log format: text or json")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newListBatchesCommand(ctx))
	rootCmd.AddCommand(newValidateCommand(ctx))
	rootCmd.AddCommand(newGenerateManifestCommand(ctx))
	rootCmd.AddCommand(newDownloadResultsCommand(ctx))
	rootCmd.AddCommand(newRerunCommand(ctx))

	return rootCmd
}
