package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docbatch/internal/config"
	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/services"
)

func newDownloadResultsCommand(ctx *commandContext) *cobra.Command {
	var (
		batchID   string
		outputDir string
		fileTypes string
	)

	cmd := &cobra.Command{
		Use:   "download-results",
		Short: "Download the processing outputs of a batch",
		Example: `  docbatch download-results --batch-id my-batch --output-dir ./results
  docbatch download-results --batch-id my-batch --output-dir ./results --file-types sections,summary`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			if err := models.ValidateBatchID(batchID); err != nil {
				return err
			}
			types, err := services.ParseFileTypes(fileTypes)
			if err != nil {
				return err
			}
			cfg, err := ctx.loadConfig(config.CommandDownload)
			if err != nil {
				return err
			}
			client, err := ctx.storageClient(cmd.Context())
			if err != nil {
				return err
			}

			downloader := services.NewResultsDownloader(client, cfg.Staging.OutputBucket)
			resp, err := downloader.Download(cmd.Context(), models.ResultsDownloadRequest{
				BatchID:   batchID,
				OutputDir: outputDir,
				FileTypes: types,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if ctx.output != outputTable {
				return writeStructured(out, ctx.output, resp)
			}
			fmt.Fprintf(out, "Downloaded %d file(s) for %d document(s) to %s\n", resp.FilesDownloaded, resp.DocumentsDownloaded, resp.OutputDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch whose results to download (required)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "local directory to write into (required)")
	cmd.Flags().StringVar(&fileTypes, "file-types", services.FileTypeAll, "comma-separated: all, pages, sections, summary")
	_ = cmd.MarkFlagRequired("batch-id")
	_ = cmd.MarkFlagRequired("output-dir")
	return cmd
}
