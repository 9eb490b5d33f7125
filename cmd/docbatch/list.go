package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docbatch/internal/config"
)

func newListBatchesCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list-batches",
		Short: "List recent batches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			if _, err := ctx.loadConfig(config.CommandList); err != nil {
				return err
			}
			store, err := ctx.openRegistry(cmd.Context(), true)
			if err != nil {
				return err
			}
			batches, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if ctx.output != outputTable {
				return writeStructured(out, ctx.output, batches)
			}
			if len(batches) == 0 {
				fmt.Fprintln(out, "No batches found.")
				return nil
			}
			rows := make([][]string, 0, len(batches))
			for _, b := range batches {
				rows = append(rows, []string{
					b.BatchID,
					formatTime(b.CreatedAt),
					fmt.Sprint(b.Documents),
					fmt.Sprint(b.Enqueued),
					fmt.Sprint(b.Failed),
					b.Source,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Batch ID", "Created", "Documents", "Enqueued", "Failed", "Source"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of batches to show")
	return cmd
}
