package main

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docbatch/internal/manifest"
	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/source"
)

func newGenerateManifestCommand(ctx *commandContext) *cobra.Command {
	var (
		srcOpts     source.Options
		outputPath  string
		baselineDir string
	)

	cmd := &cobra.Command{
		Use:   "generate-manifest",
		Short: "Write a CSV manifest for a directory or Cloud Storage prefix",
		Long: `generate-manifest scans a source the same way submit does and writes the
result as an editable CSV manifest. Document IDs are written only where they
differ from the file name. With --baseline-dir, subdirectories named after a
document's file name or ID are filled in as its baseline_source.`,
		Example: `  docbatch generate-manifest --dir ./scans --output manifest.csv
  docbatch generate-manifest --dir ./scans --baseline-dir ./baselines --output manifest.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			if baselineDir != "" && srcOpts.Directory == "" {
				slog.Warn("--baseline-dir only applies to --dir, ignoring it.")
				baselineDir = ""
			}

			resolver, err := ctx.newResolver(cmd.Context(), srcOpts)
			if err != nil {
				return err
			}
			m, err := resolver.Resolve(cmd.Context())
			if err != nil {
				return err
			}

			var baselines map[string]string
			if baselineDir != "" {
				baselines, err = scanBaselines(baselineDir)
				if err != nil {
					return err
				}
			}
			rows, matched := generatedRows(m, baselines)

			f, err := os.Create(outputPath)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outputPath, err)
			}
			if err := manifest.WriteCSV(f, rows); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write %s: %w", outputPath, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %d document(s) to %s\n", len(rows), outputPath)
			if baselines != nil {
				fmt.Fprintf(out, "Matched %d/%d document(s) to baselines\n", matched, len(rows))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&srcOpts.Directory, "dir", "", "local directory of documents")
	cmd.Flags().StringVar(&srcOpts.Prefix, "gs-uri", "", "Cloud Storage prefix of documents")
	cmd.Flags().StringVar(&srcOpts.FilePattern, "file-pattern", source.DefaultFilePattern, "file name pattern")
	cmd.Flags().BoolVar(&srcOpts.Recursive, "recursive", true, "include subdirectories")
	// Shadows the global --output format flag, which does not apply here.
	cmd.Flags().StringVar(&outputPath, "output", "", "manifest file to write (required)")
	cmd.Flags().StringVar(&baselineDir, "baseline-dir", "", "directory of baseline folders to match by file name or document ID")
	cmd.MarkFlagsMutuallyExclusive("dir", "gs-uri")
	cmd.MarkFlagsOneRequired("dir", "gs-uri")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// scanBaselines maps each subdirectory name of dir to its absolute path.
func scanBaselines(dir string) (map[string]string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline directory %s: %w", dir, err)
	}
	baselines := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			baselines[e.Name()] = filepath.Join(root, e.Name())
		}
	}
	return baselines, nil
}

func generatedRows(m *models.Manifest, baselines map[string]string) ([]manifest.GeneratedRow, int) {
	rows := make([]manifest.GeneratedRow, 0, m.Len())
	matched := 0
	for _, e := range m.Entries {
		fileName := path.Base(filepath.ToSlash(e.SourceRef))
		row := manifest.GeneratedRow{DocumentPath: e.SourceRef}
		if e.DocumentID != strings.TrimSuffix(fileName, path.Ext(fileName)) {
			row.DocumentID = e.DocumentID
		}
		if b, ok := baselines[fileName]; ok {
			row.BaselineSource = b
		} else if b, ok := baselines[e.DocumentID]; ok {
			row.BaselineSource = b
		}
		if row.BaselineSource != "" {
			matched++
		}
		rows = append(rows, row)
	}
	return rows, matched
}
