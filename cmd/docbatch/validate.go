package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docbatch/internal/manifest"
)

type validationView struct {
	Manifest  string        `json:"manifest" yaml:"manifest"`
	Valid     bool          `json:"valid" yaml:"valid"`
	Documents int           `json:"documents" yaml:"documents"`
	Problems  []problemView `json:"problems,omitempty" yaml:"problems,omitempty"`
}

type problemView struct {
	Rows       []int  `json:"rows,omitempty" yaml:"rows,omitempty"`
	DocumentID string `json:"document_id,omitempty" yaml:"document_id,omitempty"`
	Message    string `json:"message" yaml:"message"`
}

func newValidateCommand(ctx *commandContext) *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a manifest without contacting any remote service",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := manifest.Validate(manifestPath)
			var verr *manifest.ValidationError
			if err != nil && !errors.As(err, &verr) {
				return err
			}

			view := validationView{Manifest: manifestPath, Valid: err == nil, Documents: n}
			if verr != nil {
				for _, r := range verr.Rows {
					view.Problems = append(view.Problems, problemView{Rows: r.Rows, DocumentID: r.DocumentID, Message: r.Message})
				}
			}

			out := cmd.OutOrStdout()
			if ctx.output != outputTable {
				if werr := writeStructured(out, ctx.output, view); werr != nil {
					return werr
				}
			} else if view.Valid {
				fmt.Fprintf(out, "Manifest %s is valid: %d document(s).\n", manifestPath, n)
			} else {
				fmt.Fprintln(out, verr.Error())
			}
			if !view.Valid {
				return withCode(exitFailure, nil)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "manifest file to check (required)")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}
