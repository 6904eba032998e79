package main

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-assistant/knowledge"
)

func newIngestCmd(root *rootOptions) *cobra.Command {
	var src knowledge.Source
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Ingest documents into the knowledge base",
		Long: `Ingest splits each file into overlapping chunks, embeds them and stores
them under storage.sqlite_path. The title defaults to the file name and the
content type to one derived from the extension. Duplicates (same title and
category) are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if root.cfg.Storage.SQLitePath == "" {
				return goerr.New("ingest needs storage.sqlite_path to persist documents")
			}
			if src.Language == "" {
				src.Language = root.cfg.Knowledge.Language
			}

			a, err := newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, path := range args {
				body, err := os.ReadFile(path)
				if err != nil {
					return goerr.Wrap(err, "failed to read document", goerr.V("path", path))
				}
				doc := src
				doc.Body = string(body)
				if doc.Title == "" || len(args) > 1 {
					doc.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				}
				if doc.ContentType == "" {
					doc.ContentType = contentType(path)
				}

				res, err := a.ingestor.Ingest(ctx, doc)
				switch {
				case errors.Is(err, knowledge.ErrDuplicateDocument):
					fmt.Fprintf(out, "skipped %s: already ingested as %s\n", path, res.DocumentID)
				case err != nil:
					return err
				default:
					fmt.Fprintf(out, "ingested %s: document %s, %d chunks\n", path, res.DocumentID, res.Chunks)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&src.Title, "title", "t", "", "document title (single file only)")
	cmd.Flags().StringVar(&src.Category, "category", string(knowledge.CategoryFAQ), "FAQ, POLICY, TERMS, GUIDELINE or SUPPORT")
	cmd.Flags().StringVar(&src.Language, "language", "", "document language (default knowledge.language)")
	cmd.Flags().StringVar(&src.Industry, "industry", "", "industry tag")
	cmd.Flags().StringVar(&src.ContentType, "content-type", "", "text/plain or text/html")
	return cmd
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return "text/html"
	case ".md", ".markdown":
		return "text/markdown"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "text/plain"
}
