package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/memoir/internal/api"
	"github.com/kalambet/memoir/internal/importer"
	"github.com/kalambet/memoir/internal/journal"
	"github.com/kalambet/memoir/internal/storage"
)

var importCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import entries from .txt, .md or .pdf files",
	Long: `Import entries from text, markdown or PDF files.

Text and markdown files hold one entry per blank-line-separated block; a
block starting with a YYYY-MM-DD line (markdown heading marks allowed) is
dated with it. PDF files become one entry per page.

Examples:
  memoir import journal-2023.md
  memoir import --tags paper notebook.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, _ := cmd.Flags().GetString("tags")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		im := importer.New(remoteJournal{client: client}, importer.WithTags(splitList(tags)...))

		var failed int
		for _, path := range args {
			printStep("Importing %s", path)
			stats, err := im.ImportFile(cmd.Context(), client.user, path)
			for _, msg := range stats.ErrorMessages {
				printWarning("%s", msg)
			}
			if err != nil {
				return fmt.Errorf("%s: %w (%d entries imported before the failure)", path, err, stats.Created)
			}
			failed += stats.Failed
			printSuccess("%s: %d of %d entries imported", path, stats.Created, stats.Parsed)
		}
		if failed > 0 {
			return fmt.Errorf("%d entries were rejected", failed)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().String("tags", "", "comma-separated tags added to every imported entry")
}

// remoteJournal creates entries through a running server.
type remoteJournal struct {
	client *apiClient
}

func (r remoteJournal) Create(ctx context.Context, _ string, in journal.NewEntry) (storage.Entry, error) {
	text := in.Text
	req := api.EntryRequest{Text: &text}
	if !in.Date.IsZero() {
		d := in.Date.Format(time.DateOnly)
		req.Date = &d
	}
	if len(in.Tags) > 0 {
		req.Tags = &in.Tags
	}

	resp, err := r.client.post(ctx, "/entries", req)
	if err != nil {
		return storage.Entry{}, err
	}
	var e api.EntryJSON
	if err := decodeJSON(resp, &e); err != nil {
		if isAPIError(err, "invalid_request_error") {
			return storage.Entry{}, fmt.Errorf("%w: %v", journal.ErrInvalidEntry, err)
		}
		return storage.Entry{}, err
	}
	return storage.Entry{ID: e.ID, Text: e.Text, Date: e.Date}, nil
}
