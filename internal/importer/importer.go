// Package importer loads journal exports (plain text, markdown, PDF) into
// the journal through the regular write path.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/memoir/internal/journal"
	"github.com/kalambet/memoir/internal/storage"
)

// ErrUnsupported is returned for file types the importer cannot read.
var ErrUnsupported = errors.New("unsupported file type")

// Creator is the journal write path; journal.Service satisfies it.
type Creator interface {
	Create(ctx context.Context, username string, in journal.NewEntry) (storage.Entry, error)
}

// Stats summarises one import.
type Stats struct {
	Parsed        int
	Created       int
	Failed        int
	IDs           []string
	ErrorMessages []string
}

type Importer struct {
	journal Creator
	tags    []string
}

type Option func(*Importer)

// WithTags adds tags to every imported entry.
func WithTags(tags ...string) Option {
	return func(im *Importer) { im.tags = append(im.tags, tags...) }
}

func New(j Creator, opts ...Option) *Importer {
	im := &Importer{journal: j}
	for _, o := range opts {
		o(im)
	}
	return im
}

// ImportFile parses path by extension (.txt, .md, .markdown, .pdf) and
// creates its entries for username.
func (im *Importer) ImportFile(ctx context.Context, username, path string) (Stats, error) {
	entries, err := parseFile(path)
	if err != nil {
		return Stats{}, err
	}
	return im.Import(ctx, username, entries)
}

func parseFile(path string) ([]journal.NewEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		return ParseText(f)
	case ".pdf":
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		return ParsePDF(f, info.Size())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
}

// Import creates entries one by one. Invalid entries are counted and skipped;
// any other error aborts the import with the stats so far.
func (im *Importer) Import(ctx context.Context, username string, entries []journal.NewEntry) (Stats, error) {
	stats := Stats{Parsed: len(entries)}
	for i, in := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		in.Tags = append(in.Tags, im.tags...)

		e, err := im.journal.Create(ctx, username, in)
		if errors.Is(err, journal.ErrInvalidEntry) {
			stats.Failed++
			stats.ErrorMessages = append(stats.ErrorMessages, fmt.Sprintf("entry %d: %v", i+1, err))
			slog.Warn("import: skipping entry", "index", i+1, "error", err)
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("importing entry %d: %w", i+1, err)
		}
		stats.Created++
		stats.IDs = append(stats.IDs, e.ID)
	}
	return stats, nil
}
