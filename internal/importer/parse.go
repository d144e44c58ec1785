package importer

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/memoir/internal/journal"
)

// ParseText splits plain text or markdown into entries, one per
// blank-line-separated block. A block whose first line is a YYYY-MM-DD date
// (optionally behind markdown heading marks) is dated with it; a block that
// holds only a date line dates the block that follows.
func ParseText(r io.Reader) ([]journal.NewEntry, error) {
	var (
		entries []journal.NewEntry
		block   []string
		pending time.Time
	)

	flush := func() {
		if len(block) == 0 {
			return
		}
		date, text := splitDate(block)
		block = block[:0]
		if text == "" {
			if !date.IsZero() {
				pending = date
			}
			return
		}
		if date.IsZero() {
			date = pending
		}
		pending = time.Time{}
		entries = append(entries, journal.NewEntry{Text: text, Date: date})
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading text: %w", err)
	}
	flush()
	return entries, nil
}

// ParsePDF returns one entry per non-empty page of the document.
func ParsePDF(r io.ReaderAt, size int64) ([]journal.NewEntry, error) {
	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	var entries []journal.NewEntry
	for i := 1; i <= doc.NumPage(); i++ {
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("reading pdf page %d: %w", i, err)
		}
		date, body := splitDate(strings.Split(strings.TrimSpace(text), "\n"))
		if body == "" {
			continue
		}
		entries = append(entries, journal.NewEntry{Text: body, Date: date})
	}
	return entries, nil
}

// splitDate peels a leading date line off lines and joins the rest.
func splitDate(lines []string) (time.Time, string) {
	if len(lines) == 0 {
		return time.Time{}, ""
	}
	var date time.Time
	first := strings.TrimSpace(strings.TrimLeft(lines[0], "# "))
	if d, err := time.Parse(time.DateOnly, first); err == nil {
		date = d
		lines = lines[1:]
	}
	return date, strings.TrimSpace(strings.Join(lines, "\n"))
}
