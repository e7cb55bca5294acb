package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/praetorian-labs/gradeflow/pkg/pipeline"
)

// loadRoster reads a two-column CSV (student_id,keywords) where keywords is
// a "|"-separated list of header text variants (name spellings, ID
// numbers) index uses to attribute a page to a student. A header row is
// tolerated and skipped if its first cell is "student_id".
func loadRoster(path string) ([]pipeline.RosterEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gradeflow: open roster %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("gradeflow: parse roster %s: %w", path, err)
	}

	var roster []pipeline.RosterEntry
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("gradeflow: roster %s line %d: expected student_id,keywords", path, i+1)
		}
		if i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "student_id") {
			continue
		}
		keywords := strings.Split(row[1], "|")
		for k := range keywords {
			keywords[k] = strings.TrimSpace(keywords[k])
		}
		roster = append(roster, pipeline.RosterEntry{
			StudentID: strings.TrimSpace(row[0]),
			Keywords:  keywords,
		})
	}
	return roster, nil
}

// loadImageFiles reads every path as an IntakeFile, inferring its mime type
// from the extension since the CLI only accepts already-rendered page
// images or PDFs, never needs browser-supplied Content-Type sniffing.
func loadImageFiles(paths []string) ([]pipeline.IntakeFile, error) {
	files := make([]pipeline.IntakeFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("gradeflow: read %s: %w", p, err)
		}
		mime, err := mimeTypeFor(p)
		if err != nil {
			return nil, err
		}
		files = append(files, pipeline.IntakeFile{Name: p, MimeType: mime, Data: data})
	}
	return files, nil
}

func mimeTypeFor(path string) (string, error) {
	switch {
	case strings.HasSuffix(path, ".pdf"):
		return "application/pdf", nil
	case strings.HasSuffix(path, ".png"):
		return "image/png", nil
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return "image/jpeg", nil
	case strings.HasSuffix(path, ".webp"):
		return "image/webp", nil
	default:
		return "", fmt.Errorf("gradeflow: %s: unrecognized file extension", path)
	}
}
