package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// loadMunicipalities reads the seed CSV: key,name[,entrypoint] with an
// optional header row. Blank lines and lines starting with # are skipped.
func loadMunicipalities(path string) ([]crawler.Municipality, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open municipalities file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.Comment = '#'

	var munis []crawler.Municipality
	seen := make(map[string]bool)
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read municipalities csv: %w", err)
		}
		line++
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "key") {
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("municipalities csv line %d: need key,name[,entrypoint]", line)
		}
		m := crawler.Municipality{
			Key:  strings.TrimSpace(rec[0]),
			Name: strings.TrimSpace(rec[1]),
		}
		if len(rec) >= 3 {
			m.Entrypoint = strings.TrimSpace(rec[2])
		}
		if m.Key == "" || m.Name == "" {
			return nil, fmt.Errorf("municipalities csv line %d: key and name are required", line)
		}
		if seen[m.Key] {
			continue
		}
		seen[m.Key] = true
		munis = append(munis, m)
	}
	if len(munis) == 0 {
		return nil, fmt.Errorf("municipalities file %s contains no entries", path)
	}
	return munis, nil
}
