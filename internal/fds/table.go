package fds

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/IvanBrykalov/fdscache/store"
)

// ReadTable parses an FDS CSV output: a row of units, a row of column
// names, then numeric rows.
func ReadTable(rd io.Reader) (store.Table, error) {
	cr := csv.NewReader(rd)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	units, err := cr.Read()
	if err != nil {
		return store.Table{}, fmt.Errorf("units row: %w", err)
	}
	t := store.Table{Units: trimAll(units)}

	names, err := cr.Read()
	if err != nil {
		return store.Table{}, fmt.Errorf("names row: %w", err)
	}
	t.Names = trimAll(names)
	t.Columns = make([][]float64, len(t.Names))

	for row := 3; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return store.Table{}, err
		}
		for i, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return store.Table{}, fmt.Errorf("row %d column %q: %w", row, t.Names[i], err)
			}
			t.Columns[i] = append(t.Columns[i], v)
		}
	}
}

// trimAll copies rec (which the csv reader reuses) with spaces trimmed.
func trimAll(rec []string) []string {
	out := make([]string, len(rec))
	for i, s := range rec {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
