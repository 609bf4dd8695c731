package adapters

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/solatis/redirector/internal/types"
)

// csvColumns maps accepted header names to canonical columns.
var csvColumns = map[string]string{
	"source":      "source",
	"from":        "source",
	"url":         "source",
	"type":        "type",
	"match":       "type",
	"destination": "destination",
	"target":      "destination",
	"to":          "destination",
	"status":      "status",
	"code":        "status",
	"description": "description",
}

// ParseCSV reads one candidate per data row. The header must name source
// and destination columns; type, status and description are optional.
func ParseCSV(r io.Reader) ([]types.CandidateRule, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if canonical, ok := csvColumns[key]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}
	if _, ok := cols["source"]; !ok {
		return nil, fmt.Errorf("csv header has no source column")
	}
	if _, ok := cols["destination"]; !ok {
		return nil, fmt.Errorf("csv header has no destination column")
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []types.CandidateRule
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)

		source := field(rec, "source")
		if source == "" && field(rec, "destination") == "" {
			continue
		}

		var status types.StatusCode
		if s := field(rec, "status"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("csv line %d: status %q is not a number", line, s)
			}
			status = types.StatusCode(n)
		}

		out = append(out, types.CandidateRule{
			Sources: []types.SourcePattern{{
				Type:  patternType(field(rec, "type"), source),
				Value: source,
			}},
			Destination: field(rec, "destination"),
			StatusCode:  status,
			Description: field(rec, "description"),
		})
	}
}
