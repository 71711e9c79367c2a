package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

func (p *Parser) parseCSV(data []byte, out *batch) error {
	delim := ','
	if d, ok := guessDelimiter(sampleLines(data, 20)); ok {
		delim = d
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var header []string
	first := true
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				out.fail(perr.Line, "", perr.Err.Error())
				continue
			}
			return fmt.Errorf("failed to read CSV: %w", err)
		}
		line, _ := r.FieldPos(0)

		if first {
			first = false
			if looksLikeHeader(row) {
				header = make([]string, len(row))
				for i, h := range row {
					header[i] = strings.TrimSpace(h)
				}
				continue
			}
		}

		if header != nil {
			out.record(headerRecord(header, row), genericSchema, line)
			continue
		}
		out.record(bareRecord(row), genericSchema, line)
	}
	return nil
}

func headerRecord(header, row []string) map[string]any {
	raw := make(map[string]any, len(row))
	for i, cell := range row {
		key := fmt.Sprintf("column_%d", i+1)
		if i < len(header) && header[i] != "" {
			key = header[i]
		}
		raw[key] = strings.TrimSpace(cell)
	}
	return raw
}

// bareRecord treats the first cell that reads as an indicator as the value
// and keeps the rest positionally.
func bareRecord(row []string) map[string]any {
	raw := make(map[string]any, len(row))
	valueAt := -1
	for i, cell := range row {
		if InferType(cell) != "" {
			valueAt = i
			break
		}
	}
	for i, cell := range row {
		if i == valueAt {
			raw[fieldValue] = strings.TrimSpace(cell)
			continue
		}
		raw[fmt.Sprintf("column_%d", i+1)] = strings.TrimSpace(cell)
	}
	return raw
}
