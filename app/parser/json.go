package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
)

// envelopeKeys are the object keys that commonly wrap the record array.
var envelopeKeys = []string{"data", "items", "indicators", "iocs", "results", "records", "objects", "entries"}

func (p *Parser) parseJSON(data []byte, pr probe, out *batch) error {
	doc := pr.json
	if doc == nil || pr.ndjson {
		if lines, ok := parseNDJSON(data); ok {
			for _, raw := range lines {
				if raw.doc == nil {
					out.fail(raw.line, "", "malformed JSON line")
					continue
				}
				jsonRecord(out, raw.doc, raw.line)
			}
			return nil
		}
		return fmt.Errorf("malformed JSON document")
	}

	records, err := jsonRecords(doc)
	if err != nil {
		return err
	}
	for _, r := range records {
		jsonRecord(out, r, 0)
	}
	return nil
}

func jsonRecords(doc any) ([]any, error) {
	switch v := doc.(type) {
	case []any:
		return v, nil
	case map[string]any:
		for _, k := range envelopeKeys {
			if list, ok := v[k].([]any); ok {
				return list, nil
			}
		}
		// A single object is a single record.
		return []any{v}, nil
	}
	return nil, fmt.Errorf("JSON document holds no records")
}

func jsonRecord(out *batch, r any, line int) {
	switch v := r.(type) {
	case map[string]any:
		out.record(v, genericSchema, line)
	case string:
		out.record(map[string]any{fieldValue: v}, genericSchema, line)
	default:
		out.fail(line, "", fmt.Sprintf("unexpected JSON %T record", r))
	}
}

type ndjsonLine struct {
	line int
	doc  any
}

// parseNDJSON reads one JSON value per line. It only claims the payload when
// at least one line decodes.
func parseNDJSON(data []byte) ([]ndjsonLine, bool) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		lines []ndjsonLine
		good  int
		n     int
	)
	for sc.Scan() {
		n++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var doc any
		if err := json.Unmarshal(jsonc.ToJSON(text), &doc); err != nil {
			lines = append(lines, ndjsonLine{line: n})
			continue
		}
		good++
		lines = append(lines, ndjsonLine{line: n, doc: doc})
	}
	return lines, good > 0
}
