package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"strings"

	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/tidwall/jsonc"
	"golang.org/x/net/html/charset"
)

// detectionOrder breaks score ties: earlier wins.
var detectionOrder = []feed.Format{
	feed.FormatJSON, feed.FormatSTIX2, feed.FormatSTIX1, feed.FormatMISP,
	feed.FormatOpenIOC, feed.FormatXML, feed.FormatCSV, feed.FormatTAXII,
	feed.FormatCustom,
}

// probe is what detection learns from one look at the payload.
type probe struct {
	json    any    // decoded JSON document, nil when not JSON
	ndjson  bool   // json came from one value per line
	xmlRoot string // lower-cased local name of the XML root element
	csv     bool
	header  bool
	lines   int
}

func inspect(data []byte) probe {
	var pr probe
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return pr
	}

	switch trimmed[0] {
	case '{', '[':
		var doc any
		if err := json.Unmarshal(jsonc.ToJSON(trimmed), &doc); err == nil {
			pr.json = doc
		} else if lines, ok := parseNDJSON(trimmed); ok {
			docs := make([]any, 0, len(lines))
			for _, l := range lines {
				docs = append(docs, l.doc)
			}
			pr.json, pr.ndjson = docs, true
		}
	case '<':
		pr.xmlRoot = xmlRootName(trimmed)
	}

	pr.csv, pr.header, pr.lines = scanDelimited(trimmed)
	return pr
}

func xmlRootName(data []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return strings.ToLower(se.Name.Local)
		}
	}
}

// scanDelimited checks whether the first lines split into the same number
// of columns (at least two) on one of the usual delimiters.
func scanDelimited(data []byte) (ok, header bool, lines int) {
	sample := sampleLines(data, 20)
	if len(sample) == 0 {
		return false, false, 0
	}

	if d, ok := guessDelimiter(sample); ok {
		cells := splitCells(sample[0], d)
		return true, looksLikeHeader(cells), len(sample)
	}
	return false, false, len(sample)
}

// sampleLines returns up to n non-blank, non-comment lines.
func sampleLines(data []byte, n int) []string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var sample []string
	for len(sample) < n && sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sample = append(sample, line)
	}
	return sample
}

func guessDelimiter(sample []string) (rune, bool) {
	for _, d := range []rune{',', '\t', ';', '|'} {
		n := len(splitCells(sample[0], d))
		if n < 2 {
			continue
		}
		consistent := true
		for _, line := range sample[1:] {
			if len(splitCells(line, d)) != n {
				consistent = false
				break
			}
		}
		if consistent {
			return d, true
		}
	}
	return 0, false
}

func splitCells(line string, d rune) []string {
	return strings.Split(line, string(d))
}

// looksLikeHeader wants at least one known column name and no cell that
// already reads as an indicator.
func looksLikeHeader(cells []string) bool {
	known := false
	for _, c := range cells {
		c = strings.Trim(strings.TrimSpace(c), `"`)
		if InferType(c) != "" {
			return false
		}
		if _, ok := genericSchema.aliases[foldKey(c)]; ok {
			known = true
		}
	}
	return known
}

func score(f feed.Format, pr probe) int {
	obj, _ := pr.json.(map[string]any)
	switch f {
	case feed.FormatJSON:
		if pr.json != nil {
			return 60
		}
	case feed.FormatSTIX2:
		if obj != nil && (obj["type"] == "bundle" || obj["spec_version"] != nil) {
			return 90
		}
		if obj != nil && obj["objects"] != nil && hasSTIXObjects(obj["objects"]) && obj["more"] == nil {
			return 80
		}
	case feed.FormatTAXII:
		if obj != nil && obj["objects"] != nil && (obj["more"] != nil || obj["next"] != nil) && obj["type"] != "bundle" {
			return 95
		}
	case feed.FormatMISP:
		if obj != nil && (obj["Event"] != nil || obj["Attribute"] != nil || obj["response"] != nil) {
			return 90
		}
	case feed.FormatSTIX1:
		if pr.xmlRoot == "stix_package" {
			return 90
		}
	case feed.FormatOpenIOC:
		if pr.xmlRoot == "ioc" || pr.xmlRoot == "openioc" {
			return 90
		}
	case feed.FormatXML:
		switch pr.xmlRoot {
		case "":
		case "html":
		case "rss", "feed", "rdf":
			return 80
		default:
			return 60
		}
	case feed.FormatCustom:
		if pr.xmlRoot == "html" {
			return 80
		}
		if pr.lines > 0 && pr.json == nil && pr.xmlRoot == "" {
			return 30
		}
	case feed.FormatCSV:
		if pr.csv && pr.json == nil && pr.xmlRoot == "" {
			if pr.header {
				return 55
			}
			return 45
		}
	}
	return 0
}

func hasSTIXObjects(v any) bool {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return false
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return false
	}
	id, _ := first["id"].(string)
	return strings.Contains(id, "--")
}

// Detect picks the best scoring format for a payload. ok is false when
// nothing recognises it.
func Detect(data []byte) (feed.Format, bool) {
	return detect(inspect(data))
}

func detect(pr probe) (feed.Format, bool) {
	best, bestScore := feed.Format(""), 0
	for _, f := range detectionOrder {
		if s := score(f, pr); s > bestScore {
			best, bestScore = f, s
		}
	}
	return best, bestScore > 0
}
