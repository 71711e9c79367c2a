package parser

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/mmcdole/gofeed"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

type Result struct {
	Format feed.Format       `json:"format"`
	Items  []feed.Item       `json:"items"`
	Errors []feed.ParseError `json:"errors"`
}

type Schema struct {
	Format      feed.Format `json:"format"`
	Description string      `json:"description"`
	Detectable  bool        `json:"detectable"`
}

var schemas = []Schema{
	{feed.FormatJSON, "JSON arrays, wrapped arrays or NDJSON of indicator objects", true},
	{feed.FormatCSV, "Delimited text (comma, tab, semicolon, pipe) with optional header", true},
	{feed.FormatXML, "Generic XML records and RSS/Atom advisories", true},
	{feed.FormatSTIX1, "STIX 1.x STIX_Package indicators and observables", true},
	{feed.FormatSTIX2, "STIX 2.x bundles: indicators, malware, threat actors, campaigns, vulnerabilities", true},
	{feed.FormatTAXII, "TAXII 2.1 envelopes carrying STIX 2 objects", true},
	{feed.FormatMISP, "MISP events and attribute lists", true},
	{feed.FormatOpenIOC, "OpenIOC 1.0/1.1 indicator items", true},
	{feed.FormatCustom, "Plain indicator lists and HTML advisories", true},
}

type Parser struct {
	gofeedParser *gofeed.Parser
	extractor    *feed.ContentExtractor
	clock        clock.Clock
}

func NewParser(clk clock.Clock) *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
		extractor:    feed.NewContentExtractor(),
		clock:        clk,
	}
}

func (p *Parser) Formats() []Schema {
	out := make([]Schema, len(schemas))
	copy(out, schemas)
	return out
}

// Run normalizes a raw payload. With an empty declared format the payload
// is detected. Record problems come back in Result.Errors; a payload that
// yields no record at all is a *feed.FormatError.
func (p *Parser) Run(data []byte, declared feed.Format) (*Result, error) {
	if declared != "" && !declared.Valid() {
		return nil, &feed.FormatError{Format: declared, Reason: "unsupported format"}
	}

	data = decodeText(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &feed.FormatError{Format: declared, Reason: "empty payload"}
	}

	pr := inspect(data)
	detected, ok := detect(pr)

	format := declared
	if format == "" {
		if !ok {
			return nil, &feed.FormatError{Reason: "unrecognised payload"}
		}
		format = detected
	}

	result, err := p.parse(format, data, pr)
	if err != nil && declared != "" && ok && detected != declared {
		// The declared format is wrong more often than the payload is broken.
		if retry, retryErr := p.parse(detected, data, pr); retryErr == nil {
			slog.Warn("Declared format did not match payload", "declared", declared, "detected", detected)
			return retry, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Parser) parse(format feed.Format, data []byte, pr probe) (*Result, error) {
	b := &builder{now: p.clock.Now().UTC()}
	out := &batch{builder: b}

	var err error
	switch format {
	case feed.FormatJSON:
		err = p.parseJSON(data, pr, out)
	case feed.FormatCSV:
		err = p.parseCSV(data, out)
	case feed.FormatXML:
		err = p.parseXML(data, pr, out)
	case feed.FormatSTIX1:
		err = p.parseSTIX1(data, out)
	case feed.FormatSTIX2, feed.FormatTAXII:
		err = p.parseSTIX2(data, pr, out)
	case feed.FormatMISP:
		err = p.parseMISP(data, pr, out)
	case feed.FormatOpenIOC:
		err = p.parseOpenIOC(data, out)
	case feed.FormatCustom:
		err = p.parseCustom(data, pr, out)
	default:
		err = fmt.Errorf("unsupported format")
	}
	if err != nil {
		return nil, &feed.FormatError{Format: format, Reason: err.Error(), Errors: out.errors}
	}

	if len(out.items) == 0 {
		return nil, &feed.FormatError{Format: format, Reason: "no parseable records", Errors: out.errors}
	}

	slog.Debug("Payload parsed", "format", format, "items", len(out.items), "errors", len(out.errors))

	return &Result{Format: format, Items: out.items, Errors: out.errors}, nil
}

// batch collects the outcome of every record in one payload.
type batch struct {
	builder *builder
	items   []feed.Item
	errors  []feed.ParseError
	records int
}

// record adds a generic key/value record. line is 0 when the format has no
// meaningful line numbers.
func (bt *batch) record(raw map[string]any, s schema, line int) {
	bt.records++
	item, perr := bt.builder.build(raw, s)
	bt.add(item, perr, line)
}

// typed adds an item whose type the format already established.
func (bt *batch) typed(item feed.Item, line int) {
	bt.records++
	bt.add(item, bt.builder.finish(&item), line)
}

func (bt *batch) fail(line int, field, reason string) {
	bt.records++
	bt.errors = append(bt.errors, feed.ParseError{Record: bt.records, Line: line, Field: field, Reason: reason})
}

func (bt *batch) add(item feed.Item, perr *feed.ParseError, line int) {
	if perr != nil {
		perr.Record = bt.records
		perr.Line = line
		bt.errors = append(bt.errors, *perr)
		return
	}
	bt.items = append(bt.items, item)
}

// decodeText strips byte order marks and converts UTF-16 payloads to UTF-8.
func decodeText(data []byte) []byte {
	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	}
	return out
}
