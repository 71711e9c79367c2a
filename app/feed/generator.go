package feed

import (
	"bytes"
	"cmp"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/threat-comb/app/clock"
)

// itemNamespace derives stable object ids from content hashes so the same
// indicator keeps its id across generations.
var itemNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/lysyi3m/threat-comb"))

type Rendered struct {
	FeedID      string    `json:"feed_id"`
	Version     int       `json:"version"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"-"`
	Items       int       `json:"items"`
	Dropped     int       `json:"dropped"` // matched the filter but lacked a required field
	GeneratedAt time.Time `json:"generated_at"`
}

type Generator struct {
	filterer *Filterer
	clock    clock.Clock
}

func NewGenerator(clk clock.Clock) *Generator {
	return &Generator{
		filterer: NewFilterer(),
		clock:    clk,
	}
}

// Validate rejects a custom feed definition before any item is read.
func (g *Generator) Validate(cf *CustomFeed) error {
	if cf == nil {
		return &ValidationError{Reason: "custom feed is nil"}
	}
	if strings.TrimSpace(cf.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if !cf.OutputFormat.Valid() {
		return &ValidationError{Field: "output_format", Reason: fmt.Sprintf("unsupported format %q", cf.OutputFormat)}
	}
	if len(cf.Fields) == 0 {
		return &ValidationError{Field: "fields", Reason: "at least one field is required"}
	}

	seen := make(map[string]bool, len(cf.Fields))
	for i, f := range cf.Fields {
		if !IsItemField(f.Name) {
			return &ValidationError{Field: fmt.Sprintf("fields[%d]", i), Reason: fmt.Sprintf("unknown field %q", f.Name)}
		}
		if seen[f.Name] {
			return &ValidationError{Field: fmt.Sprintf("fields[%d]", i), Reason: fmt.Sprintf("duplicate field %q", f.Name)}
		}
		seen[f.Name] = true
	}

	switch cf.Distribution {
	case "", DistributionInternal, DistributionExternal, DistributionRestricted:
	default:
		return &ValidationError{Field: "distribution", Reason: fmt.Sprintf("unknown distribution %q", cf.Distribution)}
	}
	if cf.MaxItems < 0 {
		return &ValidationError{Field: "max_items", Reason: "must be non-negative"}
	}

	return ValidateCriteria(cf.Filter)
}

// Allows reports whether an item with the given marking may be published
// under this distribution. Unmarked items count as TLP:GREEN.
func (d Distribution) Allows(tlp TLP) bool {
	rank := cmp.Or(tlp.Rank(), TLPGreen.Rank())
	switch d {
	case DistributionExternal:
		return rank <= TLPGreen.Rank()
	case DistributionRestricted:
		return true
	default:
		return rank <= TLPAmber.Rank()
	}
}

// Run selects, projects and serialises items for a custom feed. It works
// on the slice it is given and never writes anywhere else.
func (g *Generator) Run(cf *CustomFeed, items []Item) (*Rendered, error) {
	if err := g.Validate(cf); err != nil {
		return nil, err
	}

	selected, dropped := g.selectItems(cf, items)

	var (
		body []byte
		err  error
	)
	switch cf.OutputFormat {
	case FormatJSON:
		body, err = g.renderJSON(cf, selected)
	case FormatCSV:
		body, err = g.renderCSV(cf, selected)
	case FormatXML:
		body, err = g.renderXML(cf, selected)
	case FormatSTIX2:
		body, err = json.MarshalIndent(g.stixBundle(cf, selected), "", "  ")
	case FormatTAXII:
		body, err = json.MarshalIndent(map[string]any{
			"more":    false,
			"objects": g.stixObjects(cf, selected),
		}, "", "  ")
	case FormatMISP:
		body, err = json.MarshalIndent(g.mispEvent(cf, selected), "", "  ")
	case FormatSTIX1:
		body = g.renderSTIX1(cf, selected)
	case FormatOpenIOC:
		body = g.renderOpenIOC(cf, selected)
	case FormatCustom:
		body = g.renderPlain(cf, selected)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to render %s feed: %w", cf.OutputFormat, err)
	}

	return &Rendered{
		FeedID:      cf.ID,
		Version:     cf.Version,
		Format:      cf.OutputFormat,
		ContentType: ContentType(cf.OutputFormat),
		Body:        body,
		Items:       len(selected),
		Dropped:     dropped,
		GeneratedAt: g.clock.Now().UTC(),
	}, nil
}

func ContentType(f Format) string {
	switch f {
	case FormatJSON, FormatMISP:
		return "application/json"
	case FormatSTIX2:
		return "application/stix+json;version=2.1"
	case FormatTAXII:
		return "application/taxii+json;version=2.1"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatXML, FormatSTIX1, FormatOpenIOC:
		return "application/xml; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

func (g *Generator) selectItems(cf *CustomFeed, items []Item) ([]Item, int) {
	distribution := cmp.Or(cf.Distribution, DistributionInternal)

	selected := make([]Item, 0, len(items))
	dropped := 0
	for _, item := range items {
		if !item.IsCanonical() || item.IsFalsePositive {
			continue
		}
		if !distribution.Allows(item.TLP) {
			continue
		}
		if ok, _ := g.filterer.Match(item, cf.Filter); !ok {
			continue
		}
		if !hasRequired(item, cf.Fields) {
			dropped++
			continue
		}
		selected = append(selected, item)
	}

	slices.SortStableFunc(selected, func(a, b Item) int {
		return b.LastSeen.Compare(a.LastSeen)
	})
	if cf.MaxItems > 0 && len(selected) > cf.MaxItems {
		selected = selected[:cf.MaxItems]
	}
	return selected, dropped
}

func hasRequired(item Item, fields []Field) bool {
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if _, present := FieldValues(item, f.Name); !present {
			return false
		}
	}
	return true
}

// fieldValue is the typed value of a selected field for structured output.
func fieldValue(item Item, name string) any {
	switch name {
	case "confidence":
		return item.Confidence
	case "seen_count":
		return item.SeenCount
	case "is_false_positive":
		return item.IsFalsePositive
	case "tags":
		return item.Tags
	case "sources":
		return item.Sources
	}
	if key, ok := strings.CutPrefix(name, "metadata."); ok {
		return item.Metadata[key]
	}
	values, present := FieldValues(item, name)
	if !present {
		return nil
	}
	return values[0]
}

func wants(cf *CustomFeed, name string) bool {
	for _, f := range cf.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (g *Generator) renderJSON(cf *CustomFeed, items []Item) ([]byte, error) {
	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		record := make(map[string]any, len(cf.Fields))
		for _, f := range cf.Fields {
			record[f.Name] = fieldValue(item, f.Name)
		}
		records = append(records, record)
	}

	return json.MarshalIndent(map[string]any{
		"feed":         cf.Name,
		"version":      cf.Version,
		"generated_at": g.clock.Now().UTC().Format(time.RFC3339),
		"count":        len(records),
		"items":        records,
	}, "", "  ")
}

func (g *Generator) renderCSV(cf *CustomFeed, items []Item) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := make([]string, len(cf.Fields))
	for i, f := range cf.Fields {
		header[i] = f.Name
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, item := range items {
		row := make([]string, len(cf.Fields))
		for i, f := range cf.Fields {
			values, _ := FieldValues(item, f.Name)
			row[i] = strings.Join(values, ";")
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) renderXML(cf *CustomFeed, items []Item) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")

	root := xml.StartElement{Name: xml.Name{Local: "feed"}, Attr: []xml.Attr{
		{Name: xml.Name{Local: "name"}, Value: cf.Name},
		{Name: xml.Name{Local: "version"}, Value: strconv.Itoa(cf.Version)},
	}}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}

	for _, item := range items {
		el := xml.StartElement{Name: xml.Name{Local: "item"}}
		if err := enc.EncodeToken(el); err != nil {
			return nil, err
		}
		for _, f := range cf.Fields {
			values, _ := FieldValues(item, f.Name)
			for _, v := range values {
				if err := enc.EncodeElement(v, xml.StartElement{Name: xml.Name{Local: f.Name}}); err != nil {
					return nil, err
				}
			}
		}
		if err := enc.EncodeToken(el.End()); err != nil {
			return nil, err
		}
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *Generator) renderPlain(cf *CustomFeed, items []Item) []byte {
	var buf bytes.Buffer
	for _, item := range items {
		cols := make([]string, 0, len(cf.Fields))
		for _, f := range cf.Fields {
			values, _ := FieldValues(item, f.Name)
			cols = append(cols, strings.Join(values, ","))
		}
		buf.WriteString(strings.Join(cols, "\t"))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func objectID(prefix string, item Item) string {
	return prefix + "--" + uuid.NewSHA1(itemNamespace, []byte(item.ContentHash)).String()
}

func (g *Generator) stixBundle(cf *CustomFeed, items []Item) map[string]any {
	return map[string]any{
		"type":    "bundle",
		"id":      "bundle--" + uuid.NewSHA1(itemNamespace, []byte(fmt.Sprintf("%s/%d", cf.ID, cf.Version))).String(),
		"objects": g.stixObjects(cf, items),
	}
}

// stixObjects renders STIX 2.1 SDOs. Identity fields are always present;
// the rest follow the custom feed's field list.
func (g *Generator) stixObjects(cf *CustomFeed, items []Item) []map[string]any {
	objects := make([]map[string]any, 0, len(items))
	for _, item := range items {
		created := cmp.Or(item.FirstSeen, item.CreatedAt, g.clock.Now()).UTC().Format(time.RFC3339)
		modified := cmp.Or(item.LastSeen, item.UpdatedAt, g.clock.Now()).UTC().Format(time.RFC3339)

		var obj map[string]any
		switch item.IndicatorType {
		case TypeCVE:
			obj = map[string]any{
				"type": "vulnerability",
				"id":   objectID("vulnerability", item),
				"name": item.NormalizedValue,
				"external_references": []map[string]any{
					{"source_name": "cve", "external_id": strings.ToUpper(item.NormalizedValue)},
				},
			}
		case TypeName:
			sdo := "malware"
			switch item.Kind {
			case ItemActor:
				sdo = "threat-actor"
			case ItemCampaign:
				sdo = "campaign"
			}
			obj = map[string]any{
				"type": sdo,
				"id":   objectID(sdo, item),
				"name": item.Value,
			}
			if sdo == "malware" {
				obj["is_family"] = true
			}
		default:
			obj = map[string]any{
				"type":         "indicator",
				"id":           objectID("indicator", item),
				"name":         cmp.Or(item.Title, item.Value),
				"pattern":      fmt.Sprintf("[%s = '%s']", STIXObjectPath(item.IndicatorType, item.NormalizedValue), stixEscape(item.NormalizedValue)),
				"pattern_type": "stix",
				"valid_from":   created,
			}
		}

		obj["spec_version"] = "2.1"
		obj["created"] = created
		obj["modified"] = modified

		if wants(cf, "description") && item.Description != "" {
			obj["description"] = item.Description
		}
		if wants(cf, "tags") && len(item.Tags) > 0 {
			obj["labels"] = item.Tags
		}
		if wants(cf, "confidence") {
			obj["confidence"] = item.Confidence
		}
		if wants(cf, "tlp") {
			if ref, ok := TLPMarkings[item.TLP]; ok {
				obj["object_marking_refs"] = []string{ref}
			}
		}
		if wants(cf, "severity") && item.Severity != "" {
			obj["x_severity"] = string(item.Severity)
		}
		objects = append(objects, obj)
	}
	return objects
}

func stixEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

var mispThreatLevels = map[Severity]string{
	SeverityCritical: "1",
	SeverityHigh:     "1",
	SeverityMedium:   "2",
	SeverityLow:      "3",
	SeverityInfo:     "4",
}

func (g *Generator) mispEvent(cf *CustomFeed, items []Item) map[string]any {
	now := g.clock.Now().UTC()

	worst := Severity("")
	attributes := make([]map[string]any, 0, len(items))
	for _, item := range items {
		typ, category := MISPType(item.IndicatorType, item.NormalizedValue)
		attr := map[string]any{
			"uuid":      uuid.NewSHA1(itemNamespace, []byte(item.ContentHash)).String(),
			"type":      typ,
			"category":  category,
			"value":     item.NormalizedValue,
			"to_ids":    item.Confidence >= 75,
			"timestamp": strconv.FormatInt(cmp.Or(item.LastSeen, now).Unix(), 10),
		}
		if wants(cf, "description") && item.Description != "" {
			attr["comment"] = item.Description
		}
		var tags []map[string]string
		if wants(cf, "tlp") && item.TLP != "" {
			tags = append(tags, map[string]string{"name": "tlp:" + string(item.TLP)})
		}
		if wants(cf, "tags") {
			for _, tag := range item.Tags {
				tags = append(tags, map[string]string{"name": tag})
			}
		}
		if len(tags) > 0 {
			attr["Tag"] = tags
		}
		if item.Severity.Rank() > worst.Rank() {
			worst = item.Severity
		}
		attributes = append(attributes, attr)
	}

	return map[string]any{
		"Event": map[string]any{
			"uuid":            uuid.NewSHA1(itemNamespace, []byte(fmt.Sprintf("%s/%d", cf.ID, cf.Version))).String(),
			"info":            cf.Name,
			"date":            now.Format("2006-01-02"),
			"timestamp":       strconv.FormatInt(now.Unix(), 10),
			"threat_level_id": cmp.Or(mispThreatLevels[worst], "4"),
			"analysis":        "2",
			"published":       true,
			"Attribute":       attributes,
		},
	}
}

func (g *Generator) renderSTIX1(cf *CustomFeed, items []Item) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<stix:STIX_Package xmlns:stix="http://stix.mitre.org/stix-1" xmlns:indicator="http://stix.mitre.org/Indicator-2" xmlns:cybox="http://cybox.mitre.org/cybox-2" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" version="1.2"`)
	fmt.Fprintf(&buf, " id=\"threat-comb:Package-%s\">\n", uuid.NewSHA1(itemNamespace, []byte(cf.ID)).String())
	buf.WriteString("  <stix:STIX_Header>\n")
	g.writeElement(&buf, "stix:Title", cf.Name, 4)
	buf.WriteString("  </stix:STIX_Header>\n")
	buf.WriteString("  <stix:Indicators>\n")

	for _, item := range items {
		fmt.Fprintf(&buf, "    <stix:Indicator xsi:type=\"indicator:IndicatorType\" id=\"threat-comb:indicator-%s\">\n",
			uuid.NewSHA1(itemNamespace, []byte(item.ContentHash)).String())
		g.writeElement(&buf, "indicator:Title", cmp.Or(item.Title, item.Value), 6)
		if wants(cf, "description") {
			g.writeElement(&buf, "indicator:Description", item.Description, 6)
		}
		if wants(cf, "confidence") {
			g.writeElement(&buf, "indicator:Confidence", strconv.Itoa(item.Confidence), 6)
		}
		buf.WriteString("      <indicator:Observable>\n")
		buf.WriteString("        <cybox:Object>\n")
		objType, prop := stix1Property(item)
		fmt.Fprintf(&buf, "          <cybox:Properties xsi:type=\"%s\" indicator_type=\"%s\">\n", objType, item.IndicatorType)
		g.writeElement(&buf, prop, item.NormalizedValue, 12)
		buf.WriteString("          </cybox:Properties>\n")
		buf.WriteString("        </cybox:Object>\n")
		buf.WriteString("      </indicator:Observable>\n")
		buf.WriteString("    </stix:Indicator>\n")
	}

	buf.WriteString("  </stix:Indicators>\n")
	buf.WriteString("</stix:STIX_Package>\n")
	return buf.Bytes()
}

func stix1Property(item Item) (string, string) {
	switch item.IndicatorType {
	case TypeIP:
		return "AddressObj:AddressObjectType", "Address_Value"
	case TypeDomain:
		return "DomainNameObj:DomainNameObjectType", "Value"
	case TypeURL:
		return "URIObj:URIObjectType", "Value"
	case TypeEmail:
		return "EmailMessageObj:EmailMessageObjectType", "From"
	case TypeHash:
		return "FileObj:FileObjectType", "Simple_Hash_Value"
	case TypeFilename:
		return "FileObj:FileObjectType", "File_Name"
	}
	return "cybox:ObjectType", "Value"
}

func (g *Generator) renderOpenIOC(cf *CustomFeed, items []Item) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, "<ioc xmlns=\"http://openioc.org/schemas/OpenIOC_1.1\" id=\"%s\" last-modified=\"%s\">\n",
		uuid.NewSHA1(itemNamespace, []byte(cf.ID)).String(), g.clock.Now().UTC().Format("2006-01-02T15:04:05"))
	g.writeElement(&buf, "short_description", cf.Name, 2)
	g.writeElement(&buf, "description", cf.Description, 2)
	buf.WriteString("  <criteria>\n")
	buf.WriteString("    <Indicator operator=\"OR\">\n")

	for _, item := range items {
		document, search, contentType := OpenIOCTerm(item.IndicatorType, item.NormalizedValue)
		if search == "" {
			continue
		}
		fmt.Fprintf(&buf, "      <IndicatorItem id=\"%s\" condition=\"is\">\n", uuid.NewSHA1(itemNamespace, []byte(item.ContentHash)).String())
		fmt.Fprintf(&buf, "        <Context document=\"%s\" search=\"%s\" type=\"mir\"/>\n", document, search)
		buf.WriteString("        <Content type=\"" + contentType + "\">")
		xml.EscapeText(&buf, []byte(item.NormalizedValue))
		buf.WriteString("</Content>\n")
		buf.WriteString("      </IndicatorItem>\n")
	}

	buf.WriteString("    </Indicator>\n")
	buf.WriteString("  </criteria>\n")
	buf.WriteString("</ioc>\n")
	return buf.Bytes()
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	buf.WriteString(strings.Repeat(" ", indent))
	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}
