package parser

import (
	"fmt"
	"strings"

	"github.com/lysyi3m/threat-comb/app/feed"
)

var mispSeverities = map[string]feed.Severity{
	"1": feed.SeverityHigh,
	"2": feed.SeverityMedium,
	"3": feed.SeverityLow,
	"4": feed.SeverityInfo,
}

// mispEvent is the event-level context shared by its attributes.
type mispEvent struct {
	info     string
	severity feed.Severity
	tlp      feed.TLP
	tags     []string
	date     any
}

func (p *Parser) parseMISP(data []byte, pr probe, out *batch) error {
	doc, ok := pr.json.(map[string]any)
	if !ok {
		return fmt.Errorf("MISP document is not a JSON object")
	}

	events, attrs := mispCollect(doc)
	if len(events) == 0 && len(attrs) == 0 {
		return fmt.Errorf("MISP document has neither events nor attributes")
	}

	for _, ev := range events {
		ctx := mispContext(ev)
		for _, a := range mispEventAttributes(ev) {
			mispAttribute(out, a, ctx)
		}
	}
	for _, a := range attrs {
		mispAttribute(out, a, mispEvent{})
	}
	return nil
}

// mispCollect accepts a bare event, {"Event": ...}, a restSearch
// {"response": [...]} or {"response": {"Attribute": [...]}} and a bare
// {"Attribute": [...]} list.
func mispCollect(doc map[string]any) (events []map[string]any, attrs []map[string]any) {
	if ev, ok := doc["Event"].(map[string]any); ok {
		events = append(events, ev)
	}
	attrs = append(attrs, mispMaps(doc["Attribute"])...)

	switch resp := doc["response"].(type) {
	case []any:
		for _, r := range resp {
			m, _ := r.(map[string]any)
			if ev, ok := m["Event"].(map[string]any); ok {
				events = append(events, ev)
			}
		}
	case map[string]any:
		attrs = append(attrs, mispMaps(resp["Attribute"])...)
	}
	return events, attrs
}

func mispMaps(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func mispEventAttributes(ev map[string]any) []map[string]any {
	attrs := mispMaps(ev["Attribute"])
	for _, obj := range mispMaps(ev["Object"]) {
		attrs = append(attrs, mispMaps(obj["Attribute"])...)
	}
	return attrs
}

func mispContext(ev map[string]any) mispEvent {
	ctx := mispEvent{
		info:     clean(asString(ev["info"])),
		severity: mispSeverities[asString(ev["threat_level_id"])],
		date:     ev["date"],
	}
	ctx.tags, ctx.tlp = mispTags(ev["Tag"])
	return ctx
}

// mispTags splits tag objects into plain tags and the TLP marking.
func mispTags(v any) ([]string, feed.TLP) {
	var (
		tags []string
		tlp  feed.TLP
	)
	for _, name := range asStrings(v) {
		if t, ok := feed.ParseTLP(name); ok && strings.HasPrefix(strings.ToLower(name), "tlp:") {
			if t.Rank() > tlp.Rank() {
				tlp = t
			}
			continue
		}
		tags = append(tags, name)
	}
	return tags, tlp
}

func mispAttribute(out *batch, a map[string]any, ctx mispEvent) {
	typ := strings.ToLower(asString(a["type"]))
	t, ok := feed.IndicatorTypeFromMISP(typ)
	if !ok {
		out.fail(0, "type", fmt.Sprintf("unsupported MISP attribute type %q", typ))
		return
	}

	item := feed.Item{
		Kind:          feed.ItemIndicator,
		IndicatorType: t,
		Value:         mispValue(typ, asString(a["value"])),
		ExternalID:    asString(a["uuid"]),
		Title:         ctx.info,
		Description:   clean(asString(a["comment"])),
		Severity:      ctx.severity,
		TLP:           ctx.tlp,
		FirstSeen:     parseTime(a["first_seen"]),
		LastSeen:      parseTime(a["last_seen"]),
		Confidence:    50,
	}
	if ids, ok := a["to_ids"].(bool); ok && ids {
		item.Confidence = 80
	}
	if item.LastSeen.IsZero() {
		item.LastSeen = parseTime(a["timestamp"])
	}
	if item.FirstSeen.IsZero() && ctx.date != nil {
		item.FirstSeen = parseTime(ctx.date)
	}
	if typ == "threat-actor" {
		item.Kind = feed.ItemActor
	}

	tags, tlp := mispTags(a["Tag"])
	item.Tags = append(append(item.Tags, ctx.tags...), tags...)
	if tlp.Rank() > item.TLP.Rank() {
		item.TLP = tlp
	}
	if category := asString(a["category"]); category != "" {
		item.Metadata = map[string]any{"category": category}
	}
	out.typed(item, 0)
}

// mispValue picks the indicator half of composite attribute values such as
// "filename|md5" or "ip-dst|port".
func mispValue(typ, value string) string {
	left, right, composite := strings.Cut(value, "|")
	if !composite || !strings.Contains(typ, "|") {
		return value
	}
	if strings.HasPrefix(typ, "filename|") {
		return right
	}
	return left
}
