package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lysyi3m/threat-comb/app/feed"
)

// patternComparison matches one "[object:path = 'value']" comparison.
var patternComparison = regexp.MustCompile(`([a-z0-9-]+:[A-Za-z0-9_.'\- ]+?)\s*(?:=|LIKE|MATCHES)\s*'((?:\\.|[^'\\])*)'`)

var stixPaths = map[string]feed.IndicatorType{
	"ipv4-addr:value":                feed.TypeIP,
	"ipv6-addr:value":                feed.TypeIP,
	"domain-name:value":              feed.TypeDomain,
	"url:value":                      feed.TypeURL,
	"email-addr:value":               feed.TypeEmail,
	"email-message:from_ref.value":   feed.TypeEmail,
	"email-message:sender_ref.value": feed.TypeEmail,
	"file:name":                      feed.TypeFilename,
}

// Observable objects that carry their indicator in "value".
var stixObservables = map[string]feed.IndicatorType{
	"ipv4-addr":   feed.TypeIP,
	"ipv6-addr":   feed.TypeIP,
	"domain-name": feed.TypeDomain,
	"url":         feed.TypeURL,
	"email-addr":  feed.TypeEmail,
}

var stixNamed = map[string]feed.ItemKind{
	"malware":       feed.ItemMalware,
	"tool":          feed.ItemMalware,
	"threat-actor":  feed.ItemActor,
	"intrusion-set": feed.ItemActor,
	"campaign":      feed.ItemCampaign,
}

func stixPathType(path string) (feed.IndicatorType, bool) {
	path = strings.ReplaceAll(strings.TrimSpace(path), " ", "")
	if strings.HasPrefix(path, "file:hashes") {
		return feed.TypeHash, true
	}
	t, ok := stixPaths[path]
	return t, ok
}

func (p *Parser) parseSTIX2(data []byte, pr probe, out *batch) error {
	doc, ok := pr.json.(map[string]any)
	if !ok {
		return fmt.Errorf("STIX document is not a JSON object")
	}
	objects, ok := doc["objects"].([]any)
	if !ok {
		return fmt.Errorf("STIX document has no objects")
	}

	markings := stixMarkings(objects)

	for _, o := range objects {
		obj, ok := o.(map[string]any)
		if !ok {
			out.fail(0, "", "STIX object is not a JSON object")
			continue
		}
		typ := asString(obj["type"])
		switch {
		case typ == "indicator":
			stixIndicator(out, obj, markings)
		case typ == "vulnerability":
			item := stixBase(obj, markings)
			item.Kind = feed.ItemThreat
			item.IndicatorType = feed.TypeCVE
			item.Value = stixCVE(obj)
			if item.Value == "" {
				out.fail(0, "name", fmt.Sprintf("vulnerability %s has no CVE reference", asString(obj["id"])))
				continue
			}
			out.typed(item, 0)
		case stixNamed[typ] != "":
			item := stixBase(obj, markings)
			item.Kind = stixNamed[typ]
			item.IndicatorType = feed.TypeName
			item.Value = asString(obj["name"])
			if strings.TrimSpace(item.Value) == "" {
				out.fail(0, "name", fmt.Sprintf("%s %s has no name", typ, asString(obj["id"])))
				continue
			}
			out.typed(item, 0)
		case stixObservables[typ] != "":
			item := stixBase(obj, markings)
			item.IndicatorType = stixObservables[typ]
			item.Value = asString(obj["value"])
			out.typed(item, 0)
		case typ == "file":
			stixFile(out, obj, markings)
		}
		// Relationships, identities, reports and the like carry no indicators.
	}
	return nil
}

// stixMarkings resolves marking-definition ids to TLP levels, starting from
// the well-known TLP definitions.
func stixMarkings(objects []any) map[string]feed.TLP {
	markings := make(map[string]feed.TLP, len(feed.TLPMarkings))
	for tlp, id := range feed.TLPMarkings {
		markings[id] = tlp
	}
	for _, o := range objects {
		obj, ok := o.(map[string]any)
		if !ok || asString(obj["type"]) != "marking-definition" {
			continue
		}
		def, _ := obj["definition"].(map[string]any)
		if tlp, ok := feed.ParseTLP(asString(def["tlp"])); ok {
			markings[asString(obj["id"])] = tlp
			continue
		}
		if tlp, ok := feed.ParseTLP(asString(obj["name"])); ok {
			markings[asString(obj["id"])] = tlp
		}
	}
	return markings
}

func stixBase(obj map[string]any, markings map[string]feed.TLP) feed.Item {
	item := feed.Item{
		Kind:        feed.ItemIndicator,
		ExternalID:  asString(obj["id"]),
		Title:       clean(asString(obj["name"])),
		Description: clean(asString(obj["description"])),
		Confidence:  parseConfidence(obj["confidence"]),
		Severity:    parseSeverity(obj["x_severity"]),
		FirstSeen:   parseTime(obj["created"]),
		LastSeen:    parseTime(obj["modified"]),
	}
	if item.FirstSeen.IsZero() {
		item.FirstSeen = parseTime(obj["valid_from"])
	}
	item.Tags = append(item.Tags, asStrings(obj["labels"])...)
	item.Tags = append(item.Tags, asStrings(obj["indicator_types"])...)
	item.Tags = append(item.Tags, asStrings(obj["malware_types"])...)

	if refs, ok := obj["object_marking_refs"].([]any); ok {
		for _, r := range refs {
			if tlp, ok := markings[asString(r)]; ok && tlp.Rank() > item.TLP.Rank() {
				item.TLP = tlp
			}
		}
	}
	return item
}

func stixIndicator(out *batch, obj map[string]any, markings map[string]feed.TLP) {
	pattern := asString(obj["pattern"])
	if pt := asString(obj["pattern_type"]); pt != "" && pt != "stix" {
		out.fail(0, "pattern", fmt.Sprintf("unsupported pattern type %q", pt))
		return
	}

	matches := patternComparison.FindAllStringSubmatch(pattern, -1)
	found := false
	for _, m := range matches {
		t, ok := stixPathType(m[1])
		if !ok {
			continue
		}
		found = true
		item := stixBase(obj, markings)
		item.IndicatorType = t
		item.Value = unescapePattern(m[2])
		out.typed(item, 0)
	}
	if !found {
		out.fail(0, "pattern", fmt.Sprintf("no supported comparison in pattern %q", pattern))
	}
}

func stixFile(out *batch, obj map[string]any, markings map[string]feed.TLP) {
	hashes, _ := obj["hashes"].(map[string]any)
	emitted := false
	for _, algo := range []string{"SHA-256", "SHA-1", "MD5", "SHA-512"} {
		if v := asString(hashes[algo]); v != "" {
			item := stixBase(obj, markings)
			item.IndicatorType = feed.TypeHash
			item.Value = v
			out.typed(item, 0)
			emitted = true
		}
	}
	if !emitted {
		item := stixBase(obj, markings)
		item.IndicatorType = feed.TypeFilename
		item.Value = asString(obj["name"])
		if item.Value == "" {
			out.fail(0, "hashes", "file object has neither hashes nor name")
			return
		}
		out.typed(item, 0)
	}
}

func stixCVE(obj map[string]any) string {
	if refs, ok := obj["external_references"].([]any); ok {
		for _, r := range refs {
			ref, _ := r.(map[string]any)
			if strings.EqualFold(asString(ref["source_name"]), "cve") {
				return asString(ref["external_id"])
			}
		}
	}
	if name := asString(obj["name"]); cvePattern.MatchString(name) {
		return name
	}
	return ""
}

func unescapePattern(s string) string {
	return strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(s)
}
