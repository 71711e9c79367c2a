package parser

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/lysyi3m/threat-comb/app/feed"
)

// Canonical item attributes a source field can map onto.
const (
	fieldValue       = "value"
	fieldType        = "type"
	fieldKind        = "kind"
	fieldTitle       = "title"
	fieldDescription = "description"
	fieldSeverity    = "severity"
	fieldConfidence  = "confidence"
	fieldTags        = "tags"
	fieldTLP         = "tlp"
	fieldFirstSeen   = "first_seen"
	fieldLastSeen    = "last_seen"
	fieldExternalID  = "external_id"
)

// schema maps source keys (compared after lower-casing and dropping
// separators) to canonical attributes. typeHints name keys whose presence
// alone implies the indicator type.
type schema struct {
	aliases   map[string]string
	typeHints map[string]feed.IndicatorType
}

func newSchema(aliases map[string][]string, typeHints map[string]feed.IndicatorType) schema {
	s := schema{aliases: make(map[string]string), typeHints: make(map[string]feed.IndicatorType)}
	for canonical, keys := range aliases {
		for _, k := range keys {
			s.aliases[foldKey(k)] = canonical
		}
	}
	for k, t := range typeHints {
		s.aliases[foldKey(k)] = fieldValue
		s.typeHints[foldKey(k)] = t
	}
	return s
}

func foldKey(k string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "", ".", "").Replace(strings.ToLower(strings.TrimSpace(k)))
}

var genericAliases = map[string][]string{
	fieldValue:       {"value", "indicator", "ioc", "observable", "ioc_value", "indicator_value"},
	fieldType:        {"type", "indicator_type", "ioc_type", "observable_type", "threat_type"},
	fieldKind:        {"kind", "item_kind", "category_kind"},
	fieldTitle:       {"title", "name", "summary", "headline"},
	fieldDescription: {"description", "desc", "comment", "details", "notes", "info"},
	fieldSeverity:    {"severity", "threat_level", "risk", "level", "priority"},
	fieldConfidence:  {"confidence", "score", "certainty", "reliability", "confidence_level"},
	fieldTags:        {"tags", "labels", "categories", "category", "malware_family", "tag"},
	fieldTLP:         {"tlp", "marking", "tlp_level", "traffic_light"},
	fieldFirstSeen:   {"first_seen", "firstseen", "created", "created_at", "date_added", "dateadded", "first_submission", "published", "date"},
	fieldLastSeen:    {"last_seen", "lastseen", "modified", "updated", "updated_at", "last_online", "last_submission"},
	fieldExternalID:  {"id", "uuid", "external_id", "ref", "reference", "ioc_id"},
}

var genericTypeHints = map[string]feed.IndicatorType{
	"ip": feed.TypeIP, "ip_address": feed.TypeIP, "ipaddress": feed.TypeIP, "src_ip": feed.TypeIP,
	"dst_ip": feed.TypeIP, "ipv4": feed.TypeIP, "ipv6": feed.TypeIP, "dst_ip_address": feed.TypeIP,
	"domain": feed.TypeDomain, "hostname": feed.TypeDomain, "host": feed.TypeDomain, "fqdn": feed.TypeDomain,
	"url": feed.TypeURL, "uri": feed.TypeURL,
	"md5": feed.TypeHash, "sha1": feed.TypeHash, "sha256": feed.TypeHash, "sha512": feed.TypeHash,
	"hash": feed.TypeHash, "sha256_hash": feed.TypeHash, "md5_hash": feed.TypeHash, "file_hash": feed.TypeHash,
	"email": feed.TypeEmail, "email_address": feed.TypeEmail, "sender": feed.TypeEmail,
	"cve": feed.TypeCVE, "cve_id": feed.TypeCVE,
	"filename": feed.TypeFilename, "file_name": feed.TypeFilename,
}

var genericSchema = newSchema(genericAliases, genericTypeHints)

var typeAliases = map[string]feed.IndicatorType{
	"ip": feed.TypeIP, "ipv4": feed.TypeIP, "ipv6": feed.TypeIP, "ipaddress": feed.TypeIP,
	"ipv4addr": feed.TypeIP, "ipv6addr": feed.TypeIP, "ipdst": feed.TypeIP, "ipsrc": feed.TypeIP,
	"address": feed.TypeIP, "cidr": feed.TypeIP, "netblock": feed.TypeIP,
	"domain": feed.TypeDomain, "domainname": feed.TypeDomain, "hostname": feed.TypeDomain, "fqdn": feed.TypeDomain, "host": feed.TypeDomain,
	"url": feed.TypeURL, "uri": feed.TypeURL, "link": feed.TypeURL,
	"hash": feed.TypeHash, "md5": feed.TypeHash, "sha1": feed.TypeHash, "sha256": feed.TypeHash, "sha512": feed.TypeHash,
	"filehash": feed.TypeHash, "filehashmd5": feed.TypeHash, "filehashsha1": feed.TypeHash, "filehashsha256": feed.TypeHash,
	"email": feed.TypeEmail, "emailaddr": feed.TypeEmail, "emailsrc": feed.TypeEmail, "emailaddress": feed.TypeEmail,
	"cve": feed.TypeCVE, "vulnerability": feed.TypeCVE,
	"filename": feed.TypeFilename, "file": feed.TypeFilename,
	"name": feed.TypeName, "malware": feed.TypeName, "actor": feed.TypeName, "threatactor": feed.TypeName, "campaign": feed.TypeName,
}

func parseIndicatorType(s string) (feed.IndicatorType, bool) {
	t, ok := typeAliases[foldKey(s)]
	return t, ok
}

// builder turns loosely typed source records into items.
type builder struct {
	now time.Time
}

// build maps one record. raw holds the source fields keyed as they appear in
// the payload. Keys the schema does not know end up in Metadata.
func (b *builder) build(raw map[string]any, s schema) (feed.Item, *feed.ParseError) {
	item := feed.Item{Kind: feed.ItemIndicator}

	var (
		value    string
		valueKey string
		typeHint feed.IndicatorType
		declared string
	)

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := raw[key]
		if isEmpty(v) {
			continue
		}
		fk := foldKey(key)
		canonical, known := s.aliases[fk]
		if !known {
			setMetadata(&item, key, v)
			continue
		}

		switch canonical {
		case fieldValue:
			t, hinted := s.typeHints[fk]
			switch {
			case !hinted:
				// An explicit value column beats a type-hinted one.
				if value != "" && typeHint != "" {
					setMetadata(&item, valueKey, value)
				}
				value, typeHint = asString(v), ""
			case value == "":
				value, typeHint, valueKey = asString(v), t, key
			default:
				setMetadata(&item, key, v)
			}
		case fieldType:
			declared = asString(v)
		case fieldKind:
			item.Kind = feed.ItemKind(strings.ToLower(asString(v)))
		case fieldTitle:
			item.Title = clean(asString(v))
		case fieldDescription:
			item.Description = clean(asString(v))
		case fieldSeverity:
			item.Severity = parseSeverity(v)
		case fieldConfidence:
			item.Confidence = parseConfidence(v)
		case fieldTags:
			item.Tags = append(item.Tags, asStrings(v)...)
		case fieldTLP:
			item.TLP, _ = feed.ParseTLP(asString(v))
		case fieldFirstSeen:
			item.FirstSeen = parseTime(v)
		case fieldLastSeen:
			item.LastSeen = parseTime(v)
		case fieldExternalID:
			item.ExternalID = asString(v)
		}
	}

	if strings.TrimSpace(value) == "" {
		return item, &feed.ParseError{Field: fieldValue, Reason: "missing indicator value"}
	}
	item.Value = strings.TrimSpace(value)

	switch {
	case declared != "":
		t, ok := parseIndicatorType(declared)
		if !ok {
			if t = InferType(item.Value); t == "" {
				return item, &feed.ParseError{Field: fieldType, Reason: fmt.Sprintf("unknown indicator type %q", declared)}
			}
		}
		item.IndicatorType = t
	case typeHint != "":
		item.IndicatorType = typeHint
	default:
		item.IndicatorType = InferType(item.Value)
	}
	if item.IndicatorType == "" {
		return item, &feed.ParseError{Field: fieldType, Reason: fmt.Sprintf("cannot determine indicator type of %q", item.Value)}
	}

	if err := b.finish(&item); err != nil {
		return item, err
	}
	return item, nil
}

// finish normalizes the value, computes the hash and fills defaults. Every
// format path goes through it.
func (b *builder) finish(item *feed.Item) *feed.ParseError {
	normalized, err := Normalize(item.IndicatorType, item.Value)
	if err != nil {
		return &feed.ParseError{Field: fieldValue, Reason: err.Error()}
	}
	item.NormalizedValue = normalized
	item.ContentHash = ContentHash(item.IndicatorType, normalized)

	switch item.Kind {
	case feed.ItemIndicator, feed.ItemThreat, feed.ItemMalware, feed.ItemCampaign, feed.ItemActor:
	default:
		item.Kind = feed.ItemIndicator
	}
	if item.IndicatorType == feed.TypeName && item.Kind == feed.ItemIndicator {
		item.Kind = feed.ItemMalware
	}

	if item.Confidence < 0 {
		item.Confidence = 0
	}
	if item.Confidence > 100 {
		item.Confidence = 100
	}

	if item.LastSeen.IsZero() {
		item.LastSeen = b.now
		if !item.FirstSeen.IsZero() && item.FirstSeen.After(b.now) {
			item.LastSeen = item.FirstSeen
		}
	}
	if item.FirstSeen.IsZero() || item.FirstSeen.After(item.LastSeen) {
		item.FirstSeen = item.LastSeen
	}
	item.Tags = dedupeTags(item.Tags)
	item.SeenCount = 1
	return nil
}

func setMetadata(item *feed.Item, key string, v any) {
	if item.Metadata == nil {
		item.Metadata = make(map[string]any)
	}
	item.Metadata[key] = v
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		k := strings.ToLower(t)
		if t == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	return out
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	}
	return false
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any:
		if len(x) > 0 {
			return asString(x[0])
		}
		return ""
	}
	return fmt.Sprint(v)
}

func asStrings(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if m, ok := e.(map[string]any); ok {
				// MISP and OTX style tag objects
				if name, ok := m["name"].(string); ok {
					out = append(out, name)
				}
				continue
			}
			out = append(out, asString(e))
		}
		return out
	case []string:
		return x
	case string:
		return strings.FieldsFunc(x, func(r rune) bool { return r == ',' || r == ';' || r == '|' })
	}
	return []string{asString(v)}
}

func parseSeverity(v any) feed.Severity {
	s := asString(v)
	if sev, ok := feed.ParseSeverity(s); ok {
		return sev
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ""
	}
	switch {
	case n >= 9:
		return feed.SeverityCritical
	case n >= 7:
		return feed.SeverityHigh
	case n >= 4:
		return feed.SeverityMedium
	case n >= 1:
		return feed.SeverityLow
	}
	return feed.SeverityInfo
}

func parseConfidence(v any) int {
	s := strings.TrimSuffix(strings.TrimSpace(asString(v)), "%")
	switch strings.ToLower(s) {
	case "high":
		return 85
	case "medium":
		return 50
	case "low":
		return 15
	case "none", "":
		return 0
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if n > 0 && n <= 1 && strings.Contains(s, ".") {
		n *= 100
	}
	return int(math.Round(math.Max(0, math.Min(100, n))))
}

func parseTime(v any) time.Time {
	if n, ok := v.(float64); ok {
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC()
		}
		return time.Unix(int64(n), 0).UTC()
	}
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return time.Time{}
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
