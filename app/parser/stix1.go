package parser

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/lysyi3m/threat-comb/app/feed"
)

// stix1Context carries indicator-level fields down to the observables.
type stix1Context struct {
	id          string
	title       string
	description string
	confidence  int
	tlp         feed.TLP
	firstSeen   any
}

func (p *Parser) parseSTIX1(data []byte, out *batch) error {
	root, err := parseXMLTree(data)
	if err != nil {
		return err
	}
	if !root.is("STIX_Package") {
		return fmt.Errorf("root element is %s, not STIX_Package", root.name)
	}

	pkg := stix1Context{tlp: stix1TLP(root.child("STIX_Header"))}

	seen := false
	for _, ind := range root.find("Indicator") {
		if ind.child("Observable") == nil && ind.find("Properties") == nil {
			continue
		}
		seen = true
		ctx := pkg
		ctx.id = ind.attr("id")
		ctx.title = ind.childValue("Title")
		ctx.description = ind.childValue("Description")
		ctx.firstSeen = ind.attr("timestamp")
		if c := ind.child("Confidence"); c != nil {
			ctx.confidence = parseConfidence(cmp.Or(c.childValue("Value"), c.value()))
		}
		if tlp := stix1TLP(ind.child("Handling")); tlp != "" {
			ctx.tlp = tlp
		}
		for _, props := range ind.find("Properties") {
			stix1Properties(out, props, ctx)
		}
	}

	// Packages without indicators list bare observables.
	if !seen {
		if obs := root.child("Observables"); obs != nil {
			for _, props := range obs.find("Properties") {
				stix1Properties(out, props, pkg)
			}
		}
	}

	for _, et := range root.find("Vulnerability") {
		if cve := et.childValue("CVE_ID"); cve != "" {
			item := stix1Item(pkg)
			item.Kind = feed.ItemThreat
			item.IndicatorType = feed.TypeCVE
			item.Value = cve
			item.Title = cmp.Or(et.childValue("Title"), cve)
			item.Description = clean(et.childValue("Description"))
			out.typed(item, et.line)
		}
	}
	return nil
}

func stix1TLP(n *node) feed.TLP {
	if n == nil {
		return ""
	}
	var tlp feed.TLP
	for _, m := range n.find("Marking_Structure") {
		if t, ok := feed.ParseTLP(m.attr("color")); ok && t.Rank() > tlp.Rank() {
			tlp = t
		}
	}
	return tlp
}

func stix1Item(ctx stix1Context) feed.Item {
	return feed.Item{
		Kind:        feed.ItemIndicator,
		ExternalID:  ctx.id,
		Title:       clean(ctx.title),
		Description: clean(ctx.description),
		Confidence:  ctx.confidence,
		TLP:         ctx.tlp,
		FirstSeen:   parseTime(ctx.firstSeen),
	}
}

// stix1Properties maps a CybOX Properties element. Lists joined with
// "##comma##" yield one item per entry.
func stix1Properties(out *batch, props *node, ctx stix1Context) {
	objType := strings.ToLower(props.attr("type"))
	objType, _, _ = strings.Cut(objType, ":")

	var (
		t      feed.IndicatorType
		values []*node
	)
	if declared := props.attr("indicator_type"); declared != "" {
		t, _ = parseIndicatorType(declared)
	}

	switch objType {
	case "addressobj":
		values = props.find("Address_Value")
		if t == "" {
			t = feed.TypeIP
			if strings.Contains(strings.ToLower(props.attr("category")), "mail") {
				t = feed.TypeEmail
			}
		}
	case "domainnameobj", "hostnameobj":
		values = append(props.find("Value"), props.find("Hostname_Value")...)
		if t == "" {
			t = feed.TypeDomain
		}
	case "uriobj", "linkobj":
		values = props.find("Value")
		if t == "" {
			t = feed.TypeURL
		}
	case "emailmessageobj":
		values = props.find("Address_Value")
		if len(values) == 0 {
			values = props.find("From")
		}
		if t == "" {
			t = feed.TypeEmail
		}
	case "fileobj":
		if hashes := props.find("Simple_Hash_Value"); len(hashes) > 0 {
			values = hashes
			if t == "" {
				t = feed.TypeHash
			}
		} else {
			values = props.find("File_Name")
			if t == "" {
				t = feed.TypeFilename
			}
		}
	default:
		values = props.find("Value")
	}

	if len(values) == 0 {
		out.fail(props.line, "Properties", fmt.Sprintf("no value in %s properties", cmp.Or(props.attr("type"), "untyped")))
		return
	}

	for _, v := range values {
		for _, value := range strings.Split(v.value(), "##comma##") {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			item := stix1Item(ctx)
			item.IndicatorType = t
			if item.IndicatorType == "" {
				item.IndicatorType = InferType(value)
			}
			item.Value = value
			if item.IndicatorType == "" {
				out.fail(v.line, "type", fmt.Sprintf("cannot determine indicator type of %q", value))
				continue
			}
			out.typed(item, v.line)
		}
	}
}
