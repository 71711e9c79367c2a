package parser

import (
	"bytes"
	"cmp"
	"fmt"
	"strings"

	"github.com/lysyi3m/threat-comb/app/feed"
	"golang.org/x/net/html"
)

func (p *Parser) parseXML(data []byte, pr probe, out *batch) error {
	switch pr.xmlRoot {
	case "rss", "feed", "rdf":
		if ok := p.parseSyndication(data, out); ok {
			return nil
		}
		// A <feed> root is also a common name for plain record lists.
	}

	root, err := parseXMLTree(data)
	if err != nil {
		return err
	}
	records := xmlRecords(root)
	if len(records) == 0 {
		return fmt.Errorf("no record elements under <%s>", root.name)
	}
	for _, r := range records {
		out.record(xmlRecord(r), genericSchema, r.line)
	}
	return nil
}

// parseSyndication reads RSS/Atom advisories. Every indicator mentioned in
// an entry becomes an item; an entry that mentions none is kept as a threat
// item keyed by its link.
func (p *Parser) parseSyndication(data []byte, out *batch) bool {
	parsed, err := p.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil || len(parsed.Items) == 0 {
		return false
	}

	for _, entry := range parsed.Items {
		text := strings.Join([]string{entry.Title, entry.Description, entry.Content}, "\n")
		base := feed.Item{
			Kind:        feed.ItemIndicator,
			ExternalID:  cmp.Or(entry.GUID, entry.Link),
			Title:       clean(entry.Title),
			Description: clean(htmlText(entry.Description)),
			Tags:        entry.Categories,
		}
		if entry.PublishedParsed != nil {
			base.FirstSeen = entry.PublishedParsed.UTC()
		}
		if entry.UpdatedParsed != nil {
			base.LastSeen = entry.UpdatedParsed.UTC()
		}
		if entry.Link != "" {
			base.Metadata = map[string]any{"link": entry.Link}
		}

		found := extractIndicators(htmlText(text))
		for _, ex := range found {
			item := base
			item.Tags = append([]string(nil), base.Tags...)
			item.IndicatorType = ex.t
			item.Value = ex.value
			out.typed(item, 0)
		}
		if len(found) > 0 {
			continue
		}
		if entry.Link == "" {
			out.fail(0, "link", fmt.Sprintf("entry %q has neither indicators nor link", entry.Title))
			continue
		}
		item := base
		item.Kind = feed.ItemThreat
		item.IndicatorType = feed.TypeURL
		item.Value = entry.Link
		out.typed(item, 0)
	}
	return true
}

// xmlRecords picks the repeated element that looks like a flat record: all
// of its children are leaves. Without such elements every leaf under the
// root is a record of its own.
func xmlRecords(root *node) []*node {
	counts := make(map[string]int)
	var order []string
	byName := make(map[string][]*node)

	var walk func(*node)
	walk = func(n *node) {
		for _, c := range n.children {
			if !c.leaf() && allLeaves(c) {
				if counts[c.name] == 0 {
					order = append(order, c.name)
				}
				counts[c.name]++
				byName[c.name] = append(byName[c.name], c)
				continue
			}
			walk(c)
		}
	}
	walk(root)

	best := ""
	for _, name := range order {
		if counts[name] > counts[best] {
			best = name
		}
	}
	if best != "" {
		return byName[best]
	}

	var leaves []*node
	var collect func(*node)
	collect = func(n *node) {
		for _, c := range n.children {
			if c.leaf() {
				if c.value() != "" || len(c.attrs) > 0 {
					leaves = append(leaves, c)
				}
				continue
			}
			collect(c)
		}
	}
	collect(root)
	return leaves
}

func allLeaves(n *node) bool {
	for _, c := range n.children {
		if !c.leaf() {
			return false
		}
	}
	return true
}

// xmlRecord flattens a record element: attributes and child elements become
// keys, repeated children become lists. A bare leaf is keyed by its own name.
func xmlRecord(n *node) map[string]any {
	raw := make(map[string]any, len(n.attrs)+len(n.children)+1)
	for k, v := range n.attrs {
		raw[k] = v
	}
	if n.leaf() {
		raw[n.name] = n.value()
		return raw
	}
	for _, c := range n.children {
		v := c.value()
		switch prev := raw[c.name].(type) {
		case nil:
			raw[c.name] = v
		case []any:
			raw[c.name] = append(prev, v)
		default:
			raw[c.name] = []any{prev, v}
		}
	}
	return raw
}

// htmlText drops markup from RSS descriptions.
func htmlText(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}
