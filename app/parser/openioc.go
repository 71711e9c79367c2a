package parser

import (
	"cmp"
	"fmt"

	"github.com/lysyi3m/threat-comb/app/feed"
)

func (p *Parser) parseOpenIOC(data []byte, out *batch) error {
	root, err := parseXMLTree(data)
	if err != nil {
		return err
	}
	if !root.is("ioc") && !root.is("OpenIOC") {
		return fmt.Errorf("root element is %s, not ioc", root.name)
	}

	// 1.1 keeps descriptive fields under <metadata>.
	meta := root
	if m := root.child("metadata"); m != nil {
		meta = m
	}
	title := meta.childValue("short_description")
	description := meta.childValue("description")
	authored := cmp.Or(meta.childValue("authored_date"), root.attr("last-modified"))

	items := root.find("IndicatorItem")
	if len(items) == 0 {
		return fmt.Errorf("no IndicatorItem elements")
	}

	for _, ii := range items {
		ctx := ii.child("Context")
		content := ii.child("Content")
		if content == nil || content.value() == "" {
			out.fail(ii.line, "Content", "indicator item has no content")
			continue
		}

		item := feed.Item{
			Kind:        feed.ItemIndicator,
			ExternalID:  ii.attr("id"),
			Title:       clean(title),
			Description: clean(description),
			Value:       content.value(),
			FirstSeen:   parseTime(authored),
		}
		if ctx != nil {
			item.IndicatorType, _ = feed.IndicatorTypeFromOpenIOC(ctx.attr("search"))
		}
		if item.IndicatorType == "" {
			item.IndicatorType = InferType(item.Value)
		}
		if item.IndicatorType == "" {
			search := ""
			if ctx != nil {
				search = ctx.attr("search")
			}
			out.fail(ii.line, "search", fmt.Sprintf("unsupported search term %q", search))
			continue
		}
		if cond := ii.attr("condition"); cond != "" && cond != "is" {
			item.Metadata = map[string]any{"condition": cond}
		}
		out.typed(item, ii.line)
	}
	return nil
}
