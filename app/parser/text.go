package parser

import (
	"bufio"
	"bytes"
	"path"
	"regexp"
	"strings"

	"github.com/lysyi3m/threat-comb/app/feed"
)

var (
	textCVE    = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,}\b`)
	textURL    = regexp.MustCompile(`(?i)\b(?:https?|ftp)://[^\s"'<>()\[\]{}]+`)
	textEmail  = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@(?:[a-z0-9-]+\.)+[a-z]{2,24}\b`)
	textIPv4   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?:/\d{1,2})?\b`)
	textHash   = regexp.MustCompile(`\b[a-fA-F0-9]{32,128}\b`)
	textDomain = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}\b`)

	textRefang = strings.NewReplacer(
		"hxxps://", "https://", "hxxp://", "http://", "HXXPS://", "https://", "HXXP://", "http://",
		"[.]", ".", "(.)", ".", "{.}", ".", "[dot]", ".", "(dot)", ".",
		"[:]", ":", "[://]", "://", "[@]", "@", "[at]", "@",
	)
)

// hostsPrefixes mark hosts-file style blocklist lines.
var hostsPrefixes = map[string]bool{"0.0.0.0": true, "127.0.0.1": true, "::": true, "::1": true}

type extracted struct {
	t     feed.IndicatorType
	value string
}

// extractIndicators finds indicators in free text. Each value is reported
// once, in order of first appearance per type.
func extractIndicators(text string) []extracted {
	text = textRefang.Replace(text)

	var out []extracted
	seen := make(map[string]bool)
	add := func(t feed.IndicatorType, v string) {
		v = strings.TrimRight(v, ".,;:")
		key := string(t) + "|" + strings.ToLower(v)
		if seen[key] {
			return
		}
		if _, err := Normalize(t, v); err != nil {
			return
		}
		seen[key] = true
		out = append(out, extracted{t: t, value: v})
	}

	for _, m := range textCVE.FindAllString(text, -1) {
		add(feed.TypeCVE, m)
	}
	for _, m := range textURL.FindAllString(text, -1) {
		add(feed.TypeURL, m)
	}
	for _, m := range textEmail.FindAllString(text, -1) {
		add(feed.TypeEmail, m)
	}
	// Hosts already reported inside URLs and addresses are not domains of
	// their own.
	rest := textURL.ReplaceAllString(text, " ")
	rest = textEmail.ReplaceAllString(rest, " ")

	for _, m := range textIPv4.FindAllString(rest, -1) {
		add(feed.TypeIP, m)
	}
	for _, m := range textHash.FindAllString(rest, -1) {
		if feed.HashAlgorithm(m) != "" {
			add(feed.TypeHash, m)
		}
	}
	for _, m := range textDomain.FindAllString(rest, -1) {
		if fileExtensions[strings.ToLower(path.Ext(m))] {
			add(feed.TypeFilename, m)
			continue
		}
		add(feed.TypeDomain, m)
	}
	return out
}

func (p *Parser) parseCustom(data []byte, pr probe, out *batch) error {
	if pr.xmlRoot == "html" || looksLikeHTML(data) {
		return p.parseAdvisory(data, out)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "//") || strings.HasPrefix(text, ";") {
			continue
		}

		var comment string
		if i := strings.Index(text, " #"); i >= 0 {
			text, comment = strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+2:])
		}

		fields := strings.Fields(text)
		value := fields[0]
		if len(fields) > 1 && hostsPrefixes[fields[0]] {
			fields = fields[1:]
			value = fields[0]
		}
		raw := map[string]any{fieldValue: value}
		if extra := strings.Join(fields[1:], " "); extra != "" {
			comment = strings.TrimSpace(extra + " " + comment)
		}
		if comment != "" {
			raw[fieldDescription] = comment
		}
		out.record(raw, genericSchema, line)
	}
	return sc.Err()
}

func looksLikeHTML(data []byte) bool {
	head := bytes.ToLower(data[:min(len(data), 1024)])
	return bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<!doctype html"))
}

// parseAdvisory turns an HTML threat report into one item per indicator
// mentioned in its readable text.
func (p *Parser) parseAdvisory(data []byte, out *batch) error {
	advisory, err := p.extractor.Run(data)
	if err != nil {
		return err
	}

	for _, ex := range extractIndicators(advisory.Text) {
		out.typed(feed.Item{
			Kind:          feed.ItemIndicator,
			IndicatorType: ex.t,
			Value:         ex.value,
			Title:         clean(advisory.Title),
			Description:   clean(advisory.Excerpt),
		}, 0)
	}
	return nil
}
