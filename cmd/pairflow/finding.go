package main

import (
	"fmt"
	"strings"

	"github.com/pairflow/pairflow/internal/bubble"
)

// parseFinding decodes one --finding flag value per §6.5:
//
//	<severity>:<title>[|<ref1>[,<ref2>...]]
//
// Refs are comma-separated; a literal comma inside one ref is escaped as
// `\,`. `|` is reserved as the title/refs separator and may appear at
// most once unescaped.
func parseFinding(raw string) (bubble.Finding, error) {
	colon := strings.IndexByte(raw, ':')
	if colon < 0 {
		return bubble.Finding{}, fmt.Errorf("--finding %q: expected <severity>:<title>[|refs]", raw)
	}
	sev := bubble.Severity(raw[:colon])
	switch sev {
	case bubble.SeverityP0, bubble.SeverityP1, bubble.SeverityP2, bubble.SeverityP3:
	default:
		return bubble.Finding{}, fmt.Errorf("--finding %q: severity must be one of P0,P1,P2,P3", raw)
	}

	rest := raw[colon+1:]
	title, refsPart, hasRefs := splitUnescapedPipe(rest)
	if strings.TrimSpace(title) == "" {
		return bubble.Finding{}, fmt.Errorf("--finding %q: title is required", raw)
	}

	finding := bubble.Finding{Severity: sev, Title: title}
	if hasRefs {
		if _, _, extra := splitUnescapedPipe(refsPart); extra {
			return bubble.Finding{}, fmt.Errorf("--finding %q: '|' may appear at most once unescaped", raw)
		}
		finding.Refs = splitRefs(refsPart)
	}
	return finding, nil
}

// splitUnescapedPipe splits s on the first unescaped '|', unescaping any
// `\|` encountered before it back to a literal pipe in the title half.
func splitUnescapedPipe(s string) (before, after string, found bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '|' || s[i+1] == ',') {
			b.WriteByte(s[i+1])
			i++
			continue
		}
		if s[i] == '|' {
			return b.String(), s[i+1:], true
		}
		b.WriteByte(s[i])
	}
	return b.String(), "", false
}

// splitRefs splits a refs segment on unescaped commas, unescaping `\,`
// back to a literal comma within each ref.
func splitRefs(s string) []string {
	var refs []string
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == ',' {
			b.WriteByte(',')
			i++
			continue
		}
		if s[i] == ',' {
			refs = append(refs, b.String())
			b.Reset()
			continue
		}
		b.WriteByte(s[i])
	}
	refs = append(refs, b.String())
	return bubble.NormalizeRefs(refs)
}
