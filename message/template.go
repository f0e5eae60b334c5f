// Package message implements Message Assembly (spec §4.4): template
// expansion of declared messages against stage input, response
// normalization into history, and splitting intermediate content from
// tool calls. The `<%= name %>` substitution syntax is intentionally
// ERB-style, distinct from hector's own `{var}`/`{app:var}` instruction
// templating (pkg/instruction/template.go) — grounded on that file's
// doc-comment style and single-pass-substitution approach, but a
// different placeholder grammar per spec §9 "Template expansion".
package message

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRE = regexp.MustCompile(`<%=\s*([a-zA-Z0-9_.]+)\s*%>`)

// Expand substitutes every `<%= name %>` occurrence in text with the
// stringified value of input[name]. Dotted names (`a.b`) look up nested
// maps. Unresolvable names are left as empty string, matching the
// teacher's tolerant-template convention (a typo in a prompt should not
// crash the stage).
func Expand(text string, input map[string]any) string {
	return placeholderRE.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderRE.FindStringSubmatch(match)[1]
		val, ok := lookup(input, name)
		if !ok {
			return ""
		}
		return stringify(val)
	})
}

func lookup(input map[string]any, dotted string) (any, bool) {
	parts := strings.Split(dotted, ".")
	var cur any = input
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
