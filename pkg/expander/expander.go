// Package expander implements the target expression grammar: bracket
// ranges, comma alternation, tag references, and set difference, expanded
// against a namespace snapshot into an ordered, deduplicated host list. The
// expansion is pure and deterministic given its inputs.
package expander

import (
	"strconv"
	"strings"

	"github.com/pogo-fleet/pogo/pkg/namespace"
	"github.com/pogo-fleet/pogo/pkg/pogoerr"
	"github.com/pogo-fleet/pogo/pkg/types"
)

// Expand parses expr against ns and returns the ordered, deduplicated host
// list it denotes. Duplicates are removed preserving first occurrence.
func Expand(expr string, ns *types.Namespace) ([]string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, pogoerr.New(pogoerr.InvalidSpec, "empty target expression")
	}

	hosts, err := expandDifference(expr, ns)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, pogoerr.New(pogoerr.InvalidSpec, "target expression expanded to zero hosts: "+expr)
	}
	return hosts, nil
}

// expandDifference splits on top-level, whitespace-delimited " - " (set
// difference has the lowest precedence) and subtracts each subsequent term's
// expansion from the first.
func expandDifference(expr string, ns *types.Namespace) ([]string, error) {
	terms := splitTopLevel(expr, '-')
	if len(terms) == 0 {
		return nil, pogoerr.New(pogoerr.InvalidSpec, "unparseable target expression: "+expr)
	}

	base, err := expandAlternation(strings.TrimSpace(terms[0]), ns)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{})
	for _, t := range terms[1:] {
		sub, err := expandAlternation(strings.TrimSpace(t), ns)
		if err != nil {
			return nil, err
		}
		for _, h := range sub {
			excluded[h] = struct{}{}
		}
	}

	return dedupExcluding(base, excluded), nil
}

// splitTopLevel splits s on sep outside of bracket groups. A '-' only counts
// as the difference operator when set off by whitespace on both sides, so
// hyphenated hostnames like web-01.example.com keep their hyphens.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case sep:
			if depth != 0 {
				break
			}
			if sep == '-' && (i == 0 || s[i-1] != ' ' || i+1 >= len(s) || s[i+1] != ' ') {
				break
			}
			if i > start {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func dedupExcluding(hosts []string, excluded map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if _, skip := excluded[h]; skip {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// expandAlternation handles comma-separated alternatives at the top level,
// e.g. "web1,web2" or "foo[1,3,5].example.com".
func expandAlternation(expr string, ns *types.Namespace) ([]string, error) {
	parts := splitTopLevel(expr, ',')
	var out []string
	for _, p := range parts {
		hosts, err := expandTerm(strings.TrimSpace(p), ns)
		if err != nil {
			return nil, err
		}
		out = append(out, hosts...)
	}
	return out, nil
}

func expandTerm(term string, ns *types.Namespace) ([]string, error) {
	if term == "" {
		return nil, pogoerr.New(pogoerr.InvalidSpec, "empty term in target expression")
	}

	if strings.HasPrefix(term, "%") {
		tag := term[1:]
		if tag == "" {
			return nil, pogoerr.New(pogoerr.InvalidSpec, "empty tag reference")
		}
		hosts := namespace.ExpandTags(ns, tag)
		if hosts == nil {
			return nil, pogoerr.New(pogoerr.UnknownTag, "unknown tag: "+tag)
		}
		return hosts, nil
	}

	open := strings.IndexByte(term, '[')
	if open < 0 {
		return []string{term}, nil
	}
	close := strings.IndexByte(term, ']')
	if close < 0 || close < open {
		return nil, pogoerr.New(pogoerr.InvalidSpec, "unparseable range (unbalanced brackets): "+term)
	}

	prefix := term[:open]
	body := term[open+1 : close]
	suffix := term[close+1:]

	numbers, err := expandBracketBody(body)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, prefix+n+suffix)
	}
	return out, nil
}

// expandBracketBody expands a bracket body: either a comma-separated literal
// list ("1,3,5") or a single inclusive range ("1-10"), the latter zero-padded
// to the width of its lower bound.
func expandBracketBody(body string) ([]string, error) {
	if body == "" {
		return nil, pogoerr.New(pogoerr.InvalidSpec, "empty bracket expression")
	}

	if strings.Contains(body, ",") {
		var out []string
		for _, piece := range strings.Split(body, ",") {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				return nil, pogoerr.New(pogoerr.InvalidSpec, "empty element in bracket list: "+body)
			}
			out = append(out, piece)
		}
		return out, nil
	}

	idx := strings.IndexByte(body, '-')
	if idx <= 0 {
		return nil, pogoerr.New(pogoerr.InvalidSpec, "unparseable range: "+body)
	}
	loStr, hiStr := body[:idx], body[idx+1:]
	lo, err := strconv.Atoi(loStr)
	if err != nil {
		return nil, pogoerr.Wrap(pogoerr.InvalidSpec, "unparseable range lower bound: "+body, err)
	}
	hi, err := strconv.Atoi(hiStr)
	if err != nil {
		return nil, pogoerr.Wrap(pogoerr.InvalidSpec, "unparseable range upper bound: "+body, err)
	}
	if hi < lo {
		return nil, pogoerr.New(pogoerr.InvalidSpec, "unparseable range (upper < lower): "+body)
	}

	width := len(loStr)
	var out []string
	for n := lo; n <= hi; n++ {
		out = append(out, zeroPad(n, width))
	}
	return out, nil
}

func zeroPad(n, width int) string {
	s := strconv.Itoa(n)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
