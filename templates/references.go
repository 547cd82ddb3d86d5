package templates

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// {{expr}}, {{{expr}}} and {{&expr}}
	mustachePattern = regexp.MustCompile(`\{\{(\{?)(.*?)\}\}(\}?)`)
	// a string that is nothing but one path expression
	singleRefPattern = regexp.MustCompile(`^\{\{\{?\s*([A-Za-z_][\w\-]*(?:\.[\w\-\[\]]+)*)\s*\}?\}\}$`)
)

// builtinHelpers are the helpers raymond ships with.
var builtinHelpers = map[string]struct{}{
	"if":     {},
	"unless": {},
	"each":   {},
	"with":   {},
	"lookup": {},
	"log":    {},
	"equal":  {},
	"else":   {},
}

// scopeHelpers change the evaluation context of their block.
var scopeHelpers = map[string]struct{}{
	"each": {},
	"with": {},
}

// IsTemplate reports whether s contains template syntax.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

func isHelper(name string) bool {
	if _, ok := builtinHelpers[name]; ok {
		return true
	}
	_, ok := helperNames[name]
	return ok
}

// References returns the data paths a template reads, in order of first
// appearance. Helper names, literals and paths inside each/with blocks are
// left out because they do not resolve against the root context.
func References(tpl string) []string {
	if !IsTemplate(tpl) {
		return nil
	}
	seen := make(map[string]struct{})
	var refs []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		refs = append(refs, p)
	}

	depth := 0
	for _, m := range mustachePattern.FindAllStringSubmatch(tpl, -1) {
		expr := strings.TrimSpace(m[2])
		if expr == "" {
			continue
		}
		switch expr[0] {
		case '!', '>':
			continue
		case '/':
			if _, ok := scopeHelpers[strings.TrimSpace(expr[1:])]; ok && depth > 0 {
				depth--
			}
			continue
		}
		opening := false
		if expr[0] == '#' || expr[0] == '^' || expr[0] == '&' {
			opening = expr[0] != '&'
			expr = strings.TrimSpace(expr[1:])
		}

		tokens := splitExpression(expr)
		if len(tokens) == 0 {
			continue
		}
		args := tokens[:1]
		if isHelper(tokens[0]) {
			args = tokens[1:]
		}
		if depth == 0 {
			for _, a := range args {
				if p, ok := pathArgument(a); ok {
					add(p)
				}
			}
		}
		if opening {
			if _, ok := scopeHelpers[tokens[0]]; ok {
				depth++
			}
		}
	}
	return refs
}

// RootName returns the first segment of a data path.
func RootName(path string) string {
	if i := strings.IndexAny(path, ".["); i >= 0 {
		return path[:i]
	}
	return path
}

// splitExpression splits a mustache expression on whitespace, keeping quoted
// strings together and dropping subexpression parentheses.
func splitExpression(expr string) []string {
	var (
		tokens []string
		cur    strings.Builder
		quote  rune
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range expr {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == '(' || r == ')':
			flush()
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// pathArgument reports whether a token is a data path, returning the path.
func pathArgument(tok string) (string, bool) {
	if i := strings.Index(tok, "="); i >= 0 {
		tok = tok[i+1:]
	}
	if tok == "" || isHelper(tok) {
		return "", false
	}
	switch tok[0] {
	case '"', '\'', '@', '.':
		return "", false
	}
	switch tok {
	case "true", "false", "null", "undefined", "this":
		return "", false
	}
	if strings.HasPrefix(tok, "this.") {
		return "", false
	}
	if _, err := strconv.ParseFloat(tok, 64); err == nil {
		return "", false
	}
	return tok, true
}

// pathSegments splits "a.b.[0].c" or "a.b.0" into lookup segments.
func pathSegments(path string) []string {
	raw := strings.Split(path, ".")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// unescapeMustaches turns {{expr}} into {{{expr}}} so substituted values are
// inserted verbatim rather than HTML-escaped.
func unescapeMustaches(tpl string) string {
	return mustachePattern.ReplaceAllStringFunc(tpl, func(m string) string {
		sub := mustachePattern.FindStringSubmatch(m)
		if sub[1] == "{" || sub[3] == "}" {
			return m
		}
		expr := strings.TrimSpace(sub[2])
		if expr == "" || strings.ContainsRune("#/^!>&", rune(expr[0])) || expr == "else" || strings.HasPrefix(expr, "else ") {
			return m
		}
		return "{{{" + sub[2] + "}}}"
	})
}
