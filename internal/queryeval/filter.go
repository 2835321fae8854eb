// Package queryeval evaluates query filters, sort keys and paging over
// in-memory resource lists. Backends without a native query language share
// it.
package queryeval

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/ggoodman/jsonresource-go/resource"
)

// Filter matches resource content.
type Filter interface {
	Match(content map[string]any) bool
	String() string
}

// ParseFilter parses expressions such as
//
//	/name eq "bob" and (/age gt 30 or /admin pr)
//
// The literals true and false match everything and nothing. "and" binds
// tighter than "or". Syntax errors are 400 *resource.Error values.
func ParseFilter(s string) (Filter, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, resource.NewBadRequest("invalid query filter %q: %v", s, err)
	}
	if len(toks) == 0 {
		return nil, resource.NewBadRequest("invalid query filter %q: empty expression", s)
	}
	p := &parser{toks: toks}
	f, err := p.or()
	if err == nil && !p.done() {
		err = fmt.Errorf("unexpected %q", p.peek().text)
	}
	if err != nil {
		return nil, resource.NewBadRequest("invalid query filter %q: %v", s, err)
	}
	return f, nil
}

type literalFilter bool

func (f literalFilter) Match(map[string]any) bool { return bool(f) }
func (f literalFilter) String() string {
	if f {
		return "true"
	}
	return "false"
}

type boolFilter struct {
	and      bool
	children []Filter
}

func (f *boolFilter) Match(content map[string]any) bool {
	for _, c := range f.children {
		if c.Match(content) != f.and {
			return !f.and
		}
	}
	return f.and
}

func (f *boolFilter) String() string {
	op := " or "
	if f.and {
		op = " and "
	}
	parts := make([]string, len(f.children))
	for i, c := range f.children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, op) + ")"
}

type presentFilter struct{ field string }

func (f presentFilter) Match(content map[string]any) bool {
	v, ok := Resolve(content, f.field)
	return ok && v != nil
}

func (f presentFilter) String() string { return f.field + " pr" }

type compareFilter struct {
	field string
	op    string
	value any
}

func (f compareFilter) Match(content map[string]any) bool {
	v, ok := Resolve(content, f.field)
	if !ok {
		return false
	}
	// A multi-valued field matches when any of its values does.
	if arr, isArr := v.([]any); isArr {
		for _, e := range arr {
			if compareScalar(f.op, e, f.value) {
				return true
			}
		}
		return false
	}
	return compareScalar(f.op, v, f.value)
}

func (f compareFilter) String() string {
	b, _ := json.Marshal(f.value)
	return f.field + " " + f.op + " " + string(b)
}

func compareScalar(op string, v, want any) bool {
	switch op {
	case "eq":
		return Compare(v, want) == 0 && kind(v) == kind(want)
	case "co":
		s, ok1 := v.(string)
		w, ok2 := want.(string)
		return ok1 && ok2 && strings.Contains(s, w)
	case "sw":
		s, ok1 := v.(string)
		w, ok2 := want.(string)
		return ok1 && ok2 && strings.HasPrefix(s, w)
	}
	if kind(v) != kind(want) || kind(v) == kindNull {
		return false
	}
	c := Compare(v, want)
	switch op {
	case "gt":
		return c > 0
	case "ge":
		return c >= 0
	case "lt":
		return c < 0
	case "le":
		return c <= 0
	}
	return false
}

var comparisonOps = map[string]bool{"eq": true, "co": true, "sw": true, "gt": true, "ge": true, "lt": true, "le": true}

type token struct {
	text   string
	quoted bool
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '(' || c == ')':
			toks = append(toks, token{text: string(c)})
			i++
		case c == '"':
			j := i + 1
			for ; j < len(s); j++ {
				if s[j] == '\\' {
					j++
					continue
				}
				if s[j] == '"' {
					break
				}
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{text: s[i : j+1], quoted: true})
			i = j + 1
		default:
			j := i
			for j < len(s) && !unicode.IsSpace(rune(s[j])) && s[j] != '(' && s[j] != ')' {
				j++
			}
			toks = append(toks, token{text: s[i:j]})
			i = j
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{}
	}
	return p.toks[p.pos]
}

func (p *parser) next() (token, error) {
	if p.done() {
		return token{}, fmt.Errorf("unexpected end of expression")
	}
	t := p.toks[p.pos]
	p.pos++
	return t, nil
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if !t.quoted && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) or() (Filter, error) {
	first, err := p.and()
	if err != nil {
		return nil, err
	}
	children := []Filter{first}
	for p.keyword("or") {
		f, err := p.and()
		if err != nil {
			return nil, err
		}
		children = append(children, f)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &boolFilter{children: children}, nil
}

func (p *parser) and() (Filter, error) {
	first, err := p.primary()
	if err != nil {
		return nil, err
	}
	children := []Filter{first}
	for p.keyword("and") {
		f, err := p.primary()
		if err != nil {
			return nil, err
		}
		children = append(children, f)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &boolFilter{and: true, children: children}, nil
}

func (p *parser) primary() (Filter, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if t.quoted {
		return nil, fmt.Errorf("expected a field, got %s", t.text)
	}
	switch {
	case t.text == "(":
		f, err := p.or()
		if err != nil {
			return nil, err
		}
		if c, err := p.next(); err != nil || c.text != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return f, nil
	case t.text == ")":
		return nil, fmt.Errorf("unexpected %q", t.text)
	case strings.EqualFold(t.text, "true"):
		return literalFilter(true), nil
	case strings.EqualFold(t.text, "false"):
		return literalFilter(false), nil
	}

	field := t.text
	opTok, err := p.next()
	if err != nil {
		return nil, fmt.Errorf("missing operator after %s", field)
	}
	op := strings.ToLower(opTok.text)
	if op == "pr" {
		return presentFilter{field: field}, nil
	}
	if opTok.quoted || !comparisonOps[op] {
		return nil, fmt.Errorf("unknown operator %q", opTok.text)
	}
	litTok, err := p.next()
	if err != nil {
		return nil, fmt.Errorf("missing value after %s %s", field, op)
	}
	var value any
	if err := json.Unmarshal([]byte(litTok.text), &value); err != nil {
		return nil, fmt.Errorf("invalid value %s", litTok.text)
	}
	return compareFilter{field: field, op: op, value: value}, nil
}
