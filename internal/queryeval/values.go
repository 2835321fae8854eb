package queryeval

import (
	"strings"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindBool
	kindNumber
	kindString
	kindOther
)

func kind(v any) valueKind {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case float64, float32, int, int64:
		return kindNumber
	case string:
		return kindString
	default:
		return kindOther
	}
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// Compare orders JSON values: null < false < true < numbers < strings <
// everything else. Values of other kinds compare equal to each other.
func Compare(a, b any) int {
	ka, kb := kind(a), kind(b)
	if ka != kb {
		if ka < kb {
			return -1
		}
		return 1
	}
	switch ka {
	case kindBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case kindNumber:
		x, y := number(a), number(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case kindString:
		return strings.Compare(a.(string), b.(string))
	}
	return 0
}

// Resolve returns the value at a JSON pointer. The leading slash is
// optional; "~1" and "~0" are unescaped.
func Resolve(content map[string]any, pointer string) (any, bool) {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return content, true
	}
	var cur any = content
	for _, part := range strings.Split(pointer, "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
