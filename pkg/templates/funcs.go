package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"unicode"
)

var errMissing = errors.New("value not supplied")

// Funcs returns the helpers available to every procedure template.
//
//	default  returns the fallback when the value is absent
//	pystr    quotes a value as a Python string literal
//	pyrepr   renders a value as a Python literal
//	pyopt    like pyrepr, but an absent value renders as None
//	julia    renders a value as a Julia literal
//	json     encodes a value as JSON
//	join     joins a list with a separator
func Funcs() template.FuncMap {
	return template.FuncMap{
		"default": defaultValue,
		"pystr":   PyString,
		"pyrepr":  PyRepr,
		"pyopt":   pyOptional,
		"julia":   JuliaRepr,
		"json":    toJSON,
		"join":    join,
	}
}

func defaultValue(fallback, v any) any {
	if v == nil {
		return fallback
	}
	return v
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func join(sep string, v any) (string, error) {
	if v == nil {
		return "", errMissing
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Sprint(v), nil
	}
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = fmt.Sprint(rv.Index(i).Interface())
	}
	return strings.Join(parts, sep), nil
}

// PyString quotes v as a double-quoted Python string literal. Non-string
// values are formatted first.
func PyString(v any) (string, error) {
	if v == nil {
		return "", errMissing
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	return quote(s, '"', false), nil
}

// PyRepr renders v as a Python literal: None, True/False, numbers, strings,
// lists and dicts. Map keys are sorted.
func PyRepr(v any) (string, error) {
	if v == nil {
		return "", errMissing
	}
	var b strings.Builder
	if err := writeLiteral(&b, reflect.ValueOf(v), pythonSyntax); err != nil {
		return "", err
	}
	return b.String(), nil
}

func pyOptional(v any) (string, error) {
	if v == nil {
		return pythonSyntax.none, nil
	}
	return PyRepr(v)
}

// JuliaRepr renders v as a Julia literal. Maps become Dict(...) and strings
// have $ escaped.
func JuliaRepr(v any) (string, error) {
	if v == nil {
		return "", errMissing
	}
	var b strings.Builder
	if err := writeLiteral(&b, reflect.ValueOf(v), juliaSyntax); err != nil {
		return "", err
	}
	return b.String(), nil
}

type syntax struct {
	none, yes, no   string
	dictOpen, arrow string
	dictClose       string
	julia           bool
}

var (
	pythonSyntax = syntax{none: "None", yes: "True", no: "False", dictOpen: "{", arrow: ": ", dictClose: "}"}
	juliaSyntax  = syntax{none: "nothing", yes: "true", no: "false", dictOpen: "Dict(", arrow: " => ", dictClose: ")", julia: true}
)

func writeLiteral(b *strings.Builder, rv reflect.Value, syn syntax) error {
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			b.WriteString(syn.none)
			return nil
		}
		rv = rv.Elem()
	}

	if n, ok := rv.Interface().(json.Number); ok {
		b.WriteString(n.String())
		return nil
	}

	switch rv.Kind() {
	case reflect.Invalid:
		b.WriteString(syn.none)
	case reflect.Bool:
		if rv.Bool() {
			b.WriteString(syn.yes)
		} else {
			b.WriteString(syn.no)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		b.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString(formatFloat(rv.Float(), syn))
	case reflect.String:
		b.WriteString(quote(rv.String(), '"', syn.julia))
	case reflect.Slice, reflect.Array:
		b.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeLiteral(b, rv.Index(i), syn); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		b.WriteString(syn.dictOpen)
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeLiteral(b, k, syn); err != nil {
				return err
			}
			b.WriteString(syn.arrow)
			if err := writeLiteral(b, rv.MapIndex(k), syn); err != nil {
				return err
			}
		}
		b.WriteString(syn.dictClose)
	case reflect.Struct:
		data, err := json.Marshal(rv.Interface())
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		return writeLiteral(b, reflect.ValueOf(generic), syn)
	default:
		return fmt.Errorf("cannot render %s as a literal", rv.Type())
	}
	return nil
}

func formatFloat(f float64, syn syntax) string {
	switch {
	case math.IsNaN(f):
		if syn.julia {
			return "NaN"
		}
		return `float("nan")`
	case math.IsInf(f, 1):
		if syn.julia {
			return "Inf"
		}
		return `float("inf")`
	case math.IsInf(f, -1):
		if syn.julia {
			return "-Inf"
		}
		return `float("-inf")`
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func quote(s string, q byte, julia bool) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(q)
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case rune(q):
			b.WriteByte('\\')
			b.WriteByte(q)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '$':
			if julia {
				b.WriteString(`\$`)
			} else {
				b.WriteRune(r)
			}
		default:
			switch {
			case unicode.IsPrint(r):
				b.WriteRune(r)
			case r < 0x80 || (r < 0x100 && !julia):
				fmt.Fprintf(&b, `\x%02x`, r)
			case r < 0x10000:
				fmt.Fprintf(&b, `\u%04x`, r)
			default:
				fmt.Fprintf(&b, `\U%08x`, r)
			}
		}
	}
	b.WriteByte(q)
	return b.String()
}
