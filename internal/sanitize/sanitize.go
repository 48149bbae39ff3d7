// Package sanitize prepares arbitrary payloads for serialization: values
// under sensitive-looking keys are redacted, reference cycles are cut, and
// anything that cannot be rendered is replaced with a fixed marker.
package sanitize

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	// Redacted replaces the value of any key that looks sensitive.
	Redacted = "[REDACTED]"
	// CycleMarker replaces a reference already visited on the current path.
	CycleMarker = "[Circular]"
	// Unserializable replaces values that cannot be rendered to JSON.
	Unserializable = "[unserializable]"
)

var sensitiveKeyParts = []string{
	"password", "token", "secret", "key", "credential", "authorization",
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// Sanitize returns a JSON-safe deep copy of v. Map and struct values whose
// key contains password, token, secret, key, credential or authorization
// (case-insensitive) are replaced with Redacted without descending into
// them. The walk tracks map, slice and pointer identities along the current
// path, so self-referencing payloads terminate with a CycleMarker.
func Sanitize(v any) any {
	if v == nil {
		return nil
	}
	return walk(reflect.ValueOf(v), make(map[uintptr]bool))
}

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func walk(v reflect.Value, visited map[uintptr]bool) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), visited)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if visited[ptr] {
			return CycleMarker
		}
		visited[ptr] = true
		out := walk(v.Elem(), visited)
		delete(visited, ptr)
		return out

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if visited[ptr] {
			return CycleMarker
		}
		visited[ptr] = true
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			if sensitiveKey(key) {
				out[key] = Redacted
				continue
			}
			out[key] = walk(iter.Value(), visited)
		}
		delete(visited, ptr)
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if visited[ptr] {
			return CycleMarker
		}
		visited[ptr] = true
		out := walkElems(v, visited)
		delete(visited, ptr)
		return out

	case reflect.Array:
		return walkElems(v, visited)

	case reflect.Struct:
		// Opaque leaves (time.Time and friends) render themselves.
		if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
			return v.Interface()
		}
		out := make(map[string]any)
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				tagName, _, _ := strings.Cut(tag, ",")
				if tagName == "-" {
					continue
				}
				if tagName != "" {
					name = tagName
				}
			}
			if sensitiveKey(name) {
				out[name] = Redacted
				continue
			}
			out[name] = walk(v.Field(i), visited)
		}
		return out

	case reflect.String:
		return v.String()
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()

	default:
		// func, chan, complex, unsafe pointer
		return Unserializable
	}
}

func walkElems(v reflect.Value, visited map[uintptr]bool) []any {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = walk(v.Index(i), visited)
	}
	return out
}

// MarshalData sanitizes v and renders it as a JSON string. The second result
// is false when rendering failed and the fixed marker was returned instead;
// the failure is never propagated as an error.
func MarshalData(v any) (string, bool) {
	if v == nil {
		return "", true
	}
	clean := Sanitize(v)
	b, err := json.Marshal(clean)
	if err != nil {
		return Unserializable, false
	}
	return string(b), true
}
