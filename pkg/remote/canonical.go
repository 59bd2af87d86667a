package remote

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// maxCanonicalDepth bounds recursion on self-referencing values.
const maxCanonicalDepth = 64

// Canonicalize converts an arbitrary result into a JSON-safe tree made of
// nil, bool, int64, float64, string, []any and map[string]any.
//
// Structs and JSON marshalers go through their JSON encoding. Non-finite
// floats become strings, times become RFC 3339 strings, byte slices become
// base64, map keys are stringified, and anything without a JSON form
// (channels, funcs) is rendered with fmt.
func Canonicalize(v any) any {
	return canonical(v, 0)
}

func canonical(v any, depth int) any {
	if depth > maxCanonicalDepth {
		return fmt.Sprintf("<%T: nesting too deep>", v)
	}

	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return x
	case string:
		return x
	case float64:
		return canonicalFloat(x)
	case float32:
		return canonicalFloat(float64(x))
	case int:
		return int64(x)
	case int64:
		return x
	case json.Number:
		return canonicalNumber(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return x.String()
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case json.RawMessage:
		return canonicalJSON(x, depth)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = canonical(item, depth+1)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = canonical(item, depth+1)
		}
		return out
	case json.Marshaler:
		return canonicalMarshal(x, depth)
	case encoding.TextMarshaler:
		text, err := x.MarshalText()
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(text)
	case error:
		return x.Error()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return canonical(rv.Elem().Interface(), depth+1)
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return strconv.FormatUint(u, 10)
		}
		return int64(u)
	case reflect.Float32, reflect.Float64:
		return canonicalFloat(rv.Float())
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = canonical(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = canonical(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Struct:
		return canonicalMarshal(v, depth)
	}

	return fmt.Sprint(v)
}

func canonicalFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

func canonicalNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return canonicalFloat(f)
	}
	return n.String()
}

func canonicalMarshal(v any, depth int) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return canonicalJSON(data, depth)
}

func canonicalJSON(data []byte, depth int) any {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return string(data)
	}
	return canonical(decoded, depth+1)
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		if text, err := tm.MarshalText(); err == nil {
			return string(text)
		}
	}
	return fmt.Sprint(k.Interface())
}
