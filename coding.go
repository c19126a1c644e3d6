package parse

import (
	"bytes"
	"fmt"
	"reflect"
	"time"

	"github.com/goccy/go-json"
)

// ============================================================================
// Encoding
// ============================================================================

// encodeMode controls how objects nested inside fields are written.
type encodeMode int

const (
	// encodeWire requires nested objects and files to be saved already.
	encodeWire encodeMode = iota
	// encodeSnapshot writes unsaved nested objects as local references so
	// that a graph can always be captured.
	encodeSnapshot
)

// encodeValue converts a normalized field value into plain JSON values with
// the "__type" envelope for special types.
func encodeValue(v any, mode encodeMode) (any, error) {
	switch t := v.(type) {
	case nil, bool, float64, string:
		return t, nil
	case time.Time:
		return dateWire(t), nil
	case Date:
		return dateWire(t.Time), nil
	case Pointer:
		return t.wire(), nil
	case *Pointer:
		return t.wire(), nil
	case GeoPoint:
		return t.wire(), nil
	case Polygon:
		return t.wire(), nil
	case Bytes:
		return t.wire(), nil
	case Relation:
		return t.wire(), nil
	case ACL:
		return t.wire(), nil
	case *File:
		if !t.Saved() && mode == encodeWire {
			return nil, newError(KindOtherCause, CodeOtherCause, "file %q has not been uploaded", t.Name)
		}
		return t.wire(), nil
	case *Object:
		id := t.ObjectID()
		if id == "" {
			if mode == encodeWire {
				return nil, newError(KindOtherCause, CodeOtherCause,
					"cannot encode unsaved %s; save it first or use a deep save", t.ClassName())
			}
			return map[string]any{"__type": "Object", "className": t.ClassName(), "localId": t.localID.String()}, nil
		}
		return Pointer{ClassName: t.ClassName(), ObjectID: id}.wire(), nil
	case Value:
		return t.Interface(), nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			enc, err := encodeValue(item, mode)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			enc, err := encodeValue(item, mode)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	}
	if n, ok := toFloat(v); ok {
		return n, nil
	}
	norm, err := normalizeValue(v)
	if err != nil {
		return nil, err
	}
	return encodeValue(norm, mode)
}

// canonicalJSON marshals an encoded value. Map keys come out sorted, so the
// result can be compared byte for byte.
func canonicalJSON(v any, mode encodeMode) ([]byte, error) {
	enc, err := encodeValue(v, mode)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}

func sameValue(a, b any) bool {
	x, err := canonicalJSON(a, encodeSnapshot)
	if err != nil {
		return false
	}
	y, err := canonicalJSON(b, encodeSnapshot)
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}

// ============================================================================
// Normalization
// ============================================================================

// normalizeValue turns arbitrary Go values into the set of types fields are
// stored as: nil, bool, float64, string, []any, map[string]any and the wire
// types of this package.
func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, float64, string, time.Time, Pointer, GeoPoint, Polygon, Relation:
		return t, nil
	case *File:
		if t == nil {
			return nil, nil
		}
		return t, nil
	case *Object:
		if t == nil {
			return nil, nil
		}
		return t, nil
	case Date:
		return t.Time, nil
	case *Pointer:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case ACL:
		return t.clone(), nil
	case Bytes:
		return append(Bytes{}, t...), nil
	case []byte:
		return Bytes(append([]byte{}, t...)), nil
	case Value:
		return decodeValue(t.Interface()), nil
	case *User:
		return t.Object, nil
	case *Installation:
		return t.Object, nil
	case *Session:
		return t.Object, nil
	case *Role:
		return t.Object, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	if n, ok := toFloat(v); ok {
		return n, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			n, err := normalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			if rv.IsNil() {
				return nil, nil
			}
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				n, err := normalizeValue(iter.Value().Interface())
				if err != nil {
					return nil, err
				}
				out[iter.Key().String()] = n
			}
			return out, nil
		}
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, newError(KindOtherCause, CodeOtherCause, "unsupported value of type %T: %v", v, err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, wrapError(KindDecodingError, CodeInvalidJSON, "decode value", err)
	}
	return decodeValue(raw), nil
}

// ============================================================================
// Decoding
// ============================================================================

// decodeValue turns plain JSON values into field values, unwrapping the
// "__type" envelopes. Unknown envelopes are kept as maps.
func decodeValue(raw any) any {
	switch t := raw.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = decodeValue(item)
		}
		return out
	case map[string]any:
		if typ, ok := t["__type"].(string); ok {
			if v, ok := decodeEnvelope(typ, t); ok {
				return v
			}
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = decodeValue(item)
		}
		return out
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	}
	if n, ok := toFloat(raw); ok {
		return n
	}
	return raw
}

func decodeEnvelope(typ string, m map[string]any) (any, bool) {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	num := func(k string) float64 {
		f, _ := toFloat(m[k])
		return f
	}
	switch typ {
	case "Pointer":
		return Pointer{ClassName: str("className"), ObjectID: str("objectId")}, true
	case "Date":
		t, err := parseDate(str("iso"))
		if err != nil {
			return nil, false
		}
		return t, true
	case "GeoPoint":
		return GeoPoint{Latitude: num("latitude"), Longitude: num("longitude")}, true
	case "Polygon":
		coords, _ := m["coordinates"].([]any)
		p := Polygon{}
		for _, c := range coords {
			pair, _ := c.([]any)
			if len(pair) != 2 {
				return nil, false
			}
			lat, _ := toFloat(pair[0])
			lng, _ := toFloat(pair[1])
			p.Coordinates = append(p.Coordinates, GeoPoint{Latitude: lat, Longitude: lng})
		}
		return p, true
	case "Bytes":
		var b Bytes
		data, _ := json.Marshal(m)
		if err := b.UnmarshalJSON(data); err != nil {
			return nil, false
		}
		return b, true
	case "File":
		return &File{Name: str("name"), URL: str("url")}, true
	case "Relation":
		return Relation{TargetClass: str("className")}, true
	case "Object":
		if str("objectId") == "" {
			return nil, false
		}
		obj := NewObject(str("className"))
		if err := obj.mergeServer(m, true); err != nil {
			return nil, false
		}
		return obj, true
	}
	return nil, false
}

// decodeMap unmarshals a JSON object body into plain values.
func decodeMap(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, wrapError(KindDecodingError, CodeInvalidJSON, "decode response", err)
	}
	return raw, nil
}

func describe(v any) string {
	data, err := canonicalJSON(v, encodeSnapshot)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
