// Package wire converts job values into transport-safe bytes.
//
// Values travel as protobuf structpb.Value messages. The marshalled bytes are
// base64 encoded so that an encoded payload never contains the 0x00 and 0xFF
// bytes reserved by the framer.
//
// structpb strings must be valid UTF-8. Any other string is carried as the
// map {"$b": base64} and decoded back into the same string. A map whose only
// key is "$b" or "$m" is wrapped as {"$m": map} so that decoding stays
// unambiguous.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	bytesKey = "$b"
	mapKey   = "$m"
)

var encoding = base64.StdEncoding

// ErrInvalidUTF8 reports a value that cannot be encoded without altering it.
var ErrInvalidUTF8 = errors.New("invalid UTF-8")

// Normalize converts v into a structpb.Value. Values structpb cannot represent
// directly (typed slices, structs) are converted through their JSON form.
func Normalize(v any) (*structpb.Value, error) {
	if pv, ok := v.(*structpb.Value); ok {
		return pv, nil
	}

	escaped, err := escape(v)
	if err != nil {
		return nil, err
	}
	if pv, err := structpb.NewValue(escaped); err == nil {
		return pv, nil
	}

	// encoding/json replaces invalid UTF-8 with U+FFFD, so refuse instead.
	if !validUTF8(reflect.ValueOf(v)) {
		return nil, fmt.Errorf("unsupported value %T: %w", v, ErrInvalidUTF8)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported value %T: %w", v, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unsupported value %T: %w", v, err)
	}
	escaped, err = escape(generic)
	if err != nil {
		return nil, err
	}
	return structpb.NewValue(escaped)
}

// Marshal encodes v for a framed stream.
func Marshal(v any) ([]byte, error) {
	pv, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	raw, err := proto.Marshal(pv)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return encoding.AppendEncode(nil, raw), nil
}

// Unmarshal decodes a payload produced by Marshal. Numbers come back as
// float64, collections as []any and map[string]any.
func Unmarshal(data []byte) (any, error) {
	raw, err := encoding.AppendDecode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var pv structpb.Value
	if err := proto.Unmarshal(raw, &pv); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return unescape(pv.AsInterface())
}

// Canonical returns a deterministic binary form of v. Map entries are
// ordered by key, so equal values always produce equal bytes.
func Canonical(v any) ([]byte, error) {
	pv, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(pv)
}

func escape(v any) (any, error) {
	switch x := v.(type) {
	case string:
		if utf8.ValidString(x) {
			return x, nil
		}
		return map[string]any{bytesKey: encoding.EncodeToString([]byte(x))}, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i], _ = escape(s)
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			u, err := escape(e)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("map key %q: %w", k, ErrInvalidUTF8)
			}
			u, err := escape(e)
			if err != nil {
				return nil, err
			}
			out[k] = u
		}
		if reserved(x) {
			return map[string]any{mapKey: out}, nil
		}
		return out, nil
	}
	return v, nil
}

func reserved(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	_, b := m[bytesKey]
	_, w := m[mapKey]
	return b || w
}

func unescape(v any) (any, error) {
	switch x := v.(type) {
	case []any:
		for i, e := range x {
			u, err := unescape(e)
			if err != nil {
				return nil, err
			}
			x[i] = u
		}
		return x, nil
	case map[string]any:
		if len(x) == 1 {
			if s, ok := x[bytesKey].(string); ok {
				raw, err := encoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("decode string bytes: %w", err)
				}
				return string(raw), nil
			}
			if inner, ok := x[mapKey].(map[string]any); ok {
				return unescapeValues(inner)
			}
		}
		return unescapeValues(x)
	}
	return v, nil
}

func unescapeValues(m map[string]any) (map[string]any, error) {
	for k, e := range m {
		u, err := unescape(e)
		if err != nil {
			return nil, err
		}
		m[k] = u
	}
	return m, nil
}

// validUTF8 reports whether every string reachable from v is valid UTF-8.
func validUTF8(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return utf8.ValidString(v.String())
	case reflect.Pointer, reflect.Interface:
		return v.IsNil() || validUTF8(v.Elem())
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return true
		}
		for i := range v.Len() {
			if !validUTF8(v.Index(i)) {
				return false
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if !validUTF8(iter.Key()) || !validUTF8(iter.Value()) {
				return false
			}
		}
	case reflect.Struct:
		for i := range v.NumField() {
			if v.Type().Field(i).IsExported() && !validUTF8(v.Field(i)) {
				return false
			}
		}
	}
	return true
}
