package core

import "reflect"

// Units converts a result value into output units. With flatten set,
// collections contribute each element separately. Nil contributes nothing.
func Units(v any, flatten bool) []any {
	if v == nil {
		return nil
	}
	if !flatten {
		return []any{v}
	}

	switch t := v.(type) {
	case []any:
		return append([]any(nil), t...)
	case []byte, string:
		return []any{v}
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
