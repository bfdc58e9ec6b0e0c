package dispatcher

import "reflect"

// Object is the handler pattern and subject shape understood by ObjectContaining.
type Object = map[string]any

// ObjectContaining matches when every key of spec is present in subject with an
// equal value. Extra subject keys are ignored. Numbers compare by value across
// Go numeric types and nested objects match recursively.
func ObjectContaining(spec, subject Object) bool {
	for key, want := range spec {
		got, ok := subject[key]
		if !ok || !valuesEqual(want, got) {
			return false
		}
	}
	return true
}

// Equal is a matcher for scalar specs compared with ==.
func Equal[S comparable](spec, subject S) bool {
	return spec == subject
}

func valuesEqual(want, got any) bool {
	if want == nil || got == nil {
		return want == nil && got == nil
	}
	if w, ok := want.(Object); ok {
		g, ok := got.(Object)
		return ok && ObjectContaining(w, g)
	}

	wv, gv := reflect.ValueOf(want), reflect.ValueOf(got)
	if eq, ok := integersEqual(wv, gv); ok {
		return eq
	}
	if wn, ok := asNumber(wv); ok {
		gn, ok := asNumber(gv)
		return ok && wn == gn
	}
	if wv.Kind() == reflect.String && gv.Kind() == reflect.String {
		return wv.String() == gv.String()
	}
	if wv.Kind() == reflect.Bool && gv.Kind() == reflect.Bool {
		return wv.Bool() == gv.Bool()
	}
	return reflect.DeepEqual(want, got)
}

func asNumber(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	default:
		return 0, false
	}
}

// integersEqual compares two integer kinds exactly. ok is false unless both
// sides are integers.
func integersEqual(a, b reflect.Value) (equal, ok bool) {
	as, aSigned, aok := asInteger(a)
	bs, bSigned, bok := asInteger(b)
	if !aok || !bok {
		return false, false
	}
	if aSigned == bSigned {
		return as == bs, true
	}
	// A negative signed value never equals an unsigned one.
	if aSigned && int64(as) < 0 || bSigned && int64(bs) < 0 {
		return false, true
	}
	return as == bs, true
}

func asInteger(v reflect.Value) (bits uint64, signed, ok bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(v.Int()), true, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), false, true
	default:
		return 0, false, false
	}
}
