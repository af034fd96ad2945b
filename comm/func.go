package comm

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"kernel-rpc/codec"
	"kernel-rpc/message"
)

// argCodec re-shapes decoded payload values (maps, slices, numbers of the
// wrong width) into a handler's parameter types.
var argCodec = &codec.CBORCodec{}

// Func adapts an ordinary Go function into a Handler.
//
// Accepted shapes:
//
//	func([ctx context.Context,] positional... [, kwargs map[string]any]) [T] [error]
//
// Positional arguments are converted to the parameter types; a trailing
// map[string]any receives the keyword arguments. A variadic last parameter
// takes the remaining positional arguments.
func Func(fn any) (Handler, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%T: %w", fn, errNotFunc)
	}
	t := v.Type()

	switch t.NumOut() {
	case 0:
	case 1:
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("second result of %s must be error", t)
		}
	default:
		return nil, fmt.Errorf("%s returns too many results", t)
	}

	first, last := 0, t.NumIn()
	withCtx := last > 0 && t.In(0) == contextType
	if withCtx {
		first++
	}
	withKwargs := last > first && t.In(last-1) == kwargsType
	if withKwargs {
		last--
	}
	params := make([]reflect.Type, 0, last-first)
	for i := first; i < last; i++ {
		params = append(params, t.In(i))
	}

	return func(ctx context.Context, inv *message.Invocation) (any, error) {
		in := make([]reflect.Value, 0, t.NumIn())
		if withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}

		positional, err := convertArgs(inv.Args, params, t.IsVariadic())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", inv.Name, err)
		}
		in = append(in, positional...)

		if withKwargs {
			kw := inv.Kwargs
			if kw == nil {
				kw = map[string]any{}
			}
			in = append(in, reflect.ValueOf(kw))
		} else if len(inv.Kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", inv.Name)
		}

		return splitResults(v.Call(in))
	}, nil
}

func convertArgs(args []any, params []reflect.Type, variadic bool) ([]reflect.Value, error) {
	fixed := len(params)
	if variadic {
		fixed--
	}
	switch {
	case variadic && len(args) < fixed:
		return nil, fmt.Errorf("want at least %d arguments, got %d", fixed, len(args))
	case !variadic && len(args) != fixed:
		return nil, fmt.Errorf("want %d arguments, got %d", fixed, len(args))
	}

	in := make([]reflect.Value, 0, len(args))
	for i, arg := range args {
		var typ reflect.Type
		if variadic && i >= fixed {
			typ = params[fixed].Elem()
		} else {
			typ = params[i]
		}
		v, err := convert(arg, typ)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}
	return in, nil
}

// convert turns a decoded payload value into typ.
func convert(arg any, typ reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(typ), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(typ) {
		return v, nil
	}
	if isNumber(v.Kind()) && isNumber(typ.Kind()) {
		return convertNumber(v, typ)
	}

	data, err := argCodec.Encode(arg)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(typ)
	if err := argCodec.Decode(data, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s: %w", arg, typ, err)
	}
	return out.Elem(), nil
}

// convertNumber converts between numeric kinds, refusing any conversion that
// would change the value: truncated fractions, wrapped or clamped ranges.
func convertNumber(v reflect.Value, typ reflect.Type) (reflect.Value, error) {
	out := reflect.New(typ).Elem()
	var ok bool
	switch {
	case isSigned(v.Kind()):
		ok = setFromInt(out, v.Int())
	case isUnsigned(v.Kind()):
		ok = setFromUint(out, v.Uint())
	default:
		ok = setFromFloat(out, v.Float())
	}
	if !ok {
		return reflect.Value{}, fmt.Errorf("%v does not fit in %s", v.Interface(), typ)
	}
	return out, nil
}

func setFromInt(out reflect.Value, n int64) bool {
	switch {
	case isSigned(out.Kind()):
		if out.OverflowInt(n) {
			return false
		}
		out.SetInt(n)
	case isUnsigned(out.Kind()):
		if n < 0 || out.OverflowUint(uint64(n)) {
			return false
		}
		out.SetUint(uint64(n))
	default:
		out.SetFloat(float64(n))
	}
	return true
}

func setFromUint(out reflect.Value, n uint64) bool {
	switch {
	case isSigned(out.Kind()):
		if n > math.MaxInt64 || out.OverflowInt(int64(n)) {
			return false
		}
		out.SetInt(int64(n))
	case isUnsigned(out.Kind()):
		if out.OverflowUint(n) {
			return false
		}
		out.SetUint(n)
	default:
		out.SetFloat(float64(n))
	}
	return true
}

func setFromFloat(out reflect.Value, f float64) bool {
	if isFloat(out.Kind()) {
		if out.OverflowFloat(f) {
			return false
		}
		out.SetFloat(f)
		return true
	}
	// Integers only take integral values; NaN fails the comparison.
	if math.Trunc(f) != f {
		return false
	}
	switch {
	case isSigned(out.Kind()):
		if f < -(1<<63) || f >= 1<<63 || out.OverflowInt(int64(f)) {
			return false
		}
		out.SetInt(int64(f))
	default:
		if f < 0 || f >= 1<<64 || out.OverflowUint(uint64(f)) {
			return false
		}
		out.SetUint(uint64(f))
	}
	return true
}

func isSigned(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUnsigned(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isNumber(k reflect.Kind) bool {
	return isSigned(k) || isUnsigned(k) || isFloat(k)
}

func splitResults(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type() == errorType {
			if out[0].IsNil() {
				return nil, nil
			}
			return nil, out[0].Interface().(error)
		}
		return out[0].Interface(), nil
	}
	if err, _ := out[1].Interface().(error); err != nil {
		return nil, err
	}
	return out[0].Interface(), nil
}
