package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
)

// JSONCodec carries envelope content on stream transports and can stand in
// for CBOR as the payload serializer.
//
// Numbers landing in an interface value decode as int64 when integral and
// float64 otherwise, the same shapes CBOR payloads produce, so handlers see
// one set of types whichever serializer the peers agreed on. []byte still
// travels as base64 text and comes back as a string.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("json: trailing data after value")
	}
	normalizeNumbers(reflect.ValueOf(v))
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

var jsonNumberType = reflect.TypeOf(json.Number(""))

// normalizeNumbers replaces every json.Number held in an interface below v.
func normalizeNumbers(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			normalizeNumbers(v.Elem())
		}
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		e := v.Elem()
		if e.Type() == jsonNumberType {
			if v.CanSet() {
				v.Set(reflect.ValueOf(numberValue(e.Interface().(json.Number))))
			}
			return
		}
		switch e.Kind() {
		case reflect.Map, reflect.Slice, reflect.Pointer:
			normalizeNumbers(e)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			normalizeNumbers(v.Index(i))
		}
	case reflect.Map:
		iter := v.MapRange()
		if v.Type().Elem().Kind() != reflect.Interface {
			for iter.Next() {
				normalizeNumbers(iter.Value())
			}
			return
		}
		for iter.Next() {
			elem := reflect.New(v.Type().Elem()).Elem()
			elem.Set(iter.Value())
			normalizeNumbers(elem)
			v.SetMapIndex(iter.Key(), elem)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				normalizeNumbers(v.Field(i))
			}
		}
	}
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	// Out of range values come back as ±Inf.
	f, _ := n.Float64()
	return f
}
