//go:build v8

package v8engine

import (
	"fmt"
	"reflect"

	v8 "github.com/tommie/v8go"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

type (
	argDecoder    func(*v8.Value) reflect.Value
	resultEncoder func(*v8.Isolate, reflect.Value) (*v8.Value, error)
)

// binding is a Go function prepared for calls from script. Converters are
// resolved once at registration so a call only walks slices.
type binding struct {
	name     string
	fn       reflect.Value
	args     []argDecoder
	result   resultEncoder
	hasError bool
}

func newBinding(name string, fn any) (*binding, error) {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("registering %s: expected function, got %T", name, fn)
	}
	if ft.IsVariadic() {
		return nil, fmt.Errorf("registering %s: variadic functions are not supported", name)
	}

	b := &binding{name: name, fn: fv}
	for i := 0; i < ft.NumIn(); i++ {
		dec, err := decoderFor(ft.In(i))
		if err != nil {
			return nil, fmt.Errorf("registering %s: argument %d: %w", name, i, err)
		}
		b.args = append(b.args, dec)
	}

	switch ft.NumOut() {
	case 0:
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("registering %s: second result must be error", name)
		}
		b.hasError = true
		fallthrough
	case 1:
		enc, err := encoderFor(ft.Out(0))
		if err != nil {
			return nil, fmt.Errorf("registering %s: result: %w", name, err)
		}
		b.result = enc
	default:
		return nil, fmt.Errorf("registering %s: too many results", name)
	}
	return b, nil
}

func decoderFor(t reflect.Type) (argDecoder, error) {
	switch t.Kind() {
	case reflect.String:
		return func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.String()).Convert(t) }, nil
	case reflect.Bool:
		return func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.Boolean()).Convert(t) }, nil
	case reflect.Int, reflect.Int32, reflect.Int64:
		return func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.Integer()).Convert(t) }, nil
	case reflect.Float64:
		return func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.Number()).Convert(t) }, nil
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}

func encoderFor(t reflect.Type) (resultEncoder, error) {
	switch t.Kind() {
	case reflect.String:
		return func(iso *v8.Isolate, v reflect.Value) (*v8.Value, error) { return v8.NewValue(iso, v.String()) }, nil
	case reflect.Bool:
		return func(iso *v8.Isolate, v reflect.Value) (*v8.Value, error) { return v8.NewValue(iso, v.Bool()) }, nil
	case reflect.Int, reflect.Int32, reflect.Int64:
		// Numbers outside int32 go through float64 so script sees a plain number.
		return func(iso *v8.Isolate, v reflect.Value) (*v8.Value, error) {
			n := v.Int()
			if n == int64(int32(n)) {
				return v8.NewValue(iso, int32(n))
			}
			return v8.NewValue(iso, float64(n))
		}, nil
	case reflect.Float64:
		return func(iso *v8.Isolate, v reflect.Value) (*v8.Value, error) { return v8.NewValue(iso, v.Float()) }, nil
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}

// call runs the bound function. A returned error is the message to throw.
func (b *binding) call(iso *v8.Isolate, args []*v8.Value) (*v8.Value, error) {
	if len(args) < len(b.args) {
		return nil, fmt.Errorf("%s requires at least %d argument(s), got %d", b.name, len(b.args), len(args))
	}
	in := make([]reflect.Value, len(b.args))
	for i, dec := range b.args {
		in[i] = dec(args[i])
	}
	out := b.fn.Call(in)
	if b.hasError && !out[1].IsNil() {
		return nil, fmt.Errorf("calling %s: %w", b.name, out[1].Interface().(error))
	}
	if b.result == nil {
		return nil, nil
	}
	return b.result(iso, out[0])
}

// RegisterFunc installs fn as a global function. Supported parameter and
// result types are string, bool, signed integers and float64; a trailing
// error result is thrown into script when non-nil.
func (e *engine) RegisterFunc(name string, fn any) error {
	b, err := newBinding(name, fn)
	if err != nil {
		return err
	}
	tmpl := v8.NewFunctionTemplate(e.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v, err := b.call(e.iso, info.Args())
		if err != nil {
			msg, _ := v8.NewValue(e.iso, err.Error())
			return e.iso.ThrowException(msg)
		}
		return v
	})
	return e.ctx.Global().Set(name, tmpl.GetFunction(e.ctx))
}
