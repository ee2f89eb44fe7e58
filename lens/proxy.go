package lens

import (
	"fmt"
	"reflect"
)

// Proxy wraps a target object so its method calls can be routed through the
// protocol. Resolution is a single explicit dispatch step rather than
// anything implicit: Call intercepts methods, Field passes data through
// untouched, Method hands out a reusable intercepted callable.
//
// The serializer recognizes proxies nested inside arguments and captures the
// underlying target directly, so serializing a proxy never re-enters
// interception.
type Proxy struct {
	client *Client
	alias  string
	target any
	tv     reflect.Value
}

// NewProxy wraps target. The alias, when non-empty, prefixes method names in
// call records; otherwise the target's type name is used. Wrapping something
// already proxied binds to the innermost target rather than stacking
// interception. Panics on a nil target.
func NewProxy(client *Client, alias string, target any) *Proxy {
	for {
		carrier, ok := target.(proxyCarrier)
		if !ok {
			break
		}
		target = carrier.proxiedTarget()
	}
	if target == nil {
		panic("lens: NewProxy: nil target")
	}
	return &Proxy{
		client: client,
		alias:  alias,
		target: target,
		tv:     reflect.ValueOf(target),
	}
}

// proxiedTarget lets the serializer reach the wrapped value without touching
// the interception path.
func (p *Proxy) proxiedTarget() any { return p.target }

// Target returns the wrapped value.
func (p *Proxy) Target() any { return p.target }

// Call invokes the named method through the protocol. The returned slice
// holds the method's non-error results; a trailing error return comes back
// as the error. With the client disabled the method runs directly with no
// protocol or network involvement.
func (p *Proxy) Call(method string, args ...any) ([]any, error) {
	m, err := p.lookupMethod(method)
	if err != nil {
		return nil, err
	}
	rargs, err := convertCallArgs(method, m.Type(), args)
	if err != nil {
		return nil, err
	}
	results := p.client.Run(p.qualify(method), CallTypeProxy, p.target, m, rargs)
	return splitResults(results)
}

// Method returns the named method as an intercepted function value, typed
// like the original and usable wherever the bare method would be:
//
//	save := proxy.Method("Save").(func(context.Context) error)
//
// The second return is false when the target has no such method.
func (p *Proxy) Method(method string) (any, bool) {
	m, err := p.lookupMethod(method)
	if err != nil {
		return nil, false
	}
	mType := m.Type()
	name := p.qualify(method)
	wrapped := reflect.MakeFunc(mType, func(in []reflect.Value) []reflect.Value {
		return p.client.Run(name, CallTypeProxy, p.target, m, expandVariadic(mType, in))
	})
	return wrapped.Interface(), true
}

// Field reads an exported struct field directly, without interception.
func (p *Proxy) Field(name string) (any, error) {
	v := p.tv
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, p.miss(name, "target is nil")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, p.miss(name, "target is not a struct")
	}
	field := v.FieldByName(name)
	if !field.IsValid() {
		return nil, p.miss(name, "no such field")
	}
	if !field.CanInterface() {
		return nil, p.miss(name, "field is unexported")
	}
	return field.Interface(), nil
}

func (p *Proxy) lookupMethod(method string) (reflect.Value, error) {
	m := p.tv.MethodByName(method)
	if !m.IsValid() {
		return reflect.Value{}, p.miss(method, "no such method")
	}
	return m, nil
}

// miss reports the failed lookup to the server best-effort and returns the
// error the caller sees. Reporting failures never mask the lookup failure.
func (p *Proxy) miss(name, reason string) error {
	targetType := p.tv.Type().String()
	p.client.ReportMiss(p.qualify(name), targetType, reason)
	return &ProtocolError{Op: "proxy", Message: fmt.Sprintf("%s on %s: %s", name, targetType, reason)}
}

func (p *Proxy) qualify(method string) string {
	if p.alias != "" {
		return p.alias + "." + method
	}
	return p.tv.Type().String() + "." + method
}

// convertCallArgs turns loosely typed arguments into the parameter types the
// method declares. Assignable values pass straight through; numeric values
// convert when the kinds allow it; nil fills any nilable parameter.
func convertCallArgs(method string, fnType reflect.Type, args []any) ([]reflect.Value, error) {
	fixed := fnType.NumIn()
	if fnType.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, &ProtocolError{Op: "proxy", Message: fmt.Sprintf("%s needs at least %d args, got %d", method, fixed, len(args))}
		}
	} else if len(args) != fixed {
		return nil, &ProtocolError{Op: "proxy", Message: fmt.Sprintf("%s needs %d args, got %d", method, fixed, len(args))}
	}

	out := make([]reflect.Value, len(args))
	for i, arg := range args {
		want := fnType.In(min(i, fnType.NumIn()-1))
		if fnType.IsVariadic() && i >= fixed {
			want = want.Elem()
		}
		v, err := convertArg(arg, want)
		if err != nil {
			return nil, &ProtocolError{Op: "proxy", Message: fmt.Sprintf("%s arg %d: %v", method, i, err)}
		}
		out[i] = v
	}
	return out, nil
}

func convertArg(arg any, want reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch want.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
			return reflect.Zero(want), nil
		default:
			return reflect.Value{}, fmt.Errorf("nil is not a valid %s", want)
		}
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if v.Type().ConvertibleTo(want) && isScalarKind(v.Kind()) && isScalarKind(want.Kind()) {
		return v.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", v.Type(), want)
}

func isScalarKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return true
	default:
		return false
	}
}

// splitResults separates a call's return values into data results and the
// trailing error.
func splitResults(results []reflect.Value) ([]any, error) {
	var callErr error
	var out []any
	for i, r := range results {
		if i == len(results)-1 && r.Type() == errType {
			if !r.IsNil() {
				callErr = r.Interface().(error)
			}
			continue
		}
		if r.CanInterface() {
			out = append(out, r.Interface())
		}
	}
	return out, callErr
}
