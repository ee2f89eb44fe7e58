package lens

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// EvalContext exposes a paused call's locals to path expressions. Any field
// may be absent; expressions touching an absent root fail cleanly.
type EvalContext struct {
	Target  any
	Args    []any
	Results []any
	Err     error
}

// evalContextFor snapshots an invocation for expression evaluation.
func evalContextFor(inv *invocation) *EvalContext {
	ctx := &EvalContext{Target: inv.target, Err: inv.errVal}
	ctx.Args = make([]any, len(inv.args))
	for i, a := range inv.args {
		if a.CanInterface() {
			ctx.Args[i] = a.Interface()
		}
	}
	for _, r := range inv.results {
		if r.Type() == errType {
			continue
		}
		if r.CanInterface() {
			ctx.Results = append(ctx.Results, r.Interface())
		}
	}
	return ctx
}

// EvaluatePath resolves a path expression against the context. The grammar
// is deliberately small: a root (target, args[i], result, result[i], error)
// followed by selectors (.Field, [index], ["key"]). Arbitrary code execution
// is out: a debugger evaluating expressions inside a paused production
// process must not be able to call anything.
func EvaluatePath(ctx *EvalContext, expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &EvalError{Expr: expr, Reason: "empty expression"}
	}
	root, rest, err := splitRoot(expr)
	if err != nil {
		return nil, err
	}

	var v reflect.Value
	switch {
	case root == "target":
		v = reflect.ValueOf(ctx.Target)
	case root == "error":
		if ctx.Err == nil {
			return nil, nil
		}
		v = reflect.ValueOf(ctx.Err)
	case root == "result":
		switch len(ctx.Results) {
		case 0:
			return nil, &EvalError{Expr: expr, Reason: "call has no result"}
		case 1:
			v = reflect.ValueOf(ctx.Results[0])
		default:
			v = reflect.ValueOf(ctx.Results)
		}
	case root == "args":
		v = reflect.ValueOf(ctx.Args)
	default:
		return nil, &EvalError{Expr: expr, Reason: "unknown root " + root}
	}

	out, err := walkPath(v, rest, root)
	if err != nil {
		return nil, err
	}
	if !out.IsValid() {
		return nil, nil
	}
	if !out.CanInterface() {
		return nil, &EvalError{Expr: expr, Reason: "path ends at an unexported value"}
	}
	return out.Interface(), nil
}

func splitRoot(expr string) (root, rest string, err error) {
	i := 0
	for i < len(expr) && (unicode.IsLetter(rune(expr[i])) || unicode.IsDigit(rune(expr[i])) || expr[i] == '_') {
		i++
	}
	if i == 0 {
		return "", "", &EvalError{Expr: expr, Reason: "expression must start with a root name"}
	}
	return expr[:i], expr[i:], nil
}

// walkPath applies selectors one at a time, unwrapping pointers and
// interfaces between steps.
func walkPath(v reflect.Value, rest, path string) (reflect.Value, error) {
	for rest != "" {
		for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
			if v.IsNil() {
				return reflect.Value{}, &EvalError{Expr: path, Reason: path + " is nil"}
			}
			v = v.Elem()
		}
		if !v.IsValid() {
			return reflect.Value{}, &EvalError{Expr: path, Reason: path + " is not set"}
		}

		switch rest[0] {
		case '.':
			name, remaining, err := parseFieldName(rest[1:], path)
			if err != nil {
				return reflect.Value{}, err
			}
			if v.Kind() != reflect.Struct {
				return reflect.Value{}, &EvalError{Expr: path, Reason: path + " is not a struct"}
			}
			field := v.FieldByName(name)
			if !field.IsValid() {
				return reflect.Value{}, &EvalError{Expr: path, Reason: path + " has no field " + name}
			}
			v = field
			path += "." + name
			rest = remaining

		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return reflect.Value{}, &EvalError{Expr: path, Reason: "unterminated selector after " + path}
			}
			sel := rest[1:end]
			next, err := applyIndex(v, sel, path)
			if err != nil {
				return reflect.Value{}, err
			}
			v = next
			path += "[" + sel + "]"
			rest = rest[end+1:]

		default:
			return reflect.Value{}, &EvalError{Expr: path, Reason: fmt.Sprintf("unexpected %q after %s", rest[0], path)}
		}
	}
	return v, nil
}

func parseFieldName(rest, path string) (name, remaining string, err error) {
	i := 0
	for i < len(rest) && (unicode.IsLetter(rune(rest[i])) || unicode.IsDigit(rune(rest[i])) || rest[i] == '_') {
		i++
	}
	if i == 0 {
		return "", "", &EvalError{Expr: path, Reason: "missing field name after " + path}
	}
	return rest[:i], rest[i:], nil
}

func applyIndex(v reflect.Value, sel, path string) (reflect.Value, error) {
	// quoted selector: map lookup by string key
	if len(sel) >= 2 && (sel[0] == '"' || sel[0] == '\'') {
		if sel[len(sel)-1] != sel[0] {
			return reflect.Value{}, &EvalError{Expr: path, Reason: "unterminated string key after " + path}
		}
		key := sel[1 : len(sel)-1]
		if v.Kind() != reflect.Map {
			return reflect.Value{}, &EvalError{Expr: path, Reason: path + " is not a map"}
		}
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, &EvalError{Expr: path, Reason: path + " does not take string keys"}
		}
		kv := reflect.New(v.Type().Key()).Elem()
		kv.SetString(key)
		out := v.MapIndex(kv)
		if !out.IsValid() {
			return reflect.Value{}, &EvalError{Expr: path, Reason: path + " has no key " + strconv.Quote(key)}
		}
		return out, nil
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.String:
		idx, err := strconv.Atoi(sel)
		if err != nil {
			return reflect.Value{}, &EvalError{Expr: path, Reason: "bad index " + sel + " after " + path}
		}
		if idx < 0 || idx >= v.Len() {
			return reflect.Value{}, &EvalError{Expr: path, Reason: fmt.Sprintf("index %d out of range for %s (len %d)", idx, path, v.Len())}
		}
		return v.Index(idx), nil

	case reflect.Map:
		keyType := v.Type().Key()
		kv := reflect.New(keyType).Elem()
		switch keyType.Kind() {
		case reflect.String:
			kv.SetString(sel)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(sel, 10, 64)
			if err != nil {
				return reflect.Value{}, &EvalError{Expr: path, Reason: "bad map key " + sel + " after " + path}
			}
			kv.SetInt(n)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n, err := strconv.ParseUint(sel, 10, 64)
			if err != nil {
				return reflect.Value{}, &EvalError{Expr: path, Reason: "bad map key " + sel + " after " + path}
			}
			kv.SetUint(n)
		default:
			return reflect.Value{}, &EvalError{Expr: path, Reason: path + " has unsupported key type " + keyType.String()}
		}
		out := v.MapIndex(kv)
		if !out.IsValid() {
			return reflect.Value{}, &EvalError{Expr: path, Reason: path + " has no key " + sel}
		}
		return out, nil

	default:
		return reflect.Value{}, &EvalError{Expr: path, Reason: path + " is not indexable"}
	}
}
