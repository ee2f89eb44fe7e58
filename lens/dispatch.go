package lens

import (
	"fmt"
	"reflect"
)

// invocation carries one intercepted call through the protocol cycle: the
// callable, its (possibly modified) arguments, and the outcome.
type invocation struct {
	name     string
	fn       reflect.Value
	fnType   reflect.Type
	args     []reflect.Value
	target   any
	results  []reflect.Value
	panicVal any
	errVal   error // trailing error return when the callable reports one
	skipped  bool
}

func newInvocation(name string, fn reflect.Value, target any, args []reflect.Value) (*invocation, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, &ProtocolError{Op: "intercept", Message: name + " is not callable"}
	}
	fnType := fn.Type()
	if fnType.IsVariadic() {
		if len(args) < fnType.NumIn()-1 {
			return nil, &ProtocolError{Op: "intercept", Message: fmt.Sprintf("%s needs at least %d args, got %d", name, fnType.NumIn()-1, len(args))}
		}
	} else if len(args) != fnType.NumIn() {
		return nil, &ProtocolError{Op: "intercept", Message: fmt.Sprintf("%s needs %d args, got %d", name, fnType.NumIn(), len(args))}
	}
	return &invocation{name: name, fn: fn, fnType: fnType, target: target, args: args}, nil
}

// invoke runs the callable, capturing a panic or a trailing error return.
func (inv *invocation) invoke() {
	if inv.skipped {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			inv.panicVal = r
		}
	}()
	inv.results = inv.fn.Call(inv.args)
	if n := len(inv.results); n > 0 {
		if last := inv.results[n-1]; last.Type() == errType && !last.IsNil() {
			inv.errVal = last.Interface().(error)
		}
	}
}

// failed reports whether the outcome counts as an exception: a panic or a
// non-nil trailing error both do.
func (inv *invocation) failed() bool {
	return inv.panicVal != nil || inv.errVal != nil
}

// exceptionInfo renders the failure identity for protocol messages.
func (inv *invocation) exceptionInfo() (excType, excMsg string) {
	if inv.panicVal != nil {
		return fmt.Sprintf("panic:%T", inv.panicVal), limitStringSize(fmt.Sprint(inv.panicVal), serializeMaxRepr)
	}
	if inv.errVal != nil {
		return reflect.TypeOf(inv.errVal).String(), limitStringSize(inv.errVal.Error(), serializeMaxRepr)
	}
	return "", ""
}

// resultValue returns what gets serialized as the call result: nothing, the
// single non-error return, or all non-error returns as a slice.
func (inv *invocation) resultValue() (any, bool) {
	var outs []reflect.Value
	for _, r := range inv.results {
		if r.Type() == errType {
			continue
		}
		outs = append(outs, r)
	}
	switch len(outs) {
	case 0:
		return nil, false
	case 1:
		return outs[0].Interface(), true
	default:
		vals := make([]any, len(outs))
		for i, r := range outs {
			vals[i] = r.Interface()
		}
		return vals, true
	}
}

// itemFetcher resolves CIDs against the payload items bundled with a
// directive, hash-verified by the decode path.
func itemFetcher(items []PayloadItem) ContentFetcher {
	byCID := make(map[string][]byte, len(items))
	for _, item := range items {
		if len(item.Data) > 0 {
			byCID[item.CID] = item.Data
		}
	}
	return func(cid string) ([]byte, error) {
		data, ok := byCID[cid]
		if !ok {
			return nil, fmt.Errorf("%w: %s not bundled with directive", ErrContentNotFound, cidFingerprint(cid))
		}
		return data, nil
	}
}

func decodeActionItem(item PayloadItem, extra []PayloadItem) (*encValue, error) {
	if len(item.Data) > 0 {
		if err := VerifyCID(item.CID, item.Data); err != nil {
			return nil, err
		}
	}
	return DecodeEncoded(item, itemFetcher(extra))
}

// replacementLookup resolves a replacement name to a locally registered
// callable. The client provides this; tests provide fakes.
type replacementLookup func(name string) (reflect.Value, bool)

// applyBeforeAction mutates the invocation per a terminal before-phase
// directive. Poll and eval directives never reach here; the poll loop
// resolves them into one of the terminal five first.
func applyBeforeAction(inv *invocation, action *CallAction, lookup replacementLookup) error {
	if action == nil {
		return nil
	}
	switch action.Type {
	case ActionContinue, "":
		return nil

	case ActionModify:
		if len(action.Kwargs) > 0 {
			return &ProtocolError{Op: "modify", Message: "keyword arguments have no Go equivalent"}
		}
		if len(action.Args) != len(inv.args) {
			return &ProtocolError{Op: "modify", Message: fmt.Sprintf("%d args provided, %s takes %d", len(action.Args), inv.name, len(inv.args))}
		}
		newArgs := make([]reflect.Value, len(inv.args))
		for i, item := range action.Args {
			node, err := decodeActionItem(item, action.Extra)
			if err != nil {
				return err
			}
			val := reflect.New(inv.args[i].Type())
			if err := decodeInto(node, val.Elem(), fmt.Sprintf("args[%d]", i)); err != nil {
				return err
			}
			newArgs[i] = val.Elem()
		}
		inv.args = newArgs
		return nil

	case ActionSkip:
		results, err := fabricateResults(inv.fnType, action.Result, action.Extra)
		if err != nil {
			return err
		}
		inv.results = results
		inv.skipped = true
		return nil

	case ActionReplace:
		fn, ok := lookup(action.Replacement)
		if !ok {
			return &ProtocolError{Op: "replace", Message: "replacement " + action.Replacement + " not registered in this process"}
		}
		if fn.Type() != inv.fnType {
			return &ReplacementSignatureError{
				Name:             inv.name,
				Replacement:      action.Replacement,
				NameArity:        inv.fnType.NumIn(),
				ReplacementArity: fn.Type().NumIn(),
			}
		}
		inv.fn = fn
		return nil

	case ActionRaise:
		inv.deliverRaise(action.ExceptionType, action.ExceptionMessage)
		return nil

	default:
		return &ProtocolError{Op: "dispatch", Message: "unknown action type " + string(action.Type)}
	}
}

// applyAfterAction rewrites a completed call's outcome per an after-phase
// directive. The callable is never re-run: only the observed outcome changes.
func applyAfterAction(inv *invocation, action *CallAction) error {
	if action == nil {
		return nil
	}
	switch action.Type {
	case ActionContinue, "":
		return nil

	case ActionSkip, ActionModify:
		results, err := fabricateResults(inv.fnType, action.Result, action.Extra)
		if err != nil {
			return err
		}
		inv.results = results
		inv.panicVal = nil
		inv.errVal = nil
		return nil

	case ActionRaise:
		inv.deliverRaise(action.ExceptionType, action.ExceptionMessage)
		return nil

	case ActionReplace:
		return &ProtocolError{Op: "dispatch", Message: "replace cannot apply after the call ran"}

	default:
		return &ProtocolError{Op: "dispatch", Message: "unknown action type " + string(action.Type)}
	}
}

// deliverRaise makes the call site observe an exception. Callables with a
// trailing error return get it there; anything else sees a panic once the
// protocol cycle finishes.
func (inv *invocation) deliverRaise(excType, excMsg string) {
	raised := &RaisedError{Kind: excType, Message: excMsg}
	inv.skipped = true
	inv.panicVal = nil
	if n := inv.fnType.NumOut(); n > 0 && inv.fnType.Out(n-1) == errType {
		inv.results = zeroResults(inv.fnType)
		errSlot := reflect.New(errType).Elem()
		errSlot.Set(reflect.ValueOf(raised))
		inv.results[n-1] = errSlot
		inv.errVal = raised
		return
	}
	inv.results = zeroResults(inv.fnType)
	inv.errVal = raised
	inv.panicVal = raised
}

// fabricateResults builds the full return set from a directive's result
// payload: the single non-error return decodes directly, multiple non-error
// returns decode from a sequence, and a trailing error slot stays nil.
func fabricateResults(fnType reflect.Type, result *PayloadItem, extra []PayloadItem) ([]reflect.Value, error) {
	results := zeroResults(fnType)

	var outIdx []int
	for i := 0; i < fnType.NumOut(); i++ {
		if fnType.Out(i) == errType {
			continue
		}
		outIdx = append(outIdx, i)
	}
	if len(outIdx) == 0 {
		return results, nil
	}
	if result == nil {
		return results, nil // zero values stand in when no result was supplied
	}

	node, err := decodeActionItem(*result, extra)
	if err != nil {
		return nil, err
	}

	if len(outIdx) == 1 {
		val := reflect.New(fnType.Out(outIdx[0]))
		if err := decodeInto(node, val.Elem(), "result"); err != nil {
			return nil, err
		}
		results[outIdx[0]] = val.Elem()
		return results, nil
	}

	if node.Kind != kindSlice || len(node.Children) != len(outIdx) {
		return nil, &ProtocolError{Op: "dispatch", Message: fmt.Sprintf("result must be a sequence of %d values", len(outIdx))}
	}
	for i, idx := range outIdx {
		val := reflect.New(fnType.Out(idx))
		if err := decodeInto(node.Children[i], val.Elem(), fmt.Sprintf("result[%d]", i)); err != nil {
			return nil, err
		}
		results[idx] = val.Elem()
	}
	return results, nil
}

func zeroResults(fnType reflect.Type) []reflect.Value {
	results := make([]reflect.Value, fnType.NumOut())
	for i := range results {
		results[i] = reflect.Zero(fnType.Out(i))
	}
	return results
}
