package lens

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvocation(t *testing.T, name string, fn any, args ...any) *invocation {
	t.Helper()
	vals := make([]reflect.Value, len(args))
	for i, a := range args {
		vals[i] = reflect.ValueOf(a)
	}
	inv, err := newInvocation(name, reflect.ValueOf(fn), nil, vals)
	require.NoError(t, err)
	return inv
}

// actionPayload serializes a directive value the way the server bundles it.
func actionPayload(t *testing.T, value any) PayloadItem {
	t.Helper()
	enc := mustSerialize(t, value, DefaultSerializeOptions())
	require.Empty(t, enc.Extra)
	return enc.Root
}

func TestNewInvocation(t *testing.T) {
	t.Parallel()

	add := func(a, b int) int { return a + b }

	t.Run("not_callable", func(t *testing.T) {
		t.Parallel()
		_, err := newInvocation("svc.Add", reflect.ValueOf(42), nil, nil)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "intercept", perr.Op)
		assert.Contains(t, perr.Message, "not callable")
	})
	t.Run("arity_mismatch", func(t *testing.T) {
		t.Parallel()
		_, err := newInvocation("svc.Add", reflect.ValueOf(add), nil, []reflect.Value{reflect.ValueOf(1)})
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Contains(t, perr.Message, "needs 2 args, got 1")
	})
	t.Run("variadic_minimum", func(t *testing.T) {
		t.Parallel()
		join := func(sep string, parts ...string) string { return strings.Join(parts, sep) }
		_, err := newInvocation("svc.Join", reflect.ValueOf(join), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "needs at least 1 args")

		inv, err := newInvocation("svc.Join", reflect.ValueOf(join), nil,
			[]reflect.Value{reflect.ValueOf("-"), reflect.ValueOf("a"), reflect.ValueOf("b")})
		require.NoError(t, err)
		inv.invoke()
		require.Len(t, inv.results, 1)
		assert.Equal(t, "a-b", inv.results[0].Interface())
	})
}

func TestInvocationInvoke(t *testing.T) {
	t.Parallel()

	t.Run("captures_results", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Add", func(a, b int) int { return a + b }, 2, 3)
		inv.invoke()
		require.Len(t, inv.results, 1)
		assert.Equal(t, 5, inv.results[0].Interface())
		assert.False(t, inv.failed())
		excType, excMsg := inv.exceptionInfo()
		assert.Empty(t, excType)
		assert.Empty(t, excMsg)
	})
	t.Run("trailing_error", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Divide", func(a, b int) (int, error) {
			if b == 0 {
				return 0, errors.New("divide by zero")
			}
			return a / b, nil
		}, 10, 0)
		inv.invoke()
		require.True(t, inv.failed())
		assert.Nil(t, inv.panicVal)
		excType, excMsg := inv.exceptionInfo()
		assert.Equal(t, "*errors.errorString", excType)
		assert.Equal(t, "divide by zero", excMsg)
	})
	t.Run("nil_error_is_success", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Divide", func(a, b int) (int, error) { return a / b, nil }, 10, 2)
		inv.invoke()
		assert.False(t, inv.failed())
		assert.NoError(t, inv.errVal)
		assert.Equal(t, 5, inv.results[0].Interface())
	})
	t.Run("captures_panic", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Explode", func() int { panic("boom on 3") })
		inv.invoke()
		require.True(t, inv.failed())
		excType, excMsg := inv.exceptionInfo()
		assert.Equal(t, "panic:string", excType)
		assert.Equal(t, "boom on 3", excMsg)
	})
	t.Run("skipped_call_never_runs", func(t *testing.T) {
		t.Parallel()
		var ran bool
		inv := newTestInvocation(t, "svc.Touch", func() { ran = true })
		inv.skipped = true
		inv.invoke()
		assert.False(t, ran)
		assert.Empty(t, inv.results)
	})
}

func TestInvocationResultValue(t *testing.T) {
	t.Parallel()

	t.Run("error_only", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Ping", func() error { return nil })
		inv.invoke()
		_, ok := inv.resultValue()
		assert.False(t, ok)
	})
	t.Run("single_value", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Count", func() (int, error) { return 7, nil })
		inv.invoke()
		val, ok := inv.resultValue()
		require.True(t, ok)
		assert.Equal(t, 7, val)
	})
	t.Run("multiple_values", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Pair", func() (int, string, error) { return 7, "seven", nil })
		inv.invoke()
		val, ok := inv.resultValue()
		require.True(t, ok)
		assert.Equal(t, []any{7, "seven"}, val)
	})
}

func TestItemFetcher(t *testing.T) {
	t.Parallel()

	data := []byte("bundled bytes")
	cid := ComputeCID(data)
	fetch := itemFetcher([]PayloadItem{
		{CID: cid, Data: data},
		{CID: emptyCID}, // reference without data cannot be served
	})

	got, err := fetch(cid)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = fetch(emptyCID)
	assert.ErrorIs(t, err, ErrContentNotFound)
	_, err = fetch(ComputeCID([]byte("absent")))
	assert.ErrorIs(t, err, ErrContentNotFound)
}

func TestDecodeActionItem(t *testing.T) {
	t.Parallel()

	t.Run("verifies_payload_hash", func(t *testing.T) {
		t.Parallel()
		item := actionPayload(t, "genuine")
		item.Data = append([]byte(nil), item.Data...)
		item.Data[0] ^= 0xff
		_, err := decodeActionItem(item, nil)
		var mismatch *CidMismatchError
		assert.ErrorAs(t, err, &mismatch)
	})
	t.Run("resolves_bundled_refs", func(t *testing.T) {
		t.Parallel()
		opts := DefaultSerializeOptions()
		opts.DecomposeLimit = 64
		type resultBundle struct {
			Label string
			Blob  string
		}
		want := resultBundle{Label: "big", Blob: strings.Repeat("payload-", 64)}
		enc := mustSerialize(t, want, opts)
		require.NotEmpty(t, enc.Extra)

		node, err := decodeActionItem(enc.Root, enc.Extra)
		require.NoError(t, err)
		var got resultBundle
		require.NoError(t, DecodeInto(node, &got))
		assert.Equal(t, want, got)
	})
}

func TestApplyBeforeAction(t *testing.T) {
	t.Parallel()

	t.Run("continue_leaves_call_alone", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Add", func(a, b int) int { return a + b }, 2, 3)
		require.NoError(t, applyBeforeAction(inv, nil, nil))
		require.NoError(t, applyBeforeAction(inv, &CallAction{Type: ActionContinue}, nil))
		require.NoError(t, applyBeforeAction(inv, &CallAction{}, nil))
		inv.invoke()
		assert.Equal(t, 5, inv.results[0].Interface())
	})
	t.Run("modify_swaps_args", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Describe", func(n int, label string) string {
			return fmt.Sprintf("%s=%d", label, n)
		}, 1, "old")
		action := &CallAction{Type: ActionModify, Args: []PayloadItem{
			actionPayload(t, 41),
			actionPayload(t, "rewritten"),
		}}
		require.NoError(t, applyBeforeAction(inv, action, nil))
		inv.invoke()
		require.Len(t, inv.results, 1)
		assert.Equal(t, "rewritten=41", inv.results[0].Interface())
	})
	t.Run("modify_rejects_kwargs", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Describe", func(n int) int { return n }, 1)
		action := &CallAction{Type: ActionModify, Kwargs: map[string]PayloadItem{"n": actionPayload(t, 2)}}
		var perr *ProtocolError
		require.ErrorAs(t, applyBeforeAction(inv, action, nil), &perr)
		assert.Contains(t, perr.Message, "keyword arguments")
	})
	t.Run("modify_arity_enforced", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Describe", func(n int, label string) string { return label }, 1, "x")
		action := &CallAction{Type: ActionModify, Args: []PayloadItem{actionPayload(t, 2)}}
		var perr *ProtocolError
		require.ErrorAs(t, applyBeforeAction(inv, action, nil), &perr)
		assert.Contains(t, perr.Message, "1 args provided, svc.Describe takes 2")
	})
	t.Run("modify_corrupt_payload", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Describe", func(n int) int { return n }, 1)
		item := actionPayload(t, 2)
		item.Data = append([]byte(nil), item.Data...)
		item.Data[0] ^= 0xff
		action := &CallAction{Type: ActionModify, Args: []PayloadItem{item}}
		var mismatch *CidMismatchError
		assert.ErrorAs(t, applyBeforeAction(inv, action, nil), &mismatch)
	})
	t.Run("skip_fabricates_result", func(t *testing.T) {
		t.Parallel()
		var ran bool
		inv := newTestInvocation(t, "svc.Load", func(id int) (int, error) {
			ran = true
			return id, nil
		}, 7)
		item := actionPayload(t, 99)
		require.NoError(t, applyBeforeAction(inv, &CallAction{Type: ActionSkip, Result: &item}, nil))
		inv.invoke()
		assert.False(t, ran)
		assert.False(t, inv.failed())
		require.Len(t, inv.results, 2)
		assert.Equal(t, 99, inv.results[0].Interface())
		assert.True(t, inv.results[1].IsNil())
		val, ok := inv.resultValue()
		require.True(t, ok)
		assert.Equal(t, 99, val)
	})
	t.Run("skip_without_payload_zeroes", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Load", func(id int) (int, error) { return id, nil }, 7)
		require.NoError(t, applyBeforeAction(inv, &CallAction{Type: ActionSkip}, nil))
		inv.invoke()
		assert.Equal(t, 0, inv.results[0].Interface())
		assert.True(t, inv.results[1].IsNil())
	})
	t.Run("replace_redirects_call", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Greet", func(name string) string { return "hello " + name }, "ada")
		loud := func(name string) string { return "HELLO " + name }
		lookup := func(name string) (reflect.Value, bool) {
			if name == "svc.GreetLoud" {
				return reflect.ValueOf(loud), true
			}
			return reflect.Value{}, false
		}
		require.NoError(t, applyBeforeAction(inv, &CallAction{Type: ActionReplace, Replacement: "svc.GreetLoud"}, lookup))
		inv.invoke()
		assert.Equal(t, "HELLO ada", inv.results[0].Interface())
	})
	t.Run("replace_unknown_name", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Greet", func(name string) string { return name }, "ada")
		lookup := func(string) (reflect.Value, bool) { return reflect.Value{}, false }
		var perr *ProtocolError
		require.ErrorAs(t, applyBeforeAction(inv, &CallAction{Type: ActionReplace, Replacement: "svc.Gone"}, lookup), &perr)
		assert.Contains(t, perr.Message, "svc.Gone not registered")
	})
	t.Run("replace_signature_mismatch", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Greet", func(name string) string { return name }, "ada")
		other := func(a, b string) string { return a + b }
		lookup := func(string) (reflect.Value, bool) { return reflect.ValueOf(other), true }
		var sigErr *ReplacementSignatureError
		require.ErrorAs(t, applyBeforeAction(inv, &CallAction{Type: ActionReplace, Replacement: "svc.Concat"}, lookup), &sigErr)
		assert.Equal(t, 1, sigErr.NameArity)
		assert.Equal(t, 2, sigErr.ReplacementArity)
	})
	t.Run("raise_uses_error_return", func(t *testing.T) {
		t.Parallel()
		var ran bool
		inv := newTestInvocation(t, "svc.Commit", func() (int, error) {
			ran = true
			return 1, nil
		})
		action := &CallAction{Type: ActionRaise, ExceptionType: "TimeoutError", ExceptionMessage: "deadline hit"}
		require.NoError(t, applyBeforeAction(inv, action, nil))
		inv.invoke()
		assert.False(t, ran)
		require.True(t, inv.failed())
		assert.Nil(t, inv.panicVal)
		var raised *RaisedError
		require.ErrorAs(t, inv.errVal, &raised)
		assert.Equal(t, "TimeoutError", raised.Kind)
		assert.Equal(t, "deadline hit", raised.Message)
		require.Len(t, inv.results, 2)
		assert.Equal(t, 0, inv.results[0].Interface())
		assert.Equal(t, raised, inv.results[1].Interface())
	})
	t.Run("raise_panics_without_error_return", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Fire", func() int { return 1 })
		action := &CallAction{Type: ActionRaise, ExceptionType: "ValueError", ExceptionMessage: "bad input"}
		require.NoError(t, applyBeforeAction(inv, action, nil))
		require.NotNil(t, inv.panicVal)
		assert.Equal(t, inv.errVal, inv.panicVal)
		excType, excMsg := inv.exceptionInfo()
		assert.Equal(t, "panic:*lens.RaisedError", excType)
		assert.Equal(t, "ValueError: bad input", excMsg)
	})
	t.Run("unknown_action", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Add", func(a, b int) int { return a + b }, 2, 3)
		var perr *ProtocolError
		require.ErrorAs(t, applyBeforeAction(inv, &CallAction{Type: ActionType("warp")}, nil), &perr)
		assert.Contains(t, perr.Message, "unknown action type warp")
	})
}

func TestApplyAfterAction(t *testing.T) {
	t.Parallel()

	t.Run("nil_keeps_outcome", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Add", func(a, b int) int { return a + b }, 2, 3)
		inv.invoke()
		require.NoError(t, applyAfterAction(inv, nil))
		assert.Equal(t, 5, inv.results[0].Interface())
	})
	t.Run("modify_rewrites_failure", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Parse", func(s string) (int, error) {
			return 0, errors.New("parse failure")
		}, "x")
		inv.invoke()
		require.True(t, inv.failed())

		item := actionPayload(t, 42)
		require.NoError(t, applyAfterAction(inv, &CallAction{Type: ActionModify, Result: &item}))
		assert.False(t, inv.failed())
		assert.Equal(t, 42, inv.results[0].Interface())
		assert.True(t, inv.results[1].IsNil())
	})
	t.Run("skip_clears_panic", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Explode", func() int { panic("boom") })
		inv.invoke()
		require.True(t, inv.failed())

		item := actionPayload(t, 8)
		require.NoError(t, applyAfterAction(inv, &CallAction{Type: ActionSkip, Result: &item}))
		assert.False(t, inv.failed())
		assert.Nil(t, inv.panicVal)
		assert.Equal(t, 8, inv.results[0].Interface())
	})
	t.Run("raise_overrides_success", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Fetch", func() (string, error) { return "ok", nil })
		inv.invoke()
		require.False(t, inv.failed())

		action := &CallAction{Type: ActionRaise, ExceptionType: "Injected", ExceptionMessage: "forced failure"}
		require.NoError(t, applyAfterAction(inv, action))
		require.True(t, inv.failed())
		excType, excMsg := inv.exceptionInfo()
		assert.Equal(t, "*lens.RaisedError", excType)
		assert.Equal(t, "Injected: forced failure", excMsg)
		assert.Equal(t, "", inv.results[0].Interface())
	})
	t.Run("replace_rejected", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Fetch", func() (string, error) { return "ok", nil })
		inv.invoke()
		var perr *ProtocolError
		require.ErrorAs(t, applyAfterAction(inv, &CallAction{Type: ActionReplace, Replacement: "svc.Other"}), &perr)
		assert.Contains(t, perr.Message, "after the call ran")
	})
	t.Run("unknown_action", func(t *testing.T) {
		t.Parallel()
		inv := newTestInvocation(t, "svc.Fetch", func() (string, error) { return "ok", nil })
		inv.invoke()
		var perr *ProtocolError
		assert.ErrorAs(t, applyAfterAction(inv, &CallAction{Type: ActionType("rewind")}), &perr)
	})
}

func TestFabricateResults(t *testing.T) {
	t.Parallel()

	t.Run("multi_value_sequence", func(t *testing.T) {
		t.Parallel()
		fnType := reflect.TypeOf(func() (int, string, error) { return 0, "", nil })
		item := actionPayload(t, []any{7, "seven"})
		results, err := fabricateResults(fnType, &item, nil)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, 7, results[0].Interface())
		assert.Equal(t, "seven", results[1].Interface())
		assert.True(t, results[2].IsNil())
	})
	t.Run("sequence_arity_enforced", func(t *testing.T) {
		t.Parallel()
		fnType := reflect.TypeOf(func() (int, string, error) { return 0, "", nil })
		item := actionPayload(t, []any{7})
		_, err := fabricateResults(fnType, &item, nil)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Contains(t, perr.Message, "sequence of 2 values")
	})
	t.Run("scalar_for_multi_rejected", func(t *testing.T) {
		t.Parallel()
		fnType := reflect.TypeOf(func() (int, string, error) { return 0, "", nil })
		item := actionPayload(t, 7)
		_, err := fabricateResults(fnType, &item, nil)
		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr)
	})
	t.Run("error_only_ignores_payload", func(t *testing.T) {
		t.Parallel()
		fnType := reflect.TypeOf(func() error { return nil })
		item := actionPayload(t, 5)
		results, err := fabricateResults(fnType, &item, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].IsNil())
	})
	t.Run("decomposed_payload_reassembles", func(t *testing.T) {
		t.Parallel()
		opts := DefaultSerializeOptions()
		opts.DecomposeLimit = 64
		want := strings.Repeat("payload-", 64)
		type fetchOut struct {
			Label string
			Blob  string
		}
		enc := mustSerialize(t, fetchOut{Label: "big", Blob: want}, opts)
		require.NotEmpty(t, enc.Extra)

		fnType := reflect.TypeOf(func() (fetchOut, error) { return fetchOut{}, nil })
		results, err := fabricateResults(fnType, &enc.Root, enc.Extra)
		require.NoError(t, err)
		got, ok := results[0].Interface().(fetchOut)
		require.True(t, ok)
		assert.Equal(t, "big", got.Label)
		assert.Equal(t, want, got.Blob)
	})
}
