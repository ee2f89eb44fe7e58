package lens

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evalOrder struct {
	ID    string
	Total float64
	Items []evalItem
	Meta  map[string]string
	count int
}

type evalItem struct {
	SKU string
	Qty int
}

func evalTestContext() *EvalContext {
	return &EvalContext{
		Target: &evalOrder{
			ID:    "order-7",
			Total: 99.5,
			Items: []evalItem{{SKU: "A-1", Qty: 2}, {SKU: "B-2", Qty: 1}},
			Meta:  map[string]string{"region": "eu"},
			count: 3,
		},
		Args:    []any{"order-7", 24, map[int]string{5: "five"}},
		Results: []any{evalItem{SKU: "A-1", Qty: 2}},
		Err:     errors.New("not found"),
	}
}

func TestEvaluatePath(t *testing.T) {
	t.Parallel()

	ctx := evalTestContext()

	tests := []struct {
		expr string
		want any
	}{
		{"target.ID", "order-7"},
		{"target.Total", 99.5},
		{"target.Items[1].SKU", "B-2"},
		{"target.Items[0].Qty", 2},
		{`target.Meta["region"]`, "eu"},
		{"target.Meta[region]", "eu"}, // bare map keys work too
		{"args[0]", "order-7"},
		{"args[1]", 24},
		{"args[2][5]", "five"},
		{"result.SKU", "A-1"},
		{" target.ID ", "order-7"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()

			got, err := EvaluatePath(ctx, tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluatePathRoots(t *testing.T) {
	t.Parallel()

	t.Run("error_root", func(t *testing.T) {
		t.Parallel()

		got, err := EvaluatePath(evalTestContext(), "error")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.EqualError(t, got.(error), "not found")

		// absent error resolves to nil rather than failing
		got, err = EvaluatePath(&EvalContext{}, "error")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("result_forms", func(t *testing.T) {
		t.Parallel()

		// one result: the root is the value itself
		single := &EvalContext{Results: []any{42}}
		got, err := EvaluatePath(single, "result")
		require.NoError(t, err)
		assert.Equal(t, 42, got)

		// several results index like a slice
		multi := &EvalContext{Results: []any{"first", "second"}}
		got, err = EvaluatePath(multi, "result[1]")
		require.NoError(t, err)
		assert.Equal(t, "second", got)

		_, err = EvaluatePath(&EvalContext{}, "result")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no result")
	})

	t.Run("whole_args", func(t *testing.T) {
		t.Parallel()

		got, err := EvaluatePath(&EvalContext{Args: []any{1, 2}}, "args")
		require.NoError(t, err)
		assert.Equal(t, []any{1, 2}, got)
	})
}

func TestEvaluatePathErrors(t *testing.T) {
	t.Parallel()

	ctx := evalTestContext()

	tests := []struct {
		name   string
		expr   string
		reason string
	}{
		{"empty", "", "empty expression"},
		{"unknown_root", "locals[0]", "unknown root"},
		{"no_root", "[0]", "must start with a root name"},
		{"missing_field", "target.Missing", "has no field"},
		{"field_on_scalar", "target.ID.Length", "is not a struct"},
		{"index_out_of_range", "args[9]", "out of range"},
		{"bad_index", "args[x]", "bad index"},
		{"unterminated_index", "args[0", "unterminated selector"},
		{"unterminated_key", `target.Meta["region]`, "unterminated string key"},
		{"missing_key", `target.Meta["zone"]`, "has no key"},
		{"key_on_slice", `target.Items["x"]`, "is not a map"},
		{"index_on_struct", "result[0][0]", "is not indexable"},
		{"trailing_dot", "target.", "missing field name"},
		{"unexpected_char", "target!", "unexpected"},
		{"unexported_field", "target.count", "unexported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := EvaluatePath(ctx, tt.expr)
			require.Error(t, err)
			var evalErr *EvalError
			require.ErrorAs(t, err, &evalErr)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}

	t.Run("nil_pointer_mid_path", func(t *testing.T) {
		t.Parallel()

		type outer struct{ Inner *evalOrder }
		nilCtx := &EvalContext{Target: outer{}}
		_, err := EvaluatePath(nilCtx, "target.Inner.ID")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is nil")
	})
}
