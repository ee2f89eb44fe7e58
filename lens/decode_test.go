package lens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIntoTargets(t *testing.T) {
	t.Parallel()

	t.Run("requires_pointer", func(t *testing.T) {
		t.Parallel()

		var out int
		err := DecodeInto(&encValue{Kind: kindInt, Value: int64(1)}, out)
		require.Error(t, err)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "decode", perr.Op)
	})

	t.Run("any_target", func(t *testing.T) {
		t.Parallel()

		enc := mustSerialize(t, map[string]int{"a": 1}, DefaultSerializeOptions())
		node := decodeRoot(t, enc)
		var out any
		require.NoError(t, DecodeInto(node, &out))
		assert.Equal(t, map[string]any{"a": int64(1)}, out)
	})

	t.Run("error_target_from_placeholder", func(t *testing.T) {
		t.Parallel()

		node := &encValue{Kind: kindPlaceholder, Holder: &Placeholder{Type: "custom.Err", Repr: "it broke"}}
		var out error
		require.NoError(t, DecodeInto(node, &out))
		assert.EqualError(t, out, "it broke")
	})

	t.Run("error_target_from_string", func(t *testing.T) {
		t.Parallel()

		node := &encValue{Kind: kindString, Value: "string failure"}
		var out error
		require.NoError(t, DecodeInto(node, &out))
		assert.EqualError(t, out, "string failure")
	})

	t.Run("unresolved_ref_rejected", func(t *testing.T) {
		t.Parallel()

		node := &encValue{Kind: kindRef, Ref: emptyCID}
		var out string
		err := DecodeInto(node, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unresolved content reference")
	})

	t.Run("marker_rejected", func(t *testing.T) {
		t.Parallel()

		node := &encValue{Kind: kindMarker, Value: "<max-depth>"}
		var out string
		err := DecodeInto(node, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no concrete form")
	})

	t.Run("integer_overflow", func(t *testing.T) {
		t.Parallel()

		node := &encValue{Kind: kindInt, Value: int64(300)}
		var out int8
		err := DecodeInto(node, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "overflows")
	})

	t.Run("array_length_guard", func(t *testing.T) {
		t.Parallel()

		enc := mustSerialize(t, []int{1, 2, 3}, DefaultSerializeOptions())
		node := decodeRoot(t, enc)
		var out [2]int
		err := DecodeInto(node, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceed array length")

		var fits [3]int
		require.NoError(t, DecodeInto(node, &fits))
		assert.Equal(t, [3]int{1, 2, 3}, fits)
	})

	t.Run("int_map_keys", func(t *testing.T) {
		t.Parallel()

		enc := mustSerialize(t, map[int]string{3: "three", 11: "eleven"}, DefaultSerializeOptions())
		node := decodeRoot(t, enc)
		var out map[int]string
		require.NoError(t, DecodeInto(node, &out))
		assert.Equal(t, map[int]string{3: "three", 11: "eleven"}, out)
	})

	t.Run("type_mismatch", func(t *testing.T) {
		t.Parallel()

		node := &encValue{Kind: kindString, Value: "text"}
		var out float64
		err := DecodeInto(node, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected float")
	})
}

func TestDecodeEncodedJSON(t *testing.T) {
	t.Parallel()

	item := PayloadItem{
		Data:   []byte(`{"name":"caller","count":3,"ratio":0.5,"tags":["x","y"],"nested":{"ok":true}}`),
		Format: FormatJSON,
	}
	node, err := DecodeEncoded(item, nil)
	require.NoError(t, err)

	out, ok := TreeToAny(node).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "caller", out["name"])
	assert.Equal(t, int64(3), out["count"])
	assert.Equal(t, 0.5, out["ratio"])
	assert.Equal(t, []any{"x", "y"}, out["tags"])
	assert.Equal(t, map[string]any{"ok": true}, out["nested"])
}

func TestDecodeEncodedUnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := DecodeEncoded(PayloadItem{Data: []byte("x"), Format: "yaml"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown payload format")
}

func TestResolveRefsVerifiesHashes(t *testing.T) {
	t.Parallel()

	leafData, err := marshalTree(&encValue{Kind: kindString, Value: "stored"})
	require.NoError(t, err)
	leafCID := ComputeCID(leafData)

	rootData, err := marshalTree(&encValue{Kind: kindRef, Ref: leafCID})
	require.NoError(t, err)
	rootItem := PayloadItem{CID: ComputeCID(rootData), Data: rootData, Format: FormatMsgpack}

	t.Run("valid_content", func(t *testing.T) {
		t.Parallel()

		node, err := DecodeEncoded(rootItem, func(cid string) ([]byte, error) {
			require.Equal(t, leafCID, cid)
			return leafData, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "stored", node.Value)
	})

	t.Run("corrupted_content", func(t *testing.T) {
		t.Parallel()

		_, err := DecodeEncoded(rootItem, func(cid string) ([]byte, error) {
			return []byte("tampered"), nil
		})
		require.Error(t, err)
		var mismatch *CidMismatchError
		assert.ErrorAs(t, err, &mismatch)
	})

	t.Run("missing_content", func(t *testing.T) {
		t.Parallel()

		_, err := DecodeEncoded(rootItem, func(cid string) ([]byte, error) {
			return nil, &MissingContentError{CIDs: []string{cid}}
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "resolve")
	})
}

func TestResolveRefsDepthBound(t *testing.T) {
	t.Parallel()

	// build a chain of refs deeper than the decoder allows
	byCID := make(map[string][]byte)
	data, err := marshalTree(&encValue{Kind: kindString, Value: "bottom"})
	require.NoError(t, err)
	cid := ComputeCID(data)
	byCID[cid] = data
	for i := 0; i < maxRefDepth+1; i++ {
		data, err = marshalTree(&encValue{Kind: kindRef, Ref: cid})
		require.NoError(t, err)
		cid = ComputeCID(data)
		byCID[cid] = data
	}

	_, err = DecodeEncoded(PayloadItem{CID: cid, Data: data, Format: FormatMsgpack}, func(c string) ([]byte, error) {
		return byCID[c], nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ref chain exceeds")
}

func TestValuePreview(t *testing.T) {
	t.Parallel()

	t.Run("scalars", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name  string
			value any
			want  string
		}{
			{"int", 42, "42"},
			{"bool", true, "true"},
			{"string", "hi", `"hi"`},
			{"float", 1.5, "1.5"},
		}
		for _, tt := range tests {
			enc := mustSerialize(t, tt.value, DefaultSerializeOptions())
			assert.Equal(t, tt.want, ValuePreview(decodeRoot(t, enc), 0), tt.name)
		}
	})

	t.Run("nil_node", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "<nil>", ValuePreview(nil, 0))
	})

	t.Run("collections", func(t *testing.T) {
		t.Parallel()

		enc := mustSerialize(t, []int{1, 2, 3}, DefaultSerializeOptions())
		assert.Equal(t, "[1, 2, 3]", ValuePreview(decodeRoot(t, enc), 0))

		enc = mustSerialize(t, map[string]bool{"on": true}, DefaultSerializeOptions())
		assert.Equal(t, "{on: true}", ValuePreview(decodeRoot(t, enc), 0))
	})

	t.Run("struct_includes_type", func(t *testing.T) {
		t.Parallel()

		type point struct{ X, Y int }
		enc := mustSerialize(t, point{X: 1, Y: 2}, DefaultSerializeOptions())
		preview := ValuePreview(decodeRoot(t, enc), 0)
		assert.Contains(t, preview, "point{")
		assert.Contains(t, preview, "X: 1")
	})

	t.Run("large_string_hashes", func(t *testing.T) {
		t.Parallel()

		enc := mustSerialize(t, strings.Repeat("a", previewHashSizeLimit+1), DefaultSerializeOptions())
		preview := ValuePreview(decodeRoot(t, enc), 0)
		assert.True(t, strings.HasPrefix(preview, HashValuePrefix), preview)

		// equal content hashes equally, so previews stay comparable
		enc2 := mustSerialize(t, strings.Repeat("a", previewHashSizeLimit+1), DefaultSerializeOptions())
		assert.Equal(t, preview, ValuePreview(decodeRoot(t, enc2), 0))
	})

	t.Run("budget_cuts_long_slices", func(t *testing.T) {
		t.Parallel()

		wide := make([]int, 500)
		enc := mustSerialize(t, wide, DefaultSerializeOptions())
		preview := ValuePreview(decodeRoot(t, enc), 64)
		assert.LessOrEqual(t, len(preview), 64+32) // bounded plus the overflow note
		assert.Contains(t, preview, "…")
	})

	t.Run("placeholder_form", func(t *testing.T) {
		t.Parallel()

		enc := mustSerialize(t, make(chan int), DefaultSerializeOptions())
		preview := ValuePreview(decodeRoot(t, enc), 0)
		assert.True(t, strings.HasPrefix(preview, "<chan int"), preview)
	})
}

func TestTreeToAnyMarkers(t *testing.T) {
	t.Parallel()

	assert.Nil(t, TreeToAny(nil))
	assert.Equal(t, "<max-depth>", TreeToAny(&encValue{Kind: kindMarker, Value: "<max-depth>"}))

	ref := TreeToAny(&encValue{Kind: kindRef, Ref: emptyCID})
	refStr, ok := ref.(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(refStr, "<ref:"), refStr)
}
