package lens

import (
	"bytes"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mtraver/base91"
)

// HashValuePrefix marks preview strings that carry a content hash instead of
// the value itself.
const HashValuePrefix = "vsha512-"

// previewHashSizeLimit is the size above which preview rendering substitutes
// a hash marker for the raw value.
const previewHashSizeLimit = 128

// ContentFetcher resolves a CID to stored content, used to inline decomposed
// subtrees during decode.
type ContentFetcher func(cid string) ([]byte, error)

// DecodeEncoded converts one payload item back into its value tree. Ref
// nodes are resolved through fetch and hash-verified; a nil fetch leaves
// refs in place for callers that only render previews.
func DecodeEncoded(item PayloadItem, fetch ContentFetcher) (*encValue, error) {
	root, err := decodePayload(item)
	if err != nil {
		return nil, err
	}
	if fetch == nil {
		return root, nil
	}
	if err := resolveRefs(root, fetch, 0); err != nil {
		return nil, err
	}
	return root, nil
}

func decodePayload(item PayloadItem) (*encValue, error) {
	switch item.Format {
	case FormatMsgpack, "":
		return unmarshalTree(item.Data)
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(item.Data))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode json payload: %w", err)
		}
		return anyToTree("", v), nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", item.Format)
	}
}

// maxRefDepth bounds ref chasing so a malicious store cannot pin the decoder.
const maxRefDepth = 32

func resolveRefs(n *encValue, fetch ContentFetcher, depth int) error {
	if n.Kind == kindRef {
		if depth >= maxRefDepth {
			return fmt.Errorf("ref chain exceeds %d levels", maxRefDepth)
		}
		data, err := fetch(n.Ref)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", cidFingerprint(n.Ref), err)
		}
		if err := VerifyCID(n.Ref, data); err != nil {
			return err
		}
		sub, err := unmarshalTree(data)
		if err != nil {
			return err
		}
		sub.Name = n.Name
		*n = *sub
		return resolveRefs(n, fetch, depth+1)
	}
	for _, c := range n.Children {
		if err := resolveRefs(c, fetch, depth); err != nil {
			return err
		}
	}
	if n.Holder != nil {
		for _, attr := range n.Holder.Attrs {
			if err := resolveRefs(attr, fetch, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// anyToTree converts a generic JSON value into the canonical tree form.
func anyToTree(name string, v any) *encValue {
	switch val := v.(type) {
	case nil:
		return &encValue{Kind: kindNil, Name: name}
	case bool:
		return &encValue{Kind: kindBool, Name: name, Value: val}
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return &encValue{Kind: kindInt, Name: name, Value: i}
		}
		f, _ := val.Float64()
		return &encValue{Kind: kindFloat, Name: name, Value: f}
	case float64:
		return &encValue{Kind: kindFloat, Name: name, Value: val}
	case string:
		return &encValue{Kind: kindString, Name: name, Value: val}
	case []any:
		children := make([]*encValue, len(val))
		for i, elem := range val {
			children[i] = anyToTree("["+strconv.Itoa(i)+"]", elem)
		}
		return &encValue{Kind: kindSlice, Name: name, Children: children}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		children := make([]*encValue, 0, len(keys))
		for _, k := range keys {
			children = append(children, anyToTree(k, val[k]))
		}
		return &encValue{Kind: kindMap, Name: name, Children: children}
	default:
		return &encValue{Kind: kindString, Name: name, Value: fmt.Sprint(val)}
	}
}

// TreeToAny renders a decoded tree as plain Go values: structs and maps
// become map[string]any, sequences become []any. Placeholders surface as
// *Placeholder so callers can distinguish degraded content.
func TreeToAny(n *encValue) any {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case kindNil:
		return nil
	case kindBool, kindInt, kindUint, kindFloat, kindString, kindBytes:
		return n.Value
	case kindComplex:
		if arr, ok := n.Value.([2]float64); ok {
			return complex(arr[0], arr[1])
		}
		return n.Value
	case kindSlice:
		out := make([]any, len(n.Children))
		for i, c := range n.Children {
			out[i] = TreeToAny(c)
		}
		return out
	case kindMap, kindStruct:
		out := make(map[string]any, len(n.Children))
		for _, c := range n.Children {
			out[c.Name] = TreeToAny(c)
		}
		return out
	case kindRef:
		return "<ref:" + cidFingerprint(n.Ref) + ">"
	case kindMarker:
		if s, ok := n.Value.(string); ok {
			return s
		}
		return "<marker>"
	case kindPlaceholder:
		return n.Holder
	default:
		return nil
	}
}

// DecodeInto reconstructs a decoded tree into a concrete Go value. The
// target must be a non-nil pointer. This is the path that turns a modify or
// replace directive back into real arguments.
func DecodeInto(n *encValue, target any) error {
	tv := reflect.ValueOf(target)
	if tv.Kind() != reflect.Pointer || tv.IsNil() {
		return &ProtocolError{Op: "decode", Message: "target must be a non-nil pointer"}
	}
	return decodeInto(n, tv.Elem(), "$")
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func decodeInto(n *encValue, target reflect.Value, path string) error {
	if n == nil {
		return decodeErr(path, "missing node")
	}
	if !target.CanSet() {
		return decodeErr(path, "target not settable")
	}
	tt := target.Type()

	switch n.Kind {
	case kindRef:
		return decodeErr(path, "unresolved content reference "+cidFingerprint(n.Ref))
	case kindMarker:
		return decodeErr(path, fmt.Sprintf("marker %v has no concrete form", n.Value))
	case kindPlaceholder:
		if tt == errType {
			msg := n.Holder.Repr
			if msg == "" {
				msg = n.Holder.Type
			}
			target.Set(reflect.ValueOf(errors.New(msg)))
			return nil
		}
		return decodeErr(path, "placeholder for "+n.Holder.Type+" has no concrete form")
	case kindNil:
		target.Set(reflect.Zero(tt))
		return nil
	}

	// generic targets take the plain representation
	if tt.Kind() == reflect.Interface && tt.NumMethod() == 0 {
		v := TreeToAny(n)
		if v == nil {
			target.Set(reflect.Zero(tt))
		} else {
			target.Set(reflect.ValueOf(v))
		}
		return nil
	}
	if tt == errType {
		if s, ok := n.Value.(string); ok {
			target.Set(reflect.ValueOf(errors.New(s)))
			return nil
		}
		return decodeErr(path, "cannot rebuild error from kind "+strconv.Itoa(int(n.Kind)))
	}

	switch tt.Kind() {
	case reflect.Pointer:
		elem := reflect.New(tt.Elem())
		if err := decodeInto(n, elem.Elem(), path); err != nil {
			return err
		}
		target.Set(elem)
		return nil

	case reflect.Bool:
		b, ok := n.Value.(bool)
		if !ok {
			return decodeErr(path, "expected bool")
		}
		target.SetBool(b)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if tt == reflect.TypeOf(time.Duration(0)) {
			if s, ok := n.Value.(string); ok {
				d, err := time.ParseDuration(s)
				if err != nil {
					return decodeErr(path, "bad duration: "+err.Error())
				}
				target.SetInt(int64(d))
				return nil
			}
		}
		i, ok := asInt64(n.Value)
		if !ok {
			return decodeErr(path, "expected integer")
		}
		if target.OverflowInt(i) {
			return decodeErr(path, "integer overflows "+tt.String())
		}
		target.SetInt(i)
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u, ok := asUint64(n.Value)
		if !ok {
			return decodeErr(path, "expected unsigned integer")
		}
		if target.OverflowUint(u) {
			return decodeErr(path, "integer overflows "+tt.String())
		}
		target.SetUint(u)
		return nil

	case reflect.Float32, reflect.Float64:
		f, ok := asFloat64(n.Value)
		if !ok {
			return decodeErr(path, "expected float")
		}
		target.SetFloat(f)
		return nil

	case reflect.Complex64, reflect.Complex128:
		arr, ok := n.Value.([2]float64)
		if !ok {
			return decodeErr(path, "expected complex")
		}
		target.SetComplex(complex(arr[0], arr[1]))
		return nil

	case reflect.String:
		s, ok := n.Value.(string)
		if !ok {
			return decodeErr(path, "expected string")
		}
		target.SetString(s)
		return nil

	case reflect.Slice:
		if tt.Elem().Kind() == reflect.Uint8 {
			switch val := n.Value.(type) {
			case []byte:
				target.SetBytes(append([]byte(nil), val...))
				return nil
			case string:
				target.SetBytes([]byte(val))
				return nil
			}
		}
		out := reflect.MakeSlice(tt, len(n.Children), len(n.Children))
		for i, c := range n.Children {
			if err := decodeInto(c, out.Index(i), path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		target.Set(out)
		return nil

	case reflect.Array:
		if len(n.Children) > tt.Len() {
			return decodeErr(path, fmt.Sprintf("%d elements exceed array length %d", len(n.Children), tt.Len()))
		}
		for i, c := range n.Children {
			if err := decodeInto(c, target.Index(i), path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		return nil

	case reflect.Map:
		out := reflect.MakeMapWithSize(tt, len(n.Children))
		for _, c := range n.Children {
			key, err := parseMapKey(c.Name, tt.Key())
			if err != nil {
				return decodeErr(path, err.Error())
			}
			val := reflect.New(tt.Elem()).Elem()
			if err := decodeInto(c, val, path+"["+c.Name+"]"); err != nil {
				return err
			}
			out.SetMapIndex(key, val)
		}
		target.Set(out)
		return nil

	case reflect.Struct:
		if tt == reflect.TypeOf(time.Time{}) {
			s, ok := n.Value.(string)
			if !ok {
				return decodeErr(path, "expected time string")
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return decodeErr(path, "bad time: "+err.Error())
			}
			target.Set(reflect.ValueOf(t))
			return nil
		}
		byName := make(map[string]*encValue, len(n.Children))
		for _, c := range n.Children {
			byName[c.Name] = c
		}
		for i := 0; i < tt.NumField(); i++ {
			sf := tt.Field(i)
			c, ok := byName[sf.Name]
			if !ok {
				continue
			}
			fv := target.Field(i)
			if !fv.CanSet() {
				continue // unexported fields keep their zero value
			}
			if err := decodeInto(c, fv, path+"."+sf.Name); err != nil {
				return err
			}
		}
		return nil

	default:
		return decodeErr(path, "unsupported target kind "+tt.Kind().String())
	}
}

func decodeErr(path, msg string) error {
	return &ProtocolError{Op: "decode", Message: path + ": " + msg}
}

func parseMapKey(name string, keyType reflect.Type) (reflect.Value, error) {
	key := reflect.New(keyType).Elem()
	switch keyType.Kind() {
	case reflect.String:
		key.SetString(name)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			return key, fmt.Errorf("map key %q is not an integer", name)
		}
		key.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			return key, fmt.Errorf("map key %q is not an unsigned integer", name)
		}
		key.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(name, 64)
		if err != nil {
			return key, fmt.Errorf("map key %q is not a float", name)
		}
		key.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(name)
		if err != nil {
			return key, fmt.Errorf("map key %q is not a bool", name)
		}
		key.SetBool(b)
	default:
		return key, fmt.Errorf("unsupported map key type %s", keyType)
	}
	return key, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// ValuePreview renders a decoded tree as a bounded single line for logs,
// call listings and eval responses. Values past the hash limit collapse to a
// content hash marker so previews stay small no matter the payload.
func ValuePreview(n *encValue, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 256
	}
	var sb strings.Builder
	previewNode(&sb, n, maxLen)
	return limitStringSize(sb.String(), maxLen)
}

func previewNode(sb *strings.Builder, n *encValue, budget int) {
	if n == nil {
		sb.WriteString("<nil>")
		return
	}
	if sb.Len() > budget {
		return
	}
	switch n.Kind {
	case kindNil:
		sb.WriteString("nil")
	case kindBool, kindInt, kindUint, kindFloat:
		fmt.Fprint(sb, n.Value)
	case kindComplex:
		if arr, ok := n.Value.([2]float64); ok {
			fmt.Fprint(sb, complex(arr[0], arr[1]))
		}
	case kindString:
		s, _ := n.Value.(string)
		if len(s) > previewHashSizeLimit {
			sb.WriteString(hashPreview([]byte(s)))
		} else {
			sb.WriteString(strconv.Quote(s))
		}
	case kindBytes:
		b, _ := n.Value.([]byte)
		if len(b) > previewHashSizeLimit {
			sb.WriteString(hashPreview(b))
		} else {
			fmt.Fprintf(sb, "0x%x", b)
		}
	case kindSlice:
		sb.WriteByte('[')
		for i, c := range n.Children {
			if i > 0 {
				sb.WriteString(", ")
			}
			if sb.Len() > budget {
				sb.WriteString("…")
				break
			}
			previewNode(sb, c, budget)
		}
		if n.Truncated > 0 {
			fmt.Fprintf(sb, " …(%d more)", n.Truncated)
		}
		sb.WriteByte(']')
	case kindMap:
		sb.WriteByte('{')
		for i, c := range n.Children {
			if i > 0 {
				sb.WriteString(", ")
			}
			if sb.Len() > budget {
				sb.WriteString("…")
				break
			}
			sb.WriteString(c.Name)
			sb.WriteString(": ")
			previewNode(sb, c, budget)
		}
		if n.Truncated > 0 {
			fmt.Fprintf(sb, " …(%d more)", n.Truncated)
		}
		sb.WriteByte('}')
	case kindStruct:
		sb.WriteString(n.Type)
		sb.WriteByte('{')
		for i, c := range n.Children {
			if i > 0 {
				sb.WriteString(", ")
			}
			if sb.Len() > budget {
				sb.WriteString("…")
				break
			}
			sb.WriteString(c.Name)
			sb.WriteString(": ")
			previewNode(sb, c, budget)
		}
		sb.WriteByte('}')
	case kindRef:
		sb.WriteString("<ref:")
		sb.WriteString(cidFingerprint(n.Ref))
		sb.WriteByte('>')
	case kindMarker:
		fmt.Fprint(sb, n.Value)
	case kindPlaceholder:
		sb.WriteByte('<')
		sb.WriteString(n.Holder.Type)
		if n.Holder.Repr != "" {
			sb.WriteByte(' ')
			sb.WriteString(limitStringSize(n.Holder.Repr, 64))
		}
		sb.WriteByte('>')
	}
}

func hashPreview(data []byte) string {
	sum := sha512.Sum512(data)
	return HashValuePrefix + base91.StdEncoding.EncodeToString(sum[:20])
}
