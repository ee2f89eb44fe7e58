package lens

import (
	"bytes"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"
	"unsafe"

	"github.com/vmihailenco/msgpack/v5"
)

// Node kinds in the canonical encoded tree.
const (
	kindNil byte = iota
	kindBool
	kindInt
	kindUint
	kindFloat
	kindComplex
	kindString
	kindBytes
	kindSlice
	kindMap
	kindStruct
	kindRef         // decomposed subtree, R holds the CID
	kindMarker      // cycle or depth marker, V holds the marker string
	kindPlaceholder // unserializable value stand-in
)

const (
	// serializeMaxRepr bounds captured repr strings.
	serializeMaxRepr = 1024
	// serializeMaxElems bounds slice/array/map walks; dropped entries are
	// counted in the node's Truncated field.
	serializeMaxElems = 65536
)

// SerializeOptions tune the encode walk. The zero value is not usable;
// start from DefaultSerializeOptions.
type SerializeOptions struct {
	// MaxDepth bounds the encode walk, decomposition included.
	MaxDepth int
	// MaxPlaceholderDepth bounds the attribute walk inside placeholders,
	// independent of MaxDepth.
	MaxPlaceholderDepth int
	// MaxPlaceholderAttrs caps captured attributes per placeholder.
	MaxPlaceholderAttrs int
	// DecomposeLimit is the approximate encoded size at which a subtree is
	// stored as its own payload item and referenced by CID. Zero disables
	// decomposition.
	DecomposeLimit int
	// Strict surfaces a SerializationError instead of degrading to a
	// placeholder. Production interception leaves this off.
	Strict bool
}

// DefaultSerializeOptions returns the production defaults.
func DefaultSerializeOptions() SerializeOptions {
	return SerializeOptions{
		MaxDepth:            100,
		MaxPlaceholderDepth: 3,
		MaxPlaceholderAttrs: 100,
		DecomposeLimit:      64 * 1024,
	}
}

// encValue is one node of the canonical encoded tree. The tree is what gets
// marshaled, content-addressed, transmitted, stored, and decoded for
// display or modify directives.
type encValue struct {
	Kind      byte
	Type      string      // Go type string, empty for synthetic nodes
	Name      string      // struct field name or map key display, set on children
	Value     any         // bool, int64, uint64, float64, [2]float64, string, []byte
	Children  []*encValue // struct fields, slice elements, sorted map entries
	Ref       string      // CID of decomposed subtree (kindRef)
	Holder    *Placeholder
	Truncated int // entries dropped beyond serializeMaxElems
}

// Placeholder is the structured stand-in for a value that could not be
// serialized directly. Construction never fails: at the depth limit only
// the type identity and repr survive.
type Placeholder struct {
	Type      string
	PkgPath   string
	Repr      string
	Attrs     map[string]*encValue
	Failures  map[string]string
	Err       string
	Depth     int
	Truncated int // attributes dropped beyond the configured cap
}

// Encoded is the result of serializing one value: the root payload item and
// any decomposed subtrees it references.
type Encoded struct {
	Root  PayloadItem
	Extra []PayloadItem
}

// AllItems returns root plus extras, extras first so receivers can store
// referenced content before the referencing item.
func (e *Encoded) AllItems() []PayloadItem {
	out := make([]PayloadItem, 0, len(e.Extra)+1)
	out = append(out, e.Extra...)
	return append(out, e.Root)
}

// ReducerFunc converts a known-problematic value into a serializable
// replacement before the generic walk sees it.
type ReducerFunc func(v any) any

var (
	reducerMu  sync.RWMutex
	reducerReg = map[reflect.Type]ReducerFunc{}
)

// RegisterReducer installs a reduction strategy for one concrete type.
// Reducers run panic-guarded; a failing reducer degrades to a placeholder.
func RegisterReducer(t reflect.Type, fn ReducerFunc) {
	reducerMu.Lock()
	defer reducerMu.Unlock()
	reducerReg[t] = fn
}

func lookupReducer(t reflect.Type) (ReducerFunc, bool) {
	reducerMu.RLock()
	defer reducerMu.RUnlock()
	fn, ok := reducerReg[t]
	return fn, ok
}

func init() {
	RegisterReducer(reflect.TypeOf(time.Time{}), func(v any) any {
		return v.(time.Time).Format(time.RFC3339Nano)
	})
	RegisterReducer(reflect.TypeOf(time.Duration(0)), func(v any) any {
		return v.(time.Duration).String()
	})
}

// proxyCarrier is implemented by interception proxies so the serializer can
// encode the wrapped target directly instead of re-entering the protocol.
type proxyCarrier interface {
	proxiedTarget() any
}

// Serialize converts any value into a content-addressed payload. The default
// path never fails: values that cannot be encoded degrade to placeholders.
// Strict mode returns a SerializationError at the first degradation instead.
func Serialize(value any, opts SerializeOptions) (*Encoded, error) {
	enc := &treeEncoder{opts: opts}
	root := enc.walk("", reflect.ValueOf(value), 0, nil, "$")
	if enc.strictErr != nil {
		return nil, enc.strictErr
	}

	var extra []PayloadItem
	if opts.DecomposeLimit > 0 {
		var err error
		if extra, err = decomposeTree(root, opts.DecomposeLimit); err != nil {
			return nil, err
		}
	}
	data, err := marshalTree(root)
	if err != nil {
		return nil, err
	}
	return &Encoded{
		Root:  PayloadItem{CID: ComputeCID(data), Data: data, Format: FormatMsgpack},
		Extra: extra,
	}, nil
}

type treeEncoder struct {
	opts      SerializeOptions
	strictErr error
}

func (e *treeEncoder) fail(path string, cause error) {
	if e.opts.Strict && e.strictErr == nil {
		e.strictErr = &SerializationError{Path: path, Err: cause}
	}
}

// walk encodes a single value node. Mirrors of the same live object are
// detected through the visited map, scoped to one Serialize call.
func (e *treeEncoder) walk(name string, v reflect.Value, depth int, visited map[uintptr]string, parentPath string) (node *encValue) {
	valuePath := name
	if parentPath != "" {
		if name == "" {
			valuePath = parentPath
		} else {
			valuePath = parentPath + "." + name
		}
	}
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("encode panic: %v", r)
			e.fail(valuePath, cause)
			node = e.placeholderFor(name, v, 0, cause)
		}
	}()

	// Self-referential pointers are caught before unwrapping.
	if v.IsValid() && v.Kind() == reflect.Pointer && !v.IsNil() {
		if visited == nil {
			visited = make(map[uintptr]string)
		}
		addr := v.Pointer()
		if cyclePath, ok := visited[addr]; ok {
			return &encValue{Kind: kindMarker, Type: v.Type().String(), Name: name, Value: "<cycle:" + cyclePath + ">"}
		}
		visited[addr] = valuePath
	}

	// Unwrap interfaces and pointers. Proxies unwrap to their target so a
	// wrapped dependency serializes as the dependency itself.
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return &encValue{Kind: kindNil, Type: v.Type().String(), Name: name}
		}
		if v.CanInterface() {
			if pc, ok := v.Interface().(proxyCarrier); ok {
				v = reflect.ValueOf(pc.proxiedTarget())
				continue
			}
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return &encValue{Kind: kindNil, Name: name}
	}
	if depth >= e.opts.MaxDepth {
		return &encValue{Kind: kindMarker, Type: v.Type().String(), Name: name, Value: "<max-depth>"}
	}

	vType := v.Type()
	if v.CanInterface() {
		if pc, ok := v.Interface().(proxyCarrier); ok {
			return e.walk(name, reflect.ValueOf(pc.proxiedTarget()), depth, visited, parentPath)
		}
		if reducer, ok := lookupReducer(vType); ok {
			return e.reduceValue(name, v, vType, depth, visited, parentPath, reducer)
		}
	}

	vKind := v.Kind()

	// nil checks for the remaining nilable kinds
	switch vKind {
	case reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return &encValue{Kind: kindNil, Type: vType.String(), Name: name}
		}
	}

	// cycle detection for reference kinds
	switch vKind {
	case reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if visited == nil {
			visited = make(map[uintptr]string)
		}
		addr := v.Pointer()
		if cyclePath, ok := visited[addr]; ok {
			return &encValue{Kind: kindMarker, Type: vType.String(), Name: name, Value: "<cycle:" + cyclePath + ">"}
		}
		visited[addr] = valuePath
	}

	switch vKind {
	case reflect.Bool:
		return &encValue{Kind: kindBool, Type: vType.String(), Name: name, Value: v.Bool()}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &encValue{Kind: kindInt, Type: vType.String(), Name: name, Value: v.Int()}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return &encValue{Kind: kindUint, Type: vType.String(), Name: name, Value: v.Uint()}

	case reflect.Float32, reflect.Float64:
		return &encValue{Kind: kindFloat, Type: vType.String(), Name: name, Value: v.Float()}

	case reflect.Complex64, reflect.Complex128:
		c := v.Complex()
		return &encValue{Kind: kindComplex, Type: vType.String(), Name: name, Value: [2]float64{real(c), imag(c)}}

	case reflect.String:
		return &encValue{Kind: kindString, Type: vType.String(), Name: name, Value: v.String()}

	case reflect.Slice, reflect.Array:
		return e.walkSequence(name, v, vType, depth, visited, valuePath)

	case reflect.Map:
		return e.walkMap(name, v, vType, depth, visited, valuePath)

	case reflect.Struct:
		return e.walkStruct(name, v, vType, depth, visited, valuePath)

	case reflect.Func:
		fnName := ""
		if pc := v.Pointer(); pc != 0 {
			if fn := runtime.FuncForPC(pc); fn != nil {
				fnName = fn.Name()
			}
		}
		return e.placeholderFor(name, v, 0, fmt.Errorf("func values have no serialized form"), fnName)

	case reflect.Chan:
		return e.placeholderFor(name, v, 0, fmt.Errorf("chan values have no serialized form"))

	default:
		return e.placeholderFor(name, v, 0, fmt.Errorf("unsupported kind %s", vKind))
	}
}

func (e *treeEncoder) reduceValue(name string, v reflect.Value, vType reflect.Type, depth int, visited map[uintptr]string, parentPath string, reducer ReducerFunc) (node *encValue) {
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("reducer panic: %v", r)
			e.fail(parentPath+"."+name, cause)
			node = e.placeholderFor(name, v, 0, cause)
		}
	}()
	reduced := e.walk(name, reflect.ValueOf(reducer(v.Interface())), depth, visited, parentPath)
	reduced.Type = vType.String() // the reduced node keeps the original identity
	return reduced
}

func (e *treeEncoder) walkSequence(name string, v reflect.Value, vType reflect.Type, depth int, visited map[uintptr]string, valuePath string) *encValue {
	// byte sequences encode as a single leaf: string when valid UTF-8 text,
	// raw bytes otherwise
	if vType.Elem().Kind() == reflect.Uint8 {
		var data []byte
		if v.Kind() == reflect.Slice {
			data = append([]byte(nil), v.Bytes()...)
		} else {
			data = make([]byte, v.Len())
			for i := 0; i < v.Len(); i++ {
				data[i] = byte(v.Index(i).Uint())
			}
		}
		if utf8.Valid(data) {
			return &encValue{Kind: kindString, Type: vType.String(), Name: name, Value: string(data)}
		}
		return &encValue{Kind: kindBytes, Type: vType.String(), Name: name, Value: data}
	}

	length := v.Len()
	truncated := 0
	if length > serializeMaxElems {
		truncated = length - serializeMaxElems
		length = serializeMaxElems
	}
	children := make([]*encValue, length)
	for i := 0; i < length; i++ {
		children[i] = e.walk("["+strconv.Itoa(i)+"]", v.Index(i), depth+1, visited, valuePath)
	}
	return &encValue{Kind: kindSlice, Type: vType.String(), Name: name, Children: children, Truncated: truncated}
}

func (e *treeEncoder) walkMap(name string, v reflect.Value, vType reflect.Type, depth int, visited map[uintptr]string, valuePath string) *encValue {
	keys := v.MapKeys()
	// Sorted keys keep the encoding canonical: equal maps must always
	// produce equal bytes or content addressing falls apart.
	sort.Slice(keys, func(i, j int) bool { return compareReflectValue(keys[i], keys[j]) < 0 })

	length := len(keys)
	truncated := 0
	if length > serializeMaxElems {
		truncated = length - serializeMaxElems
		length = serializeMaxElems
	}
	children := make([]*encValue, 0, length)
	for i := 0; i < length; i++ {
		k := keys[i]
		children = append(children, e.walk(fmt.Sprint(k.Interface()), v.MapIndex(k), depth+1, visited, valuePath))
	}
	return &encValue{Kind: kindMap, Type: vType.String(), Name: name, Children: children, Truncated: truncated}
}

func (e *treeEncoder) walkStruct(name string, v reflect.Value, vType reflect.Type, depth int, visited map[uintptr]string, valuePath string) *encValue {
	// addressability is required for unexported field access
	if !v.CanAddr() {
		tmp := reflect.New(vType).Elem()
		tmp.Set(v)
		v = tmp
	}
	numFields := v.NumField()
	children := make([]*encValue, 0, numFields)
	for i := 0; i < numFields; i++ {
		sf := vType.Field(i)
		fv := v.Field(i)
		if !fv.CanInterface() {
			fv = reflect.NewAt(fv.Type(), unsafe.Pointer(fv.UnsafeAddr())).Elem()
		}
		children = append(children, e.walk(sf.Name, fv, depth+1, visited, valuePath))
	}
	return &encValue{Kind: kindStruct, Type: vType.String(), Name: name, Children: children}
}

// placeholderFor builds the degradation stand-in. It must never fail itself:
// every sub-step is guarded, and at the depth limit only type and repr remain.
func (e *treeEncoder) placeholderFor(name string, v reflect.Value, holderDepth int, cause error, reprOverride ...string) *encValue {
	h := &Placeholder{Depth: holderDepth}
	if cause != nil {
		h.Err = cause.Error()
	}
	if v.IsValid() {
		t := v.Type()
		h.Type = t.String()
		h.PkgPath = t.PkgPath()
		if len(reprOverride) > 0 && reprOverride[0] != "" {
			h.Repr = limitStringSize(reprOverride[0], serializeMaxRepr)
		} else {
			h.Repr = safeRepr(v)
		}
		if holderDepth < e.opts.MaxPlaceholderDepth {
			e.captureAttrs(h, v, holderDepth)
		}
	} else {
		h.Type = "invalid"
	}
	return &encValue{Kind: kindPlaceholder, Type: h.Type, Name: name, Holder: h}
}

// captureAttrs walks a failed struct's fields individually so one bad
// attribute does not cost the rest of the snapshot.
func (e *treeEncoder) captureAttrs(h *Placeholder, v reflect.Value, holderDepth int) {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Struct {
		return
	}
	if !v.CanAddr() {
		tmp := reflect.New(v.Type()).Elem()
		tmp.Set(v)
		v = tmp
	}

	vType := v.Type()
	numFields := v.NumField()
	for i := 0; i < numFields; i++ {
		sf := vType.Field(i)
		if len(h.Attrs) >= e.opts.MaxPlaceholderAttrs {
			h.Truncated = numFields - i
			break
		}
		fv := v.Field(i)
		if !fv.CanInterface() {
			if !fv.CanAddr() {
				e.attrFailure(h, sf.Name, "unreadable unexported field")
				continue
			}
			fv = reflect.NewAt(fv.Type(), unsafe.Pointer(fv.UnsafeAddr())).Elem()
		}
		e.captureAttr(h, sf.Name, fv, holderDepth)
	}
}

func (e *treeEncoder) captureAttr(h *Placeholder, name string, fv reflect.Value, holderDepth int) {
	defer func() {
		if r := recover(); r != nil {
			e.attrFailure(h, name, fmt.Sprintf("capture panic: %v", r))
		}
	}()

	inner := &treeEncoder{opts: e.opts} // attribute capture never trips strict mode
	var node *encValue
	switch fv.Kind() {
	case reflect.Func, reflect.Chan:
		node = inner.placeholderFor(name, fv, holderDepth+1, fmt.Errorf("%s values have no serialized form", fv.Kind()))
	default:
		node = inner.walk(name, fv, e.opts.MaxDepth-e.opts.MaxPlaceholderDepth+holderDepth, nil, "")
	}
	if h.Attrs == nil {
		h.Attrs = make(map[string]*encValue)
	}
	h.Attrs[name] = node
}

func (e *treeEncoder) attrFailure(h *Placeholder, name, reason string) {
	if h.Failures == nil {
		h.Failures = make(map[string]string)
	}
	h.Failures[name] = reason
}

// safeRepr renders a bounded display string without letting a panicking
// String or Format implementation escape.
func safeRepr(v reflect.Value) (repr string) {
	defer func() {
		if r := recover(); r != nil {
			repr = "<repr failed: " + limitStringSize(fmt.Sprint(r), 128) + ">"
		}
	}()
	if !v.CanInterface() {
		return "<" + v.Type().String() + ">"
	}
	return limitStringSize(fmt.Sprintf("%+v", v.Interface()), serializeMaxRepr)
}

func limitStringSize(s string, maxLen int) string {
	if len(s) > maxLen {
		s = s[:maxLen] + "…(" + strconv.Itoa(len(s)-maxLen) + " more)"
	}
	return s
}

// compareReflectValue orders two reflect values of the same type, used to
// sort map keys for canonical encoding.
func compareReflectValue(a, b reflect.Value) int {
	switch a.Kind() {
	case reflect.String:
		as, bs := a.String(), b.String()
		if as < bs {
			return -1
		} else if as > bs {
			return 1
		}
		return 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		ai, bi := a.Int(), b.Int()
		if ai < bi {
			return -1
		} else if ai > bi {
			return 1
		}
		return 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		au, bu := a.Uint(), b.Uint()
		if au < bu {
			return -1
		} else if au > bu {
			return 1
		}
		return 0
	case reflect.Float32, reflect.Float64:
		af, bf := a.Float(), b.Float()
		if af < bf {
			return -1
		} else if af > bf {
			return 1
		}
		return 0
	case reflect.Bool:
		if a.Bool() == b.Bool() {
			return 0
		} else if b.Bool() {
			return -1
		}
		return 1
	case reflect.Complex64, reflect.Complex128:
		ac, bc := a.Complex(), b.Complex()
		if ar, br := real(ac), real(bc); ar < br {
			return -1
		} else if ar > br {
			return 1
		}
		if ai, bi := imag(ac), imag(bc); ai < bi {
			return -1
		} else if ai > bi {
			return 1
		}
		return 0
	case reflect.Pointer, reflect.UnsafePointer, reflect.Chan:
		ap, bp := a.Pointer(), b.Pointer()
		if ap < bp {
			return -1
		} else if ap > bp {
			return 1
		}
		return 0
	case reflect.Array:
		for i := 0; i < a.Len(); i++ {
			if c := compareReflectValue(a.Index(i), b.Index(i)); c != 0 {
				return c
			}
		}
		return 0
	case reflect.Struct:
		for i := 0; i < a.NumField(); i++ {
			if c := compareReflectValue(a.Field(i), b.Field(i)); c != 0 {
				return c
			}
		}
		return 0
	case reflect.Interface:
		if a.IsNil() && b.IsNil() {
			return 0
		} else if a.IsNil() {
			return -1
		} else if b.IsNil() {
			return 1
		}
		if a.Elem().Type() != b.Elem().Type() {
			at, bt := a.Elem().Type().String(), b.Elem().Type().String()
			if at < bt {
				return -1
			} else if at > bt {
				return 1
			}
			return 0
		}
		return compareReflectValue(a.Elem(), b.Elem())
	default:
		as, bs := fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface())
		if as < bs {
			return -1
		} else if as > bs {
			return 1
		}
		return 0
	}
}

// decomposeTree detaches subtrees whose approximate encoded size exceeds the
// limit, replacing each with a ref node so shared substructure deduplicates
// under its own CID. Sizes are computed bottom-up so nested large values
// detach before their parents are measured.
func decomposeTree(root *encValue, limit int) ([]PayloadItem, error) {
	var extra []PayloadItem
	var sizeOf func(n *encValue, isRoot bool) (int, error)
	sizeOf = func(n *encValue, isRoot bool) (int, error) {
		size := 16 + len(n.Type) + len(n.Name)
		switch val := n.Value.(type) {
		case string:
			size += len(val)
		case []byte:
			size += len(val)
		case nil:
		default:
			size += 8
		}
		for _, c := range n.Children {
			cs, err := sizeOf(c, false)
			if err != nil {
				return 0, err
			}
			size += cs
		}
		if n.Holder != nil {
			size += len(n.Holder.Repr) + len(n.Holder.Err) + len(n.Holder.Type)
			for name, attr := range n.Holder.Attrs {
				as, err := sizeOf(attr, false)
				if err != nil {
					return 0, err
				}
				size += len(name) + as
			}
			for name, reason := range n.Holder.Failures {
				size += len(name) + len(reason)
			}
		}

		if !isRoot && size > limit {
			detached := &encValue{
				Kind:      n.Kind,
				Type:      n.Type,
				Value:     n.Value,
				Children:  n.Children,
				Holder:    n.Holder,
				Truncated: n.Truncated,
			}
			data, err := marshalTree(detached)
			if err != nil {
				return 0, err
			}
			cid := ComputeCID(data)
			extra = append(extra, PayloadItem{CID: cid, Data: data, Format: FormatMsgpack})
			n.Kind = kindRef
			n.Ref = cid
			n.Value = nil
			n.Children = nil
			n.Holder = nil
			n.Truncated = 0
			return 16 + len(n.Type) + len(n.Name) + CIDHexLen, nil
		}
		return size, nil
	}
	if _, err := sizeOf(root, true); err != nil {
		return nil, err
	}
	return extra, nil
}

// Wire form of the encoded tree. Type names, field names and failure strings
// repeat constantly across a tree, so they are indexed through a message
// string table (index+1; zero means absent).
type wireNode struct {
	K byte        `msgpack:"k"`
	T int         `msgpack:"t,omitempty"`
	N int         `msgpack:"n,omitempty"`
	V any         `msgpack:"v,omitempty"`
	C []*wireNode `msgpack:"c,omitempty"`
	R string      `msgpack:"r,omitempty"`
	X int         `msgpack:"x,omitempty"`
	P *wireHolder `msgpack:"p,omitempty"`
}

type wireHolder struct {
	T int         `msgpack:"t,omitempty"`
	M int         `msgpack:"m,omitempty"`
	R string      `msgpack:"r,omitempty"`
	A []*wireNode `msgpack:"a,omitempty"`
	F []wireFail  `msgpack:"f,omitempty"`
	E string      `msgpack:"e,omitempty"`
	D int         `msgpack:"d,omitempty"`
	X int         `msgpack:"x,omitempty"`
}

type wireFail struct {
	N int `msgpack:"n"`
	R int `msgpack:"r"`
}

type wireTree struct {
	Node    *wireNode `msgpack:"v"`
	Strings []string  `msgpack:"s,omitempty"`
}

type stringTable struct {
	strings []string
	index   map[string]int
}

func (st *stringTable) ref(s string) int {
	if s == "" {
		return 0
	}
	if st.index == nil {
		st.index = make(map[string]int)
	}
	if pos, ok := st.index[s]; ok {
		return pos + 1
	}
	pos := len(st.strings)
	st.index[s] = pos
	st.strings = append(st.strings, s)
	return pos + 1
}

func (st *stringTable) lookup(idx int) string {
	if idx <= 0 || idx > len(st.strings) {
		return ""
	}
	return st.strings[idx-1]
}

// marshalTree produces the canonical bytes for one encoded tree. The same
// tree always yields the same bytes: maps were sorted during the walk, and
// placeholder attrs/failures are sorted here.
func marshalTree(root *encValue) ([]byte, error) {
	st := &stringTable{}
	wireRoot := toWireNode(root, st)

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	var buf bytes.Buffer
	enc.Reset(&buf)
	if err := enc.Encode(wireTree{Node: wireRoot, Strings: st.strings}); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func toWireNode(n *encValue, st *stringTable) *wireNode {
	w := &wireNode{
		K: n.Kind,
		T: st.ref(n.Type),
		N: st.ref(n.Name),
		V: n.Value,
		R: n.Ref,
		X: n.Truncated,
	}
	if len(n.Children) > 0 {
		w.C = make([]*wireNode, len(n.Children))
		for i, c := range n.Children {
			w.C[i] = toWireNode(c, st)
		}
	}
	if n.Holder != nil {
		h := &wireHolder{
			T: st.ref(n.Holder.Type),
			M: st.ref(n.Holder.PkgPath),
			R: n.Holder.Repr,
			E: n.Holder.Err,
			D: n.Holder.Depth,
			X: n.Holder.Truncated,
		}
		if len(n.Holder.Attrs) > 0 {
			names := make([]string, 0, len(n.Holder.Attrs))
			for name := range n.Holder.Attrs {
				names = append(names, name)
			}
			sort.Strings(names)
			h.A = make([]*wireNode, 0, len(names))
			for _, name := range names {
				attr := toWireNode(n.Holder.Attrs[name], st)
				attr.N = st.ref(name)
				h.A = append(h.A, attr)
			}
		}
		if len(n.Holder.Failures) > 0 {
			names := make([]string, 0, len(n.Holder.Failures))
			for name := range n.Holder.Failures {
				names = append(names, name)
			}
			sort.Strings(names)
			h.F = make([]wireFail, 0, len(names))
			for _, name := range names {
				h.F = append(h.F, wireFail{N: st.ref(name), R: st.ref(n.Holder.Failures[name])})
			}
		}
		w.P = h
	}
	return w
}

// unmarshalTree decodes canonical bytes back into an encoded tree.
func unmarshalTree(data []byte) (*encValue, error) {
	var wt wireTree
	if err := msgpack.Unmarshal(data, &wt); err != nil {
		return nil, err
	}
	if wt.Node == nil {
		return nil, fmt.Errorf("encoded tree missing root node")
	}
	st := &stringTable{strings: wt.Strings}
	return fromWireNode(wt.Node, st)
}

func fromWireNode(w *wireNode, st *stringTable) (*encValue, error) {
	n := &encValue{
		Kind:      w.K,
		Type:      st.lookup(w.T),
		Name:      st.lookup(w.N),
		Value:     normalizeWireValue(w.K, w.V),
		Ref:       w.R,
		Truncated: w.X,
	}
	if len(w.C) > 0 {
		n.Children = make([]*encValue, len(w.C))
		for i, c := range w.C {
			child, err := fromWireNode(c, st)
			if err != nil {
				return nil, err
			}
			n.Children[i] = child
		}
	}
	if w.P != nil {
		h := &Placeholder{
			Type:      st.lookup(w.P.T),
			PkgPath:   st.lookup(w.P.M),
			Repr:      w.P.R,
			Err:       w.P.E,
			Depth:     w.P.D,
			Truncated: w.P.X,
		}
		if len(w.P.A) > 0 {
			h.Attrs = make(map[string]*encValue, len(w.P.A))
			for _, attr := range w.P.A {
				node, err := fromWireNode(attr, st)
				if err != nil {
					return nil, err
				}
				h.Attrs[node.Name] = node
			}
		}
		if len(w.P.F) > 0 {
			h.Failures = make(map[string]string, len(w.P.F))
			for _, f := range w.P.F {
				h.Failures[st.lookup(f.N)] = st.lookup(f.R)
			}
		}
		n.Holder = h
	}
	return n, nil
}

// normalizeWireValue maps msgpack's decoded scalar types back onto the
// canonical in-memory forms. Zero scalars are omitted on the wire, so nil
// restores to the kind's zero value.
func normalizeWireValue(kind byte, v any) any {
	if v == nil {
		switch kind {
		case kindBool:
			return false
		case kindInt:
			return int64(0)
		case kindUint:
			return uint64(0)
		case kindFloat:
			return float64(0)
		case kindComplex:
			return [2]float64{}
		case kindString:
			return ""
		case kindBytes:
			return []byte{}
		}
		return nil
	}
	switch kind {
	case kindInt:
		switch n := v.(type) {
		case int64:
			return n
		case int8:
			return int64(n)
		case int16:
			return int64(n)
		case int32:
			return int64(n)
		case int:
			return int64(n)
		case uint64:
			return int64(n)
		case uint32:
			return int64(n)
		case uint16:
			return int64(n)
		case uint8:
			return int64(n)
		}
	case kindUint:
		switch n := v.(type) {
		case uint64:
			return n
		case uint32:
			return uint64(n)
		case uint16:
			return uint64(n)
		case uint8:
			return uint64(n)
		case int64:
			return uint64(n)
		case int32:
			return uint64(n)
		case int16:
			return uint64(n)
		case int8:
			return uint64(n)
		case int:
			return uint64(n)
		}
	case kindFloat:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int64:
			return float64(n)
		case uint64:
			return float64(n)
		}
	case kindComplex:
		if arr, ok := v.([]any); ok && len(arr) == 2 {
			re, _ := arr[0].(float64)
			im, _ := arr[1].(float64)
			return [2]float64{re, im}
		}
	case kindBytes:
		if b, ok := v.([]byte); ok {
			return b
		}
		if s, ok := v.(string); ok {
			return []byte(s)
		}
	}
	return v
}
