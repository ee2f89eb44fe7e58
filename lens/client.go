package lens

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultServerPort is where a locally run server listens unless overridden.
const DefaultServerPort = 8999

const (
	defaultHTTPTimeout  = 10 * time.Second
	defaultPollInterval = time.Second
	defaultPollDeadline = 10 * time.Minute
	defaultLongPollMS   = 25_000
	// how many times a payload is resent after the server reports missing cids
	maxContentResend = 3
)

// DefaultServerURL is the server address clients use when ClientConfig leaves
// ServerURL empty. LENS_SERVER_PORT and LENS_SERVER_URL override it at startup.
var DefaultServerURL = fmt.Sprintf("http://127.0.0.1:%d", DefaultServerPort)

func init() {
	if val := os.Getenv("LENS_SERVER_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			panic(fmt.Sprintf("invalid LENS_SERVER_PORT value: %s", val))
		}
		DefaultServerURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	}
	if val := os.Getenv("LENS_SERVER_URL"); val != "" {
		DefaultServerURL = val
	}
}

// ClientConfig tunes one Client. The zero value is usable; empty fields take
// the defaults below.
type ClientConfig struct {
	ServerURL    string
	HTTPTimeout  time.Duration // per-request budget for everything except polls
	PollInterval time.Duration // retry spacing when a poll fails or returns early
	PollDeadline time.Duration // total pause budget before degrading to continue
	LongPollMS   int           // server-side block ceiling requested per poll
	CacheSize    int           // sent-cid cache entries
	CaptureStack bool
	Serialize    SerializeOptions
}

// DefaultClientConfig returns the standard configuration: local server,
// stacks captured, ten minute pause ceiling.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:    DefaultServerURL,
		HTTPTimeout:  defaultHTTPTimeout,
		PollInterval: defaultPollInterval,
		PollDeadline: defaultPollDeadline,
		LongPollMS:   defaultLongPollMS,
		CacheSize:    DefaultSentCacheSize,
		CaptureStack: true,
		Serialize:    DefaultSerializeOptions(),
	}
}

// Client drives the call debugging protocol for one process. All methods are
// safe for concurrent use. A disabled client adds no protocol traffic:
// intercepted calls run directly.
type Client struct {
	cfg       ClientConfig
	serverURL atomic.Pointer[string]
	http      *http.Client
	pollHTTP  *http.Client // longer timeout so server-side long polls can drain
	cache     *SentCache
	process   ProcessIdentity
	enabled   atomic.Bool
	missLimit *rate.Limiter

	registered   sync.Map // callable name -> struct{}
	replacements sync.Map // callable name -> reflect.Value
}

// NewClient builds a disabled client. Call Enable once interception should go
// live.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollDeadline <= 0 {
		cfg.PollDeadline = defaultPollDeadline
	}
	if cfg.LongPollMS <= 0 {
		cfg.LongPollMS = defaultLongPollMS
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultSentCacheSize
	}
	if cfg.Serialize.MaxDepth <= 0 {
		cfg.Serialize = DefaultSerializeOptions()
	}
	redirect := func(req *http.Request, via []*http.Request) error {
		return errors.New("redirect not allowed")
	}
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport:     http.DefaultTransport,
			CheckRedirect: redirect,
			Timeout:       cfg.HTTPTimeout,
		},
		pollHTTP: &http.Client{
			Transport:     http.DefaultTransport,
			CheckRedirect: redirect,
			Timeout:       time.Duration(cfg.LongPollMS)*time.Millisecond + cfg.HTTPTimeout,
		},
		cache:     NewSentCache(cfg.CacheSize),
		process:   LocalProcessIdentity(),
		missLimit: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	c.serverURL.Store(&cfg.ServerURL)
	return c
}

// ServerURL returns the address requests are sent to.
func (c *Client) ServerURL() string { return *c.serverURL.Load() }

// SetServerURL re-points the client at a different server. The registration
// record and sent-content cache are reset since the new server knows neither.
func (c *Client) SetServerURL(url string) {
	if url == "" {
		url = DefaultServerURL
	}
	if *c.serverURL.Swap(&url) == url {
		return
	}
	c.registered.Range(func(key, _ any) bool {
		c.registered.Delete(key)
		return true
	})
	c.cache.Clear()
}

// Enable turns interception on. While enabled, a failed protocol exchange
// fails the intercepted call rather than silently running it unobserved.
func (c *Client) Enable() { c.enabled.Store(true) }

// Disable turns interception off. In-flight calls finish their current
// protocol exchange; new calls run directly. The registration record is
// cleared so a later Enable re-announces every callable to the server.
func (c *Client) Disable() {
	c.enabled.Store(false)
	c.registered.Range(func(key, _ any) bool {
		c.registered.Delete(key)
		return true
	})
}

func (c *Client) Enabled() bool { return c.enabled.Load() }

// Process returns the identity this client announces to the server.
func (c *Client) Process() ProcessIdentity { return c.process }

// WrapFunc returns a function with the same type as fn that routes every
// invocation through the protocol. The result must be type-asserted back:
//
//	priced := client.WrapFunc("pricing.Quote", Quote).(func(Item) (Price, error))
//
// Panics if fn is not a function.
func (c *Client) WrapFunc(name string, fn any) any {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		panic(fmt.Sprintf("lens: WrapFunc %s: not a function", name))
	}
	fnType := fv.Type()
	wrapped := reflect.MakeFunc(fnType, func(in []reflect.Value) []reflect.Value {
		return c.Run(name, CallTypeInline, nil, fv, expandVariadic(fnType, in))
	})
	return wrapped.Interface()
}

// expandVariadic flattens the packed variadic slice MakeFunc hands us so the
// protocol sees the arguments a caller actually wrote.
func expandVariadic(fnType reflect.Type, in []reflect.Value) []reflect.Value {
	if !fnType.IsVariadic() || len(in) != fnType.NumIn() {
		return in
	}
	last := in[len(in)-1]
	out := make([]reflect.Value, 0, len(in)-1+last.Len())
	out = append(out, in[:len(in)-1]...)
	for i := 0; i < last.Len(); i++ {
		out = append(out, last.Index(i))
	}
	return out
}

// RegisterReplacement makes fn available to replace directives under the
// given name and announces it to the server so replacements can be validated
// against the callable they stand in for.
func (c *Client) RegisterReplacement(name string, fn any) error {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return &ProtocolError{Op: "register", Message: name + " is not a function"}
	}
	c.replacements.Store(name, fv)
	if c.enabled.Load() {
		c.ensureRegistered(name, CallTypeInline, fv.Type())
	}
	return nil
}

func (c *Client) lookupReplacement(name string) (reflect.Value, bool) {
	v, ok := c.replacements.Load(name)
	if !ok {
		return reflect.Value{}, false
	}
	return v.(reflect.Value), true
}

// Run executes one intercepted call through the full protocol cycle:
// serialize, call-start, apply the before directive (pausing on poll),
// invoke, call-complete, apply the after directive. The intercepted
// function's results are returned; panics from the callee or raise
// directives without an error slot re-panic after the cycle completes.
func (c *Client) Run(name, callType string, target any, fn reflect.Value, args []reflect.Value) []reflect.Value {
	inv, err := newInvocation(name, fn, target, args)
	if err != nil {
		panic(err)
	}
	if !c.enabled.Load() {
		inv.invoke()
		return finishInvocation(inv)
	}
	c.ensureRegistered(name, callType, inv.fnType)

	callID, action, err := c.callStart(inv, callType)
	if err != nil {
		return c.deliverFailure(inv, err)
	}
	if action, err = c.resolveAction(inv, action); err != nil {
		return c.deliverFailure(inv, err)
	}
	if err = applyBeforeAction(inv, action, c.lookupReplacement); err != nil {
		return c.deliverFailure(inv, err)
	}

	inv.invoke()

	after, err := c.callComplete(callID, inv)
	if err != nil {
		// the call already ran and its side effects stand, so deliver the
		// real outcome and surface the protocol failure in the log
		fmt.Printf("%sreporting completion of %s: %v\n", ErrorLogPrefix, name, err)
		return finishInvocation(inv)
	}
	if after, err = c.resolveAction(inv, after); err != nil {
		fmt.Printf("%sresolving after directive for %s: %v\n", ErrorLogPrefix, name, err)
		return finishInvocation(inv)
	}
	if err = applyAfterAction(inv, after); err != nil {
		fmt.Printf("%sapplying after directive for %s: %v\n", ErrorLogPrefix, name, err)
	}
	return finishInvocation(inv)
}

// finishInvocation re-raises a pending panic or returns the result set.
func finishInvocation(inv *invocation) []reflect.Value {
	if inv.panicVal != nil {
		panic(inv.panicVal)
	}
	return inv.results
}

// deliverFailure fails the intercepted call without running it: through the
// trailing error return when the signature has one, by panicking otherwise.
func (c *Client) deliverFailure(inv *invocation, err error) []reflect.Value {
	inv.skipped = true
	if n := inv.fnType.NumOut(); n > 0 && inv.fnType.Out(n-1) == errType {
		inv.results = zeroResults(inv.fnType)
		slot := reflect.New(errType).Elem()
		slot.Set(reflect.ValueOf(err))
		inv.results[n-1] = slot
		return inv.results
	}
	panic(err)
}

// ensureRegistered announces a callable to the server once. Failures are
// retried on the next call; a version rejection disables the client.
func (c *Client) ensureRegistered(name, callType string, fnType reflect.Type) {
	if _, seen := c.registered.LoadOrStore(name, struct{}{}); seen {
		return
	}
	req := &RegisterRequest{
		Name:          name,
		CallType:      callType,
		Signature:     fnType.String(),
		Arity:         fnType.NumIn(),
		Process:       c.process,
		ClientVersion: ProtocolVersion,
	}
	if err := c.postJSON(c.http, EndpointPathRegister, req, nil); err != nil {
		c.registered.Delete(name)
		if errors.Is(err, ErrVersionIncompatible) {
			c.Disable()
			fmt.Printf("%sserver rejected protocol version %s, disabling interception\n", ErrorLogPrefix, ProtocolVersion)
			return
		}
		fmt.Printf("%sregistering %s: %v\n", ErrorLogPrefix, name, err)
	}
}

func (c *Client) callStart(inv *invocation, callType string) (string, *CallAction, error) {
	req := &CallStartRequest{
		Name:      inv.name,
		CallType:  callType,
		Signature: inv.fnType.String(),
		Process:   c.process,
		TimeNano:  time.Now().UnixNano(),
		RespondAs: FormatMsgpack,
	}
	if c.cfg.CaptureStack {
		req.Stack = CaptureStack(3)
	}

	bundle := newPayloadBundle()
	if inv.target != nil {
		item, err := bundle.add(c.cfg.Serialize, inv.target)
		if err != nil {
			return "", nil, err
		}
		req.Target = item
	}
	req.Args = make([]PayloadItem, 0, len(inv.args))
	for _, a := range inv.args {
		var value any
		if a.CanInterface() {
			value = a.Interface()
		}
		item, err := bundle.add(c.cfg.Serialize, value)
		if err != nil {
			return "", nil, err
		}
		req.Args = append(req.Args, *item)
	}
	req.Extra = bundle.extras

	collect := func() []*PayloadItem {
		items := make([]*PayloadItem, 0, len(req.Args)+len(req.Extra)+1)
		if req.Target != nil {
			items = append(items, req.Target)
		}
		for i := range req.Args {
			items = append(items, &req.Args[i])
		}
		for i := range req.Extra {
			items = append(items, &req.Extra[i])
		}
		return items
	}

	var resp CallStartResponse
	if err := c.postPayload(EndpointPathCallStart, req, collect, bundle.data, &resp); err != nil {
		return "", nil, err
	}
	if resp.CallID == "" {
		return "", nil, &ProtocolError{Op: "call-start", Message: "server response missing call id"}
	}
	return resp.CallID, resp.Action, nil
}

func (c *Client) callComplete(callID string, inv *invocation) (*CallAction, error) {
	req := &CallCompleteRequest{
		CallID:   callID,
		TimeNano: time.Now().UnixNano(),
	}
	bundle := newPayloadBundle()
	if inv.failed() {
		req.Status = CallStatusException
		req.ExceptionType, req.ExceptionMessage = inv.exceptionInfo()
	} else {
		req.Status = CallStatusSuccess
		if value, ok := inv.resultValue(); ok {
			item, err := bundle.add(c.cfg.Serialize, value)
			if err != nil {
				return nil, err
			}
			req.Result = item
			req.Extra = bundle.extras
		}
	}

	collect := func() []*PayloadItem {
		items := make([]*PayloadItem, 0, len(req.Extra)+1)
		if req.Result != nil {
			items = append(items, req.Result)
		}
		for i := range req.Extra {
			items = append(items, &req.Extra[i])
		}
		return items
	}

	var resp CallCompleteResponse
	if err := c.postPayload(EndpointPathCallComplete, req, collect, bundle.data, &resp); err != nil {
		return nil, err
	}
	return resp.Action, nil
}

// resolveAction follows poll directives until a terminal directive arrives.
// nil and continue pass through untouched. An eval directive can ride back
// on a blocked start or complete response; it is answered in place and the
// pause polled for the real directive.
func (c *Client) resolveAction(inv *invocation, action *CallAction) (*CallAction, error) {
	for action != nil {
		switch action.Type {
		case ActionPoll:
			resolved, err := c.pollUntilResumed(inv, action)
			if err != nil {
				return nil, err
			}
			action = resolved
		case ActionEval:
			c.answerEval(inv, action.PauseID, action)
			action = &CallAction{Type: ActionPoll, PauseID: action.PauseID}
		default:
			return action, nil
		}
	}
	return action, nil
}

// pollUntilResumed blocks on the pause until the operator resumes it, the
// poll deadline lapses, or the server forgets the pause. The latter two
// degrade to continue so a lost operator can never wedge production calls.
// Eval directives are answered in place and polling resumes.
func (c *Client) pollUntilResumed(inv *invocation, pollAction *CallAction) (*CallAction, error) {
	interval := c.cfg.PollInterval
	if pollAction.PollIntervalMS > 0 {
		interval = time.Duration(pollAction.PollIntervalMS) * time.Millisecond
	}
	deadline := time.Now().Add(c.cfg.PollDeadline)
	req := &PollRequest{PauseID: pollAction.PauseID, WaitMS: c.cfg.LongPollMS}

	for {
		var resp PollResponse
		err := c.postJSON(c.pollHTTP, EndpointPathCallPoll, req, &resp)
		switch {
		case err != nil:
			if errors.Is(err, ErrUnknownPause) {
				fmt.Printf("%spause %s expired on the server, continuing %s\n", ErrorLogPrefix, pollAction.PauseID, inv.name)
				return &CallAction{Type: ActionContinue}, nil
			}
			if time.Now().After(deadline) {
				fmt.Printf("%spoll deadline exceeded for %s, continuing\n", ErrorLogPrefix, inv.name)
				return &CallAction{Type: ActionContinue}, nil
			}
			time.Sleep(interval)

		case resp.Status == PollStatusReady && resp.Action != nil:
			if resp.Action.Type == ActionEval {
				c.answerEval(inv, pollAction.PauseID, resp.Action)
				continue
			}
			return resp.Action, nil

		case resp.Status == PollStatusWaiting:
			// the server already blocked for WaitMS, loop straight back
			if time.Now().After(deadline) {
				fmt.Printf("%spoll deadline exceeded for %s, continuing\n", ErrorLogPrefix, inv.name)
				return &CallAction{Type: ActionContinue}, nil
			}

		default:
			return nil, &ProtocolError{Op: "call-poll", Message: "unexpected poll status " + resp.Status}
		}
	}
}

// answerEval evaluates an operator expression against the paused call and
// posts the result back. Evaluation failures travel as text, never as a
// protocol error: a bad expression must not break the pause.
func (c *Client) answerEval(inv *invocation, pauseID string, action *CallAction) {
	req := &EvalResultRequest{PauseID: pauseID, EvalID: action.EvalID}
	bundle := newPayloadBundle()

	value, err := EvaluatePath(evalContextFor(inv), action.Expr)
	if err != nil {
		req.Error = err.Error()
	} else if item, serr := bundle.add(c.cfg.Serialize, value); serr != nil {
		req.Error = serr.Error()
	} else {
		req.Value = item
		req.Extra = bundle.extras
		if node, derr := DecodeEncoded(*item, itemFetcher(bundle.extras)); derr == nil {
			req.Preview = ValuePreview(node, serializeMaxRepr)
		}
	}

	collect := func() []*PayloadItem {
		items := make([]*PayloadItem, 0, len(req.Extra)+1)
		if req.Value != nil {
			items = append(items, req.Value)
		}
		for i := range req.Extra {
			items = append(items, &req.Extra[i])
		}
		return items
	}
	if err := c.postPayload(EndpointPathCallEval, req, collect, bundle.data, nil); err != nil {
		fmt.Printf("%sdelivering eval result for pause %s: %v\n", ErrorLogPrefix, pauseID, err)
	}
}

// ReportMiss notifies the server of a failed lookup on a proxied target.
// Advisory and rate limited; never blocks or fails the caller.
func (c *Client) ReportMiss(name, targetType, reason string) {
	if !c.enabled.Load() || !c.missLimit.Allow() {
		return
	}
	req := &MissEventRequest{
		Name:       name,
		TargetType: targetType,
		Reason:     reason,
		Process:    c.process,
	}
	if err := c.postJSON(c.http, EndpointPathEventMiss, req, nil); err != nil {
		fmt.Printf("%sreporting miss on %s: %v\n", ErrorLogPrefix, name, err)
	}
}

// CheckMissing asks the server which of the given cids it lacks.
func (c *Client) CheckMissing(cids []string) ([]string, error) {
	var resp ContentCheckResponse
	if err := c.postJSON(c.http, EndpointPathContentCheck, &ContentCheckRequest{CIDs: cids}, &resp); err != nil {
		return nil, err
	}
	return resp.Missing, nil
}

// PushContent stores items server-side ahead of calls that will reference
// them. Every item must carry data.
func (c *Client) PushContent(items []PayloadItem) (int, error) {
	var resp ContentPutResponse
	if err := c.postJSON(c.http, EndpointPathContentPut, &ContentPutRequest{Items: items}, &resp); err != nil {
		return 0, err
	}
	return resp.Stored, nil
}

// payloadBundle accumulates serialized values for one request, deduplicating
// shared subtrees and remembering every cid's bytes for resends.
type payloadBundle struct {
	extras []PayloadItem
	data   map[string][]byte
}

func newPayloadBundle() *payloadBundle {
	return &payloadBundle{data: make(map[string][]byte)}
}

func (b *payloadBundle) add(opts SerializeOptions, value any) (*PayloadItem, error) {
	enc, err := Serialize(value, opts)
	if err != nil {
		return nil, err
	}
	for _, item := range enc.Extra {
		if _, ok := b.data[item.CID]; ok {
			continue
		}
		b.data[item.CID] = item.Data
		b.extras = append(b.extras, item)
	}
	b.data[enc.Root.CID] = enc.Root.Data
	root := enc.Root
	return &root, nil
}

// postPayload sends a request whose payload items may omit data the server
// already holds. When the server reports missing cids, those are evicted
// from the sent cache, their data reattached, and the request resent.
func (c *Client) postPayload(endpoint string, req any, collect func() []*PayloadItem, data map[string][]byte, out any) error {
	for attempt := 0; ; attempt++ {
		for _, item := range collect() {
			if c.cache.IsSent(item.CID) {
				item.Data = nil
			} else if len(item.Data) == 0 {
				item.Data = data[item.CID]
			}
		}
		err := c.postJSON(c.http, endpoint, req, out)
		if err == nil {
			for _, item := range collect() {
				c.cache.MarkSent(item.CID)
			}
			return nil
		}
		var missing *MissingContentError
		if errors.As(err, &missing) && attempt < maxContentResend {
			for _, cid := range missing.CIDs {
				c.cache.Evict(cid)
			}
			continue
		}
		return err
	}
}

// postJSON performs one request/response exchange, translating the error
// envelope into typed errors.
func (c *Client) postJSON(hc *http.Client, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &ProtocolError{Op: endpoint, Message: "encoding request", Err: err}
	}
	resp, err := hc.Post(c.ServerURL()+endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return decodeErrorResponse(endpoint, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Op: endpoint, Message: "decoding response", Err: err}
	}
	return nil
}

func decodeErrorResponse(endpoint string, resp *http.Response) error {
	var envelope ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil || envelope.Error == "" {
		return &ProtocolError{Op: endpoint, Message: fmt.Sprintf("server returned status %d", resp.StatusCode)}
	}
	switch envelope.Error {
	case ErrCodeCidNotFound:
		return &MissingContentError{CIDs: envelope.MissingCIDs}
	case ErrCodeUnknownPause:
		return &ProtocolError{Op: endpoint, Message: envelope.Message, Err: ErrUnknownPause}
	case ErrCodeAlreadyResumed:
		return &ProtocolError{Op: endpoint, Message: envelope.Message, Err: ErrAlreadyResumed}
	case ErrCodeUnknownCall:
		return &ProtocolError{Op: endpoint, Message: envelope.Message, Err: ErrUnknownCall}
	case ErrCodeVersionIncompatible:
		return &ProtocolError{Op: endpoint, Message: envelope.Message, Err: ErrVersionIncompatible}
	default:
		return &ProtocolError{Op: endpoint, Message: envelope.Error + ": " + envelope.Message}
	}
}
