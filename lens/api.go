package lens

// Endpoint paths for the call debugging protocol. The /lens.1 prefix versions
// the wire contract; incompatible changes bump the prefix.
const (
	// client endpoints
	EndpointPathCallStart    = "/lens.1/call/start"
	EndpointPathCallComplete = "/lens.1/call/complete"
	EndpointPathCallPoll     = "/lens.1/call/poll"
	EndpointPathCallEval     = "/lens.1/call/eval"
	EndpointPathRegister     = "/lens.1/register"
	EndpointPathEventMiss    = "/lens.1/event/miss"
	EndpointPathContentCheck = "/lens.1/content/check"
	EndpointPathContentPut   = "/lens.1/content/put"
	// operator endpoints
	EndpointPathBreakpointSet     = "/lens.1/breakpoint/set"
	EndpointPathBreakpointRemove  = "/lens.1/breakpoint/remove"
	EndpointPathBreakpointDefault = "/lens.1/breakpoint/default"
	EndpointPathBreakpointReplace = "/lens.1/breakpoint/replace"
	EndpointPathBreakpointList    = "/lens.1/breakpoint/list"
	EndpointPathPausedList        = "/lens.1/paused/list"
	EndpointPathPausedResume      = "/lens.1/paused/resume"
	EndpointPathPausedEval        = "/lens.1/paused/eval"
	EndpointPathCallsList         = "/lens.1/calls/list"
	EndpointPathCallsGet          = "/lens.1/calls/get"
	EndpointPathStats             = "/lens.1/stats"
)

// ProtocolVersion is announced by clients at registration. The server rejects
// clients whose major version is below the current major.
const ProtocolVersion = "v1.0.0"

// Payload serialization formats. The Go client always produces msgpack;
// json is accepted from clients in other languages and stored as-is.
const (
	FormatMsgpack = "msgpack"
	FormatJSON    = "json"
)

// Call type tags distinguishing how a call was intercepted.
const (
	CallTypeProxy  = "proxy"
	CallTypeInline = "inline"
)

// CallStatus describes the lifecycle state of a call record.
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusSuccess   CallStatus = "success"
	CallStatusException CallStatus = "exception"
)

// ActionType enumerates the server directives a client must handle.
type ActionType string

const (
	ActionContinue ActionType = "continue"
	ActionModify   ActionType = "modify"
	ActionSkip     ActionType = "skip"
	ActionReplace  ActionType = "replace"
	ActionRaise    ActionType = "raise"
	ActionPoll     ActionType = "poll"
	ActionEval     ActionType = "eval" // non-terminal, only delivered through poll
)

// Behavior values configure breakpoints. Before a call: stop, go, yield.
// After a call additionally: exception, stop_exception.
type Behavior string

const (
	BehaviorStop          Behavior = "stop"
	BehaviorGo            Behavior = "go"
	BehaviorYield         Behavior = "yield"
	BehaviorException     Behavior = "exception"
	BehaviorStopException Behavior = "stop_exception"
)

// Error codes carried in the ErrorResponse envelope.
const (
	ErrCodeCidNotFound         = "cid_not_found"
	ErrCodeCidMismatch         = "cid_mismatch"
	ErrCodeUnknownPause        = "unknown_pause"
	ErrCodeAlreadyResumed      = "already_resumed"
	ErrCodeUnknownCall         = "unknown_call"
	ErrCodeSignatureMismatch   = "signature_mismatch"
	ErrCodeBadRequest          = "bad_request"
	ErrCodeVersionIncompatible = "version_incompatible"
)

// PayloadItem transmits one content-addressed value. Data is omitted when the
// sender believes the receiver already holds the CID; the receiver must hash
// and verify Data whenever it is present.
type PayloadItem struct {
	CID    string `json:"cid"`
	Data   []byte `json:"data,omitempty"`
	Format string `json:"fmt"`
}

// ProcessIdentity disambiguates client processes, including PID reuse over time.
type ProcessIdentity struct {
	PID       int    `json:"pid"`
	StartNano int64  `json:"start"` // process start, unixnano
	Host      string `json:"host,omitempty"`
}

// StackFrame holds a single frame from the intercepted call site.
type StackFrame struct {
	File     string `json:"fi" msgpack:"f"`
	Function string `json:"fu" msgpack:"n"`
	Line     uint   `json:"l" msgpack:"l"`
}

// CallAction is the server's directive for how a call should proceed.
type CallAction struct {
	Type ActionType `json:"type"`
	// modify: replacement positional arguments; kwargs for non-Go clients
	Args   []PayloadItem          `json:"args,omitempty"`
	Kwargs map[string]PayloadItem `json:"kwargs,omitempty"`
	// skip: the fabricated result
	Result *PayloadItem `json:"result,omitempty"`
	// decomposed subtrees referenced by the items above
	Extra []PayloadItem `json:"extra,omitempty"`
	// replace: name of the registered callable to run instead
	Replacement string `json:"replacement,omitempty"`
	// raise: exception identity
	ExceptionType    string `json:"exc_type,omitempty"`
	ExceptionMessage string `json:"exc_msg,omitempty"`
	// poll: where and how to wait for the eventual directive
	PauseID        string `json:"pause_id,omitempty"`
	PollIntervalMS int    `json:"poll_ms,omitempty"`
	// eval: expression relayed to the paused process
	Expr   string `json:"expr,omitempty"`
	EvalID string `json:"eval_id,omitempty"`
}

// CallStartRequest begins the protocol cycle for one intercepted call.
type CallStartRequest struct {
	Name      string                 `json:"name"`
	CallType  string                 `json:"call_type"`
	Signature string                 `json:"sig,omitempty"`
	Target    *PayloadItem           `json:"target,omitempty"`
	Args      []PayloadItem          `json:"args"`
	Kwargs    map[string]PayloadItem `json:"kwargs,omitempty"`
	// Extra carries decomposed subtrees referenced by the items above.
	Extra     []PayloadItem   `json:"extra,omitempty"`
	Stack     []StackFrame    `json:"stack,omitempty"`
	Process   ProcessIdentity `json:"process"`
	TimeNano  int64           `json:"time"`
	RespondAs string          `json:"respond_as,omitempty"` // preferred action payload format
}

// CallStartResponse delivers the call ID and the initial directive.
type CallStartResponse struct {
	CallID string      `json:"call_id"`
	Action *CallAction `json:"action"`
}

// CallCompleteRequest reports the outcome of an executed (or skipped) call.
type CallCompleteRequest struct {
	CallID           string        `json:"call_id"`
	Status           CallStatus    `json:"status"`
	Result           *PayloadItem  `json:"result,omitempty"`
	Extra            []PayloadItem `json:"extra,omitempty"`
	ExceptionType    string        `json:"exc_type,omitempty"`
	ExceptionMessage string        `json:"exc_msg,omitempty"`
	TimeNano         int64         `json:"time"`
}

// CallCompleteResponse may carry a further directive when an after-behavior pauses.
type CallCompleteResponse struct {
	Action *CallAction `json:"action,omitempty"`
}

// PollRequest asks whether a paused call has been resumed.
type PollRequest struct {
	PauseID string `json:"pause_id"`
	WaitMS  int    `json:"wait_ms,omitempty"` // server-side block ceiling for this request
}

// Poll status values.
const (
	PollStatusWaiting = "waiting"
	PollStatusReady   = "ready"
)

// PollResponse resolves a poll: waiting, or ready with the directive.
type PollResponse struct {
	Status string      `json:"status"`
	Action *CallAction `json:"action,omitempty"`
}

// EvalResultRequest returns an expression evaluation from the paused process.
type EvalResultRequest struct {
	PauseID string        `json:"pause_id"`
	EvalID  string        `json:"eval_id"`
	Value   *PayloadItem  `json:"value,omitempty"`
	Extra   []PayloadItem `json:"extra,omitempty"`
	Preview string        `json:"preview,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// RegisterRequest announces a callable once per (name, target identity) pair.
type RegisterRequest struct {
	Name          string          `json:"name"`
	CallType      string          `json:"call_type"`
	Signature     string          `json:"sig"`
	Arity         int             `json:"arity"`
	Process       ProcessIdentity `json:"process"`
	ClientVersion string          `json:"client_version"`
}

// MissEventRequest reports a failed attribute/method lookup on a proxy target.
type MissEventRequest struct {
	Name       string          `json:"name"`
	TargetType string          `json:"target_type"`
	Reason     string          `json:"reason"`
	Process    ProcessIdentity `json:"process"`
}

// ContentCheckRequest asks which of the given CIDs the server lacks.
type ContentCheckRequest struct {
	CIDs []string `json:"cids"`
}

// ContentCheckResponse lists the subset of requested CIDs not in the store.
type ContentCheckResponse struct {
	Missing []string `json:"missing"`
}

// ContentPutRequest stores payload items; every item must include data.
type ContentPutRequest struct {
	Items []PayloadItem `json:"items"`
}

// ContentPutResponse reports how many items were newly stored.
type ContentPutResponse struct {
	Stored int `json:"stored"`
}

// BreakpointSetRequest creates or updates the breakpoint for one function.
type BreakpointSetRequest struct {
	Name   string   `json:"name"`
	Before Behavior `json:"before"`
	After  Behavior `json:"after"`
}

// BreakpointRemoveRequest deletes the breakpoint for one function.
type BreakpointRemoveRequest struct {
	Name string `json:"name"`
}

// BreakpointDefaultRequest sets the global default behavior.
type BreakpointDefaultRequest struct {
	Before Behavior `json:"before"`
	After  Behavior `json:"after"`
}

// BreakpointReplaceRequest binds a replacement function name.
type BreakpointReplaceRequest struct {
	Name        string `json:"name"`
	Replacement string `json:"replacement"` // empty clears the binding
}

// BreakpointInfo describes one configured breakpoint.
type BreakpointInfo struct {
	Name        string   `json:"name"`
	Before      Behavior `json:"before"`
	After       Behavior `json:"after"`
	Replacement string   `json:"replacement,omitempty"`
}

// BreakpointListResponse is the full breakpoint configuration snapshot.
type BreakpointListResponse struct {
	DefaultBefore Behavior         `json:"default_before"`
	DefaultAfter  Behavior         `json:"default_after"`
	Breakpoints   []BreakpointInfo `json:"breakpoints"`
}

// PausedInfo summarizes one suspended call for operators.
type PausedInfo struct {
	PauseID     string          `json:"pause_id"`
	CallID      string          `json:"call_id"`
	Name        string          `json:"name"`
	Phase       string          `json:"phase"` // before or after
	Process     ProcessIdentity `json:"process"`
	PausedNano  int64           `json:"paused"`
	ArgPreviews []string        `json:"arg_previews,omitempty"`
}

// PausedListResponse lists the active paused executions.
type PausedListResponse struct {
	Paused []PausedInfo `json:"paused"`
}

// ResumeRequest delivers the directive for a paused execution.
type ResumeRequest struct {
	PauseID string      `json:"pause_id"`
	Action  *CallAction `json:"action"`
}

// PausedEvalRequest asks the paused process to evaluate a path expression.
type PausedEvalRequest struct {
	PauseID   string `json:"pause_id"`
	Expr      string `json:"expr"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// PausedEvalResponse carries the evaluation preview back to the operator.
type PausedEvalResponse struct {
	Preview string `json:"preview,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CallsListRequest queries call history.
type CallsListRequest struct {
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// CallSummary is one call history row.
type CallSummary struct {
	CallID           string          `json:"call_id"`
	Name             string          `json:"name"`
	CallType         string          `json:"call_type"`
	Status           CallStatus      `json:"status"`
	Process          ProcessIdentity `json:"process"`
	StartedNano      int64           `json:"started"`
	CompletedNano    int64           `json:"completed,omitempty"`
	DurationNano     int64           `json:"duration,omitempty"`
	ExceptionType    string          `json:"exc_type,omitempty"`
	ExceptionMessage string          `json:"exc_msg,omitempty"`
}

// CallsListResponse is the history query result.
type CallsListResponse struct {
	Calls []CallSummary `json:"calls"`
}

// CallsGetRequest fetches one call with decoded previews.
type CallsGetRequest struct {
	CallID string `json:"call_id"`
}

// CallsGetResponse expands a call record for display.
type CallsGetResponse struct {
	Call          CallSummary  `json:"call"`
	Signature     string       `json:"sig,omitempty"`
	TargetPreview string       `json:"target_preview,omitempty"`
	ArgPreviews   []string     `json:"arg_previews,omitempty"`
	ResultPreview string       `json:"result_preview,omitempty"`
	Stack         []StackFrame `json:"stack,omitempty"`
}

// StatsResponse aggregates server-side counters.
type StatsResponse struct {
	Content ContentStats `json:"content"`
	Calls   CallLogStats `json:"calls"`
	Paused  int          `json:"paused"`
}

// ErrorResponse is the structured error envelope for every endpoint.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Message     string   `json:"message,omitempty"`
	MissingCIDs []string `json:"missing_cids,omitempty"`
}
