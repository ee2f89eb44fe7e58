package lens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLongPollMax = 25 * time.Second
	defaultPruneAfter  = 15 * time.Minute
	pruneTick          = time.Minute
	previewMaxLen      = 160
)

// ServerConfig configures one Server. Zero-value Content and Calls get
// in-memory defaults, which suits tests; production deployments pass a
// badger-backed store and a file-backed call log.
type ServerConfig struct {
	Host        string
	Port        int
	Content     ContentStore
	Calls       CallLog
	LongPollMax time.Duration // ceiling on how long a start/complete/poll response may block
	PruneAfter  time.Duration // abandon pauses nobody polls for this long
}

// Server couples the content store, call log, callable registry, and pause
// manager behind the protocol endpoints.
type Server struct {
	server   *http.Server
	err      atomic.Pointer[error]
	content  ContentStore
	calls    CallLog
	registry *Registry
	pauses   *Manager

	longPollMax time.Duration
	pruneAfter  time.Duration
	pruneDone   chan struct{}
	missCount   atomic.Int64

	ownContent bool
	ownCalls   bool
}

// StartServer constructs the server and begins listening on host:port.
// Returns once the listener is up or has failed.
func StartServer(cfg ServerConfig) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultServerPort
	}
	if cfg.LongPollMax <= 0 {
		cfg.LongPollMax = defaultLongPollMax
	}
	if cfg.PruneAfter <= 0 {
		cfg.PruneAfter = defaultPruneAfter
	}
	s := &Server{
		content:     cfg.Content,
		calls:       cfg.Calls,
		registry:    NewRegistry(),
		pauses:      NewManager(),
		longPollMax: cfg.LongPollMax,
		pruneAfter:  cfg.PruneAfter,
		pruneDone:   make(chan struct{}),
	}
	if s.content == nil {
		s.content = NewMemContentStore()
		s.ownContent = true
	}
	if s.calls == nil {
		calls, err := NewCallLog(":memory:")
		if err != nil {
			return nil, err
		}
		s.calls = calls
		s.ownCalls = true
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{Addr: addr, Handler: s.Handler()}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.err.Store(&err)
			log.Printf("%sCall lens server error: %v", ErrorLogPrefix, err)
		}
	}()
	wg.Wait()
	time.Sleep(100 * time.Millisecond) // short wait to ensure error is communicated
	go s.pruneLoop()

	log.Printf("Call lens server started on %s", addr)
	return s, s.errCheck()
}

// Handler returns the endpoint mux, usable directly with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EndpointPathCallStart, jsonHandler(s.handleCallStart))
	mux.HandleFunc(EndpointPathCallComplete, jsonHandler(s.handleCallComplete))
	mux.HandleFunc(EndpointPathCallPoll, jsonHandler(s.handleCallPoll))
	mux.HandleFunc(EndpointPathCallEval, jsonHandler(s.handleCallEval))
	mux.HandleFunc(EndpointPathRegister, jsonHandler(s.handleRegister))
	mux.HandleFunc(EndpointPathEventMiss, jsonHandler(s.handleEventMiss))
	mux.HandleFunc(EndpointPathContentCheck, jsonHandler(s.handleContentCheck))
	mux.HandleFunc(EndpointPathContentPut, jsonHandler(s.handleContentPut))
	mux.HandleFunc(EndpointPathBreakpointSet, jsonHandler(s.handleBreakpointSet))
	mux.HandleFunc(EndpointPathBreakpointRemove, jsonHandler(s.handleBreakpointRemove))
	mux.HandleFunc(EndpointPathBreakpointDefault, jsonHandler(s.handleBreakpointDefault))
	mux.HandleFunc(EndpointPathBreakpointReplace, jsonHandler(s.handleBreakpointReplace))
	mux.HandleFunc(EndpointPathBreakpointList, jsonHandler(s.handleBreakpointList))
	mux.HandleFunc(EndpointPathPausedList, jsonHandler(s.handlePausedList))
	mux.HandleFunc(EndpointPathPausedResume, jsonHandler(s.handlePausedResume))
	mux.HandleFunc(EndpointPathPausedEval, jsonHandler(s.handlePausedEval))
	mux.HandleFunc(EndpointPathCallsList, jsonHandler(s.handleCallsList))
	mux.HandleFunc(EndpointPathCallsGet, jsonHandler(s.handleCallsGet))
	mux.HandleFunc(EndpointPathStats, jsonHandler(s.handleStats))
	return mux
}

// Pauses exposes the pause manager for in-process observers and presets.
func (s *Server) Pauses() *Manager { return s.pauses }

// Registry exposes the callable registry.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Port() int {
	_, portStr, _ := strings.Cut(s.server.Addr, ":")
	port, _ := strconv.Atoi(portStr)
	return port
}

func (s *Server) errCheck() error {
	errPtr := s.err.Load()
	if errPtr != nil {
		return *errPtr
	}
	return nil
}

// Stop gracefully shuts down the server and closes any stores it owns.
func (s *Server) Stop(ctx context.Context) error {
	close(s.pruneDone)
	err := s.server.Shutdown(ctx)
	if s.ownContent {
		err = errors.Join(err, s.content.Close())
	}
	if s.ownCalls {
		err = errors.Join(err, s.calls.Close())
	}
	return errors.Join(err, s.errCheck())
}

func (s *Server) pruneLoop() {
	ticker := time.NewTicker(pruneTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.pruneDone:
			return
		case <-ticker.C:
			if n := s.pauses.PruneStale(s.pruneAfter); n > 0 {
				log.Printf("Pruned %d abandoned pauses", n)
			}
		}
	}
}

// jsonHandler adapts a typed endpoint function to HTTP: POST only, JSON in,
// JSON out, protocol errors mapped onto the error envelope.
func jsonHandler[Req, Resp any](fn func(ctx context.Context, req *Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		defer r.Body.Close()
		var req Req
		// an empty body is a zero-value request, used by the no-argument endpoints
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeErrorEnvelope(w, http.StatusBadRequest, ErrorResponse{Error: ErrCodeBadRequest, Message: err.Error()})
			return
		}
		resp, err := fn(r.Context(), &req)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("%sFailed to encode response: %v", ErrorLogPrefix, err)
		}
	}
}

func writeErrorEnvelope(w http.ResponseWriter, status int, envelope ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		log.Printf("%sFailed to encode error envelope: %v", ErrorLogPrefix, err)
	}
}

// writeError maps typed errors onto the envelope codes clients dispatch on.
func writeError(w http.ResponseWriter, err error) {
	var missing *MissingContentError
	var mismatch *CidMismatchError
	var sigErr *ReplacementSignatureError
	switch {
	case errors.As(err, &missing):
		writeErrorEnvelope(w, http.StatusConflict, ErrorResponse{
			Error:       ErrCodeCidNotFound,
			Message:     err.Error(),
			MissingCIDs: missing.CIDs,
		})
	case errors.As(err, &mismatch):
		writeErrorEnvelope(w, http.StatusBadRequest, ErrorResponse{Error: ErrCodeCidMismatch, Message: err.Error()})
	case errors.As(err, &sigErr):
		writeErrorEnvelope(w, http.StatusBadRequest, ErrorResponse{Error: ErrCodeSignatureMismatch, Message: err.Error()})
	case errors.Is(err, ErrUnknownPause):
		writeErrorEnvelope(w, http.StatusNotFound, ErrorResponse{Error: ErrCodeUnknownPause, Message: err.Error()})
	case errors.Is(err, ErrAlreadyResumed):
		writeErrorEnvelope(w, http.StatusConflict, ErrorResponse{Error: ErrCodeAlreadyResumed, Message: err.Error()})
	case errors.Is(err, ErrUnknownCall):
		writeErrorEnvelope(w, http.StatusNotFound, ErrorResponse{Error: ErrCodeUnknownCall, Message: err.Error()})
	case errors.Is(err, ErrVersionIncompatible):
		writeErrorEnvelope(w, http.StatusBadRequest, ErrorResponse{Error: ErrCodeVersionIncompatible, Message: err.Error()})
	default:
		var perr *ProtocolError
		if errors.As(err, &perr) {
			writeErrorEnvelope(w, http.StatusBadRequest, ErrorResponse{Error: ErrCodeBadRequest, Message: err.Error()})
			return
		}
		writeErrorEnvelope(w, http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: err.Error()})
	}
}

// emptyResponse is the body for endpoints that only acknowledge.
type emptyResponse struct{}

// storeItems persists every item carrying data, then verifies that all
// referenced cids exist. Data-less items whose content is absent come back
// as a MissingContentError so the sender can resend them.
func (s *Server) storeItems(items ...[]PayloadItem) error {
	var refs []string
	for _, group := range items {
		for _, item := range group {
			if item.CID == "" {
				return &ProtocolError{Op: "content", Message: "payload item missing cid"}
			}
			if len(item.Data) > 0 {
				if err := s.content.Put(item.CID, item.Data); err != nil {
					return err
				}
				continue
			}
			refs = append(refs, item.CID)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	missing, err := s.content.Missing(refs)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &MissingContentError{CIDs: missing}
	}
	return nil
}

// decodeStoredValue fetches and decodes one stored payload. The store keeps
// raw bytes without format metadata, so msgpack is tried first and json second.
func decodeStoredValue(store ContentStore, cid string) (*encValue, error) {
	data, err := store.Get(cid)
	if err != nil {
		return nil, err
	}
	node, err := DecodeEncoded(PayloadItem{CID: cid, Data: data, Format: FormatMsgpack}, store.Get)
	if err == nil {
		return node, nil
	}
	return DecodeEncoded(PayloadItem{CID: cid, Data: data, Format: FormatJSON}, store.Get)
}

// previewStored renders a short human readable preview of one stored payload,
// empty when the cid is blank or its content cannot be decoded.
func previewStored(store ContentStore, cid string) string {
	if cid == "" {
		return ""
	}
	node, err := decodeStoredValue(store, cid)
	if err != nil {
		return ""
	}
	return ValuePreview(node, previewMaxLen)
}

func (s *Server) previewCID(cid string) string {
	return previewStored(s.content, cid)
}

func (s *Server) previewItems(items []PayloadItem) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = s.previewCID(item.CID)
	}
	return out
}

func cidsOf(items []PayloadItem) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.CID
	}
	return out
}

func (s *Server) handleCallStart(ctx context.Context, req *CallStartRequest) (*CallStartResponse, error) {
	if req.Name == "" {
		return nil, &ProtocolError{Op: "call-start", Message: "name is required"}
	}
	var target []PayloadItem
	if req.Target != nil {
		target = []PayloadItem{*req.Target}
	}
	var kwargItems []PayloadItem
	for _, item := range req.Kwargs {
		kwargItems = append(kwargItems, item)
	}
	if err := s.storeItems(req.Extra, target, req.Args, kwargItems); err != nil {
		return nil, err
	}

	rec := &CallRecord{
		CallID:      uuid.NewString(),
		Name:        req.Name,
		CallType:    req.CallType,
		Signature:   req.Signature,
		Status:      CallStatusPending,
		Process:     req.Process,
		ArgCIDs:     cidsOf(req.Args),
		Stack:       req.Stack,
		RespondAs:   req.RespondAs,
		StartedNano: req.TimeNano,
	}
	if req.Target != nil {
		rec.TargetCID = req.Target.CID
	}
	if len(req.Kwargs) > 0 {
		rec.KwargCIDs = make(map[string]string, len(req.Kwargs))
		for k, item := range req.Kwargs {
			rec.KwargCIDs[k] = item.CID
		}
	}
	if rec.StartedNano == 0 {
		rec.StartedNano = time.Now().UnixNano()
	}
	if err := s.calls.InsertStart(rec); err != nil {
		return nil, err
	}

	decision := s.pauses.DecideBefore(req.Name)
	if !decision.Pause {
		if decision.Action != nil {
			s.recordAction(rec.CallID, PhaseBefore, decision.Action)
		}
		return &CallStartResponse{CallID: rec.CallID, Action: decision.Action}, nil
	}

	pauseID := s.pauses.CreatePause(PausedInfo{
		CallID:      rec.CallID,
		Name:        req.Name,
		Phase:       PhaseBefore,
		Process:     req.Process,
		ArgPreviews: s.previewItems(req.Args),
	})
	action := s.blockForResume(ctx, pauseID)
	return &CallStartResponse{CallID: rec.CallID, Action: action}, nil
}

func (s *Server) handleCallComplete(ctx context.Context, req *CallCompleteRequest) (*CallCompleteResponse, error) {
	if req.CallID == "" {
		return nil, &ProtocolError{Op: "call-complete", Message: "call_id is required"}
	}
	rec, _, err := s.calls.Get(req.CallID)
	if err != nil {
		return nil, err
	}
	var result []PayloadItem
	resultCID := ""
	if req.Result != nil {
		result = []PayloadItem{*req.Result}
		resultCID = req.Result.CID
	}
	if err := s.storeItems(req.Extra, result); err != nil {
		return nil, err
	}

	completed := req.TimeNano
	if completed == 0 {
		completed = time.Now().UnixNano()
	}
	status := req.Status
	if status != CallStatusSuccess && status != CallStatusException {
		return nil, &ProtocolError{Op: "call-complete", Message: "status must be success or exception"}
	}
	if err := s.calls.Complete(req.CallID, status, resultCID, req.ExceptionType, req.ExceptionMessage, completed); err != nil {
		return nil, err
	}

	isException := status == CallStatusException
	decision := s.pauses.DecideAfter(rec.Name, isException)
	if !decision.Pause {
		return &CallCompleteResponse{}, nil
	}

	previews := make([]string, 0, 1)
	if resultCID != "" {
		previews = append(previews, "result: "+s.previewCID(resultCID))
	}
	if isException {
		previews = append(previews, "exception: "+req.ExceptionType+": "+req.ExceptionMessage)
	}
	pauseID := s.pauses.CreatePause(PausedInfo{
		CallID:      req.CallID,
		Name:        rec.Name,
		Phase:       PhaseAfter,
		Process:     rec.Process,
		ArgPreviews: previews,
	})
	action := s.blockForResume(ctx, pauseID)
	return &CallCompleteResponse{Action: action}, nil
}

// blockForResume holds the response open up to the long-poll ceiling hoping
// the operator resumes quickly. Past the ceiling the client gets a poll
// token and carries on through the poll endpoint.
func (s *Server) blockForResume(ctx context.Context, pauseID string) *CallAction {
	action, err := s.pauses.WaitTimeout(ctx, pauseID, s.longPollMax)
	if err != nil {
		return &CallAction{Type: ActionContinue}
	}
	if action == nil {
		return &CallAction{Type: ActionPoll, PauseID: pauseID, PollIntervalMS: int(defaultPollInterval.Milliseconds())}
	}
	return action
}

func (s *Server) recordAction(callID, phase string, action *CallAction) {
	if err := s.calls.RecordAction(callID, phase, action, time.Now().UnixNano()); err != nil {
		log.Printf("%sFailed to record %s action for call %s: %v", ErrorLogPrefix, phase, callID, err)
	}
}

func (s *Server) handleCallPoll(ctx context.Context, req *PollRequest) (*PollResponse, error) {
	if req.PauseID == "" {
		return nil, &ProtocolError{Op: "call-poll", Message: "pause_id is required"}
	}
	wait := time.Duration(req.WaitMS) * time.Millisecond
	if wait <= 0 || wait > s.longPollMax {
		wait = s.longPollMax
	}
	action, err := s.pauses.WaitTimeout(ctx, req.PauseID, wait)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return &PollResponse{Status: PollStatusWaiting}, nil
	}
	return &PollResponse{Status: PollStatusReady, Action: action}, nil
}

func (s *Server) handleCallEval(_ context.Context, req *EvalResultRequest) (*emptyResponse, error) {
	var value []PayloadItem
	if req.Value != nil {
		value = []PayloadItem{*req.Value}
	}
	if err := s.storeItems(req.Extra, value); err != nil {
		return nil, err
	}
	resp := PausedEvalResponse{Preview: req.Preview, Error: req.Error}
	if resp.Preview == "" && req.Value != nil {
		resp.Preview = s.previewCID(req.Value.CID)
	}
	// a missing pause just means the operator stopped waiting
	_ = s.pauses.DeliverEvalResult(req.PauseID, req.EvalID, resp)
	return &emptyResponse{}, nil
}

func (s *Server) handleRegister(_ context.Context, req *RegisterRequest) (*emptyResponse, error) {
	if err := s.registry.Register(*req); err != nil {
		return nil, err
	}
	return &emptyResponse{}, nil
}

func (s *Server) handleEventMiss(_ context.Context, req *MissEventRequest) (*emptyResponse, error) {
	s.missCount.Add(1)
	log.Printf("%sProxy miss %s on %s (pid %d): %s", ErrorLogPrefix, req.Name, req.TargetType, req.Process.PID, req.Reason)
	return &emptyResponse{}, nil
}

func (s *Server) handleContentCheck(_ context.Context, req *ContentCheckRequest) (*ContentCheckResponse, error) {
	missing, err := s.content.Missing(req.CIDs)
	if err != nil {
		return nil, err
	}
	return &ContentCheckResponse{Missing: missing}, nil
}

func (s *Server) handleContentPut(_ context.Context, req *ContentPutRequest) (*ContentPutResponse, error) {
	stored := 0
	for _, item := range req.Items {
		if len(item.Data) == 0 {
			return nil, &ProtocolError{Op: "content-put", Message: "item " + item.CID + " has no data"}
		}
		had, err := s.content.Has(item.CID)
		if err != nil {
			return nil, err
		}
		if err := s.content.Put(item.CID, item.Data); err != nil {
			return nil, err
		}
		if !had {
			stored++
		}
	}
	return &ContentPutResponse{Stored: stored}, nil
}

func (s *Server) handleBreakpointSet(_ context.Context, req *BreakpointSetRequest) (*emptyResponse, error) {
	if req.Name == "" {
		return nil, &ProtocolError{Op: "breakpoint", Message: "name is required"}
	}
	if err := s.pauses.SetBreakpoint(req.Name, req.Before, req.After); err != nil {
		return nil, err
	}
	return &emptyResponse{}, nil
}

func (s *Server) handleBreakpointRemove(_ context.Context, req *BreakpointRemoveRequest) (*emptyResponse, error) {
	s.pauses.RemoveBreakpoint(req.Name)
	return &emptyResponse{}, nil
}

func (s *Server) handleBreakpointDefault(_ context.Context, req *BreakpointDefaultRequest) (*emptyResponse, error) {
	if err := s.pauses.SetDefault(req.Before, req.After); err != nil {
		return nil, err
	}
	return &emptyResponse{}, nil
}

func (s *Server) handleBreakpointReplace(_ context.Context, req *BreakpointReplaceRequest) (*emptyResponse, error) {
	if req.Name == "" {
		return nil, &ProtocolError{Op: "breakpoint", Message: "name is required"}
	}
	if req.Replacement != "" {
		if err := s.registry.ValidateReplacement(req.Name, req.Replacement); err != nil {
			return nil, err
		}
	}
	s.pauses.SetReplacement(req.Name, req.Replacement)
	return &emptyResponse{}, nil
}

func (s *Server) handleBreakpointList(_ context.Context, _ *struct{}) (*BreakpointListResponse, error) {
	resp := s.pauses.Snapshot()
	return &resp, nil
}

func (s *Server) handlePausedList(_ context.Context, _ *struct{}) (*PausedListResponse, error) {
	return &PausedListResponse{Paused: s.pauses.ListPaused()}, nil
}

func (s *Server) handlePausedResume(_ context.Context, req *ResumeRequest) (*emptyResponse, error) {
	if req.PauseID == "" {
		return nil, &ProtocolError{Op: "resume", Message: "pause_id is required"}
	}
	if req.Action != nil {
		var result []PayloadItem
		if req.Action.Result != nil {
			result = []PayloadItem{*req.Action.Result}
		}
		if err := s.storeItems(req.Action.Args, result, req.Action.Extra); err != nil {
			return nil, err
		}
		if err := s.inflateAction(req.Action); err != nil {
			return nil, err
		}
	}
	info, known := s.pauses.PauseInfo(req.PauseID)
	if err := s.pauses.Resume(req.PauseID, req.Action); err != nil {
		return nil, err
	}
	if known {
		action := req.Action
		if action == nil {
			action = &CallAction{Type: ActionContinue}
		}
		s.recordAction(info.CallID, info.Phase, action)
	}
	return &emptyResponse{}, nil
}

// inflateAction fills in data for directive items the operator referenced by
// cid alone. Clients decode directives purely from what rides inside them,
// so stored content has to be copied in before delivery.
func (s *Server) inflateAction(action *CallAction) error {
	for i := range action.Args {
		if err := s.inflateItem(&action.Args[i]); err != nil {
			return err
		}
	}
	for k, item := range action.Kwargs {
		if err := s.inflateItem(&item); err != nil {
			return err
		}
		action.Kwargs[k] = item
	}
	if action.Result != nil {
		if err := s.inflateItem(action.Result); err != nil {
			return err
		}
	}
	for i := range action.Extra {
		if err := s.inflateItem(&action.Extra[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) inflateItem(item *PayloadItem) error {
	if len(item.Data) > 0 || item.CID == "" {
		return nil
	}
	data, err := s.content.Get(item.CID)
	if errors.Is(err, ErrContentNotFound) {
		return &MissingContentError{CIDs: []string{item.CID}}
	}
	if err != nil {
		return err
	}
	item.Data = data
	if item.Format == "" {
		item.Format = FormatMsgpack
	}
	return nil
}

func (s *Server) handlePausedEval(ctx context.Context, req *PausedEvalRequest) (*PausedEvalResponse, error) {
	if req.PauseID == "" || req.Expr == "" {
		return nil, &ProtocolError{Op: "eval", Message: "pause_id and expr are required"}
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 || timeout > s.longPollMax {
		timeout = s.longPollMax
	}
	resp, err := s.pauses.RequestEval(ctx, req.PauseID, req.Expr, timeout)
	if err != nil {
		var evalErr *EvalError
		if errors.As(err, &evalErr) {
			return &PausedEvalResponse{Error: err.Error()}, nil
		}
		return nil, err
	}
	return &resp, nil
}

func (s *Server) handleCallsList(_ context.Context, req *CallsListRequest) (*CallsListResponse, error) {
	calls, err := s.calls.List(CallFilter{
		Name:   req.Name,
		Status: CallStatus(req.Status),
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		return nil, err
	}
	return &CallsListResponse{Calls: calls}, nil
}

func (s *Server) handleCallsGet(_ context.Context, req *CallsGetRequest) (*CallsGetResponse, error) {
	return loadCallPreviews(s.calls, s.content, req.CallID)
}

func (s *Server) handleStats(_ context.Context, _ *struct{}) (*StatsResponse, error) {
	content, err := s.content.Stats()
	if err != nil {
		return nil, err
	}
	calls, err := s.calls.Stats()
	if err != nil {
		return nil, err
	}
	return &StatsResponse{
		Content: content,
		Calls:   calls,
		Paused:  s.pauses.PausedCount(),
	}, nil
}
