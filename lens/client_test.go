package lens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingMux wraps the server handler, counting posts per endpoint and
// keeping the decoded call-start requests for wire-level assertions.
type recordingMux struct {
	inner http.Handler

	mu     sync.Mutex
	hits   map[string]int
	starts []CallStartRequest
}

func (m *recordingMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))
	m.mu.Lock()
	m.hits[r.URL.Path]++
	if r.URL.Path == EndpointPathCallStart {
		var req CallStartRequest
		if json.Unmarshal(body, &req) == nil {
			m.starts = append(m.starts, req)
		}
	}
	m.mu.Unlock()
	m.inner.ServeHTTP(w, r)
}

func (m *recordingMux) count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func (m *recordingMux) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.hits {
		n += c
	}
	return n
}

func (m *recordingMux) startRequest(i int) CallStartRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts[i]
}

// newClientHarness wires an enabled client against an in-memory server with
// test-friendly poll timing.
func newClientHarness(t *testing.T, longPollMax time.Duration) (*Client, *Server, *recordingMux) {
	t.Helper()
	calls, err := NewCallLog(":memory:")
	require.NoError(t, err)
	s := &Server{
		content:     NewMemContentStore(),
		calls:       calls,
		registry:    NewRegistry(),
		pauses:      NewManager(),
		longPollMax: longPollMax,
		pruneAfter:  time.Minute,
		pruneDone:   make(chan struct{}),
	}
	rec := &recordingMux{inner: s.Handler(), hits: make(map[string]int)}
	ts := httptest.NewServer(rec)
	t.Cleanup(func() {
		ts.Close()
		assert.NoError(t, calls.Close())
		assert.NoError(t, s.content.Close())
	})
	client := NewClient(ClientConfig{
		ServerURL:    ts.URL,
		HTTPTimeout:  5 * time.Second,
		PollInterval: 20 * time.Millisecond,
		PollDeadline: 2 * time.Second,
		LongPollMS:   100,
	})
	client.Enable()
	return client, s, rec
}

func registeredCount(c *Client) int {
	n := 0
	c.registered.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestClientDisabledNoTraffic(t *testing.T) {
	t.Parallel()
	client, _, rec := newClientHarness(t, time.Second)
	client.Disable()

	add := client.WrapFunc("calc.Add", func(a, b int) int { return a + b }).(func(int, int) int)
	assert.Equal(t, 5, add(2, 3))
	assert.Zero(t, rec.total())
}

func TestClientRunContinueCycle(t *testing.T) {
	t.Parallel()
	client, s, rec := newClientHarness(t, time.Second)

	add := client.WrapFunc("calc.Add", func(a, b int) int { return a + b }).(func(int, int) int)
	assert.Equal(t, 5, add(2, 3))

	assert.Equal(t, 1, rec.count(EndpointPathRegister))
	assert.Equal(t, 1, rec.count(EndpointPathCallStart))
	assert.Equal(t, 1, rec.count(EndpointPathCallComplete))

	records, err := s.calls.List(CallFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "calc.Add", records[0].Name)
	assert.Equal(t, CallStatusSuccess, records[0].Status)

	// callable names register once per process
	assert.Equal(t, 5, add(2, 3))
	assert.Equal(t, 1, rec.count(EndpointPathRegister))
}

func TestClientExceptionReported(t *testing.T) {
	t.Parallel()
	client, s, _ := newClientHarness(t, time.Second)

	fail := client.WrapFunc("calc.Fail", func() error { return errors.New("boom") }).(func() error)
	assert.EqualError(t, fail(), "boom")

	records, err := s.calls.List(CallFilter{Status: CallStatusException})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "boom", records[0].ExceptionMessage)
}

func TestClientSecondCallSendsCIDOnly(t *testing.T) {
	t.Parallel()
	client, _, rec := newClientHarness(t, time.Second)

	add := client.WrapFunc("calc.Add", func(a, b int) int { return a + b }).(func(int, int) int)
	assert.Equal(t, 5, add(2, 3))
	assert.Equal(t, 5, add(2, 3))

	first := rec.startRequest(0)
	require.Len(t, first.Args, 2)
	assert.NotEmpty(t, first.Args[0].Data)

	second := rec.startRequest(1)
	require.Len(t, second.Args, 2)
	assert.NotEmpty(t, second.Args[0].CID)
	assert.Empty(t, second.Args[0].Data)
	assert.Empty(t, second.Args[1].Data)
}

func TestClientResendsOnMissingContent(t *testing.T) {
	t.Parallel()
	client, _, rec := newClientHarness(t, time.Second)

	// pretend the arg was already sent so the first attempt goes cid-only
	enc := mustSerialize(t, 7, DefaultSerializeOptions())
	client.cache.MarkSent(enc.Root.CID)

	neg := client.WrapFunc("calc.Neg", func(n int) int { return -n }).(func(int) int)
	assert.Equal(t, -7, neg(7))

	assert.Equal(t, 2, rec.count(EndpointPathCallStart)) // conflict, then resend with data
	resent := rec.startRequest(1)
	require.Len(t, resent.Args, 1)
	assert.NotEmpty(t, resent.Args[0].Data)
}

func TestClientPauseModify(t *testing.T) {
	t.Parallel()
	client, s, _ := newClientHarness(t, 2*time.Second)
	require.NoError(t, s.pauses.SetBreakpoint("calc.Mul", BehaviorStop, BehaviorGo))

	go func() {
		for {
			paused := s.pauses.ListPaused()
			if len(paused) == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			a, _ := payloadFor(t, 10)
			b, _ := payloadFor(t, 4)
			_ = s.pauses.Resume(paused[0].PauseID, &CallAction{
				Type: ActionModify,
				Args: []PayloadItem{a, b},
			})
			return
		}
	}()

	mul := client.WrapFunc("calc.Mul", func(a, b int) int { return a * b }).(func(int, int) int)
	assert.Equal(t, 40, mul(2, 3))
}

func TestClientSkipDirective(t *testing.T) {
	t.Parallel()
	client, s, _ := newClientHarness(t, 2*time.Second)
	require.NoError(t, s.pauses.SetBreakpoint("cfg.Load", BehaviorStop, BehaviorGo))

	executed := false
	go func() {
		for {
			paused := s.pauses.ListPaused()
			if len(paused) == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			result, _ := payloadFor(t, "fallback")
			_ = s.pauses.Resume(paused[0].PauseID, &CallAction{Type: ActionSkip, Result: &result})
			return
		}
	}()

	load := client.WrapFunc("cfg.Load", func(path string) string {
		executed = true
		return "real:" + path
	}).(func(string) string)
	assert.Equal(t, "fallback", load("/etc/app.toml"))
	assert.False(t, executed)
}

func TestClientRaiseDirective(t *testing.T) {
	t.Parallel()
	client, s, _ := newClientHarness(t, 2*time.Second)
	require.NoError(t, s.pauses.SetBreakpoint("calc.Div", BehaviorStop, BehaviorGo))

	go func() {
		for {
			paused := s.pauses.ListPaused()
			if len(paused) == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			_ = s.pauses.Resume(paused[0].PauseID, &CallAction{
				Type:             ActionRaise,
				ExceptionType:    "DivisionByZero",
				ExceptionMessage: "division by zero",
			})
			return
		}
	}()

	executed := false
	div := client.WrapFunc("calc.Div", func(a, b int) (int, error) {
		executed = true
		return a / b, nil
	}).(func(int, int) (int, error))

	out, err := div(1, 0)
	assert.Zero(t, out)
	assert.False(t, executed)
	var raised *RaisedError
	require.ErrorAs(t, err, &raised)
	assert.Equal(t, "DivisionByZero", raised.Kind)
	assert.Equal(t, "division by zero", raised.Message)
}

func TestClientReplaceDirective(t *testing.T) {
	t.Parallel()
	client, s, _ := newClientHarness(t, time.Second)

	require.NoError(t, client.RegisterReplacement("calc.AddFast", func(a, b int) int { return 42 }))
	s.pauses.SetReplacement("calc.Add", "calc.AddFast")

	add := client.WrapFunc("calc.Add", func(a, b int) int { return a + b }).(func(int, int) int)
	assert.Equal(t, 42, add(2, 3))
}

func TestClientEvalDuringPause(t *testing.T) {
	t.Parallel()
	client, s, _ := newClientHarness(t, 2*time.Second)
	require.NoError(t, s.pauses.SetBreakpoint("calc.Slow", BehaviorStop, BehaviorGo))

	previewCh := make(chan PausedEvalResponse, 1)
	go func() {
		for {
			paused := s.pauses.ListPaused()
			if len(paused) == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			resp, err := s.pauses.RequestEval(context.Background(), paused[0].PauseID, "args[0]", time.Second)
			if err == nil {
				previewCh <- resp
			}
			_ = s.pauses.Resume(paused[0].PauseID, &CallAction{Type: ActionContinue})
			return
		}
	}()

	slow := client.WrapFunc("calc.Slow", func(a, b int) int { return a + b }).(func(int, int) int)
	assert.Equal(t, 5, slow(2, 3))

	select {
	case resp := <-previewCh:
		assert.Equal(t, "2", resp.Preview)
		assert.Empty(t, resp.Error)
	case <-time.After(3 * time.Second):
		t.Fatal("eval response never arrived")
	}
}

func TestClientPollDeadlineDegradesToContinue(t *testing.T) {
	t.Parallel()
	client, s, _ := newClientHarness(t, 50*time.Millisecond)
	client.cfg.PollDeadline = 300 * time.Millisecond
	client.cfg.LongPollMS = 30
	require.NoError(t, s.pauses.SetBreakpoint("calc.Add", BehaviorStop, BehaviorGo))

	// nobody ever resumes: the pause degrades to continue at the deadline
	add := client.WrapFunc("calc.Add", func(a, b int) int { return a + b }).(func(int, int) int)
	assert.Equal(t, 5, add(2, 3))
}

func TestClientDisableClearsRegistration(t *testing.T) {
	t.Parallel()
	client, _, rec := newClientHarness(t, time.Second)

	add := client.WrapFunc("calc.Add", func(a, b int) int { return a + b }).(func(int, int) int)
	assert.Equal(t, 5, add(2, 3))
	assert.Equal(t, 1, rec.count(EndpointPathRegister))
	assert.Equal(t, 1, registeredCount(client))

	client.Disable()
	assert.Zero(t, registeredCount(client))

	client.Enable()
	assert.Equal(t, 5, add(2, 3))
	assert.Equal(t, 2, rec.count(EndpointPathRegister))
}

func TestClientSetServerURLResets(t *testing.T) {
	t.Parallel()
	client, _, _ := newClientHarness(t, time.Second)

	add := client.WrapFunc("calc.Add", func(a, b int) int { return a + b }).(func(int, int) int)
	assert.Equal(t, 5, add(2, 3))
	require.NotZero(t, registeredCount(client))
	require.NotZero(t, client.cache.Len())

	client.SetServerURL("http://127.0.0.1:1")
	assert.Equal(t, "http://127.0.0.1:1", client.ServerURL())
	assert.Zero(t, registeredCount(client))
	assert.Zero(t, client.cache.Len())
}

func TestClientVersionRejectionDisables(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc(EndpointPathRegister, func(w http.ResponseWriter, _ *http.Request) {
		writeErrorEnvelope(w, http.StatusBadRequest, ErrorResponse{
			Error:   ErrCodeVersionIncompatible,
			Message: "server requires v2",
		})
	})
	stub := httptest.NewServer(mux)
	t.Cleanup(stub.Close)

	client := NewClient(ClientConfig{ServerURL: stub.URL})
	client.Enable()

	fetch := client.WrapFunc("svc.Fetch", func(id int) (string, error) { return "row", nil }).(func(int) (string, error))
	_, err := fetch(1)
	require.Error(t, err) // the in-flight cycle fails closed
	assert.False(t, client.Enabled())

	// disabled now: calls run directly with no protocol contact
	out, err := fetch(1)
	require.NoError(t, err)
	assert.Equal(t, "row", out)
}

func TestClientDeliverFailure(t *testing.T) {
	t.Parallel()
	// no server behind this address
	client := NewClient(ClientConfig{ServerURL: "http://127.0.0.1:1", HTTPTimeout: 200 * time.Millisecond})
	client.Enable()

	t.Run("error_return_carries_failure", func(t *testing.T) {
		fetch := client.WrapFunc("svc.Fetch", func(id int) (string, error) { return "row", nil }).(func(int) (string, error))
		_, err := fetch(1)
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
	})
	t.Run("no_error_slot_panics", func(t *testing.T) {
		add := client.WrapFunc("calc.Add", func(a, b int) int { return a + b }).(func(int, int) int)
		assert.Panics(t, func() { add(2, 3) })
	})
}

func TestClientContentHelpers(t *testing.T) {
	t.Parallel()
	client, _, _ := newClientHarness(t, time.Second)

	data := []byte("shared fixture")
	cid := ComputeCID(data)

	missing, err := client.CheckMissing([]string{cid})
	require.NoError(t, err)
	assert.Equal(t, []string{cid}, missing)

	stored, err := client.PushContent([]PayloadItem{{CID: cid, Data: data, Format: FormatMsgpack}})
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	missing, err = client.CheckMissing([]string{cid})
	require.NoError(t, err)
	assert.Empty(t, missing)
}
