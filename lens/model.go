package lens

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// clientStartTime approximates the process start, captured at init so every
// call from this process reports the same identity.
var clientStartTime = time.Now()

// LocalProcessIdentity describes the current process for protocol messages.
func LocalProcessIdentity() ProcessIdentity {
	host, _ := os.Hostname()
	return ProcessIdentity{
		PID:       os.Getpid(),
		StartNano: clientStartTime.UnixNano(),
		Host:      host,
	}
}

// Key returns a stable map key for the identity. PID alone is not enough:
// the start time disambiguates PID reuse after process churn.
func (p ProcessIdentity) Key() string {
	return p.Host + "/" + strconv.Itoa(p.PID) + "@" + strconv.FormatInt(p.StartNano, 10)
}

// Same reports whether two identities refer to the same process instance.
func (p ProcessIdentity) Same(other ProcessIdentity) bool {
	return p.PID == other.PID && p.StartNano == other.StartNano && p.Host == other.Host
}

// CaptureStack records the interception call site, skipping the given number
// of frames on top of the capture machinery itself.
func CaptureStack(skip int) []StackFrame {
	pc := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pc)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pc[:n])
	var stack []StackFrame
	for {
		frame, more := frames.Next()
		stack = append(stack, StackFrame{
			File:     frame.File,
			Function: frame.Function,
			Line:     uint(frame.Line),
		})
		if !more {
			break
		}
	}
	return stack
}

// CallRecord is the server-side record of one intercepted call.
type CallRecord struct {
	CallID           string
	Name             string
	CallType         string
	Signature        string
	Status           CallStatus
	Process          ProcessIdentity
	TargetCID        string
	ArgCIDs          []string
	KwargCIDs        map[string]string
	ResultCID        string
	ExceptionType    string
	ExceptionMessage string
	Stack            []StackFrame
	RespondAs        string
	StartedNano      int64
	CompletedNano    int64
	DurationNano     int64
}

// Summary projects the record into its history row form.
func (r *CallRecord) Summary() CallSummary {
	return CallSummary{
		CallID:           r.CallID,
		Name:             r.Name,
		CallType:         r.CallType,
		Status:           r.Status,
		Process:          r.Process,
		StartedNano:      r.StartedNano,
		CompletedNano:    r.CompletedNano,
		DurationNano:     r.DurationNano,
		ExceptionType:    r.ExceptionType,
		ExceptionMessage: r.ExceptionMessage,
	}
}

// ActionRecord is one directive applied to a call, kept for history.
type ActionRecord struct {
	Phase    string     `json:"phase"` // before or after
	Action   CallAction `json:"action"`
	TimeNano int64      `json:"time"`
}

// Stack frames repeat file and function strings constantly, so the stored
// form indexes them through per-blob dictionaries before compression.
type encStack struct {
	Files  []string   `msgpack:"fs"`
	Funcs  []string   `msgpack:"ns"`
	Frames []encFrame `msgpack:"fr"`
}

type encFrame struct {
	F int  `msgpack:"f"`
	N int  `msgpack:"n"`
	L uint `msgpack:"l"`
}

// MarshalStackFrames encodes frames into the compressed storage form.
// Returns nil for an empty stack.
func MarshalStackFrames(frames []StackFrame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	var es encStack
	fileIdx := make(map[string]int)
	funcIdx := make(map[string]int)
	es.Frames = make([]encFrame, len(frames))
	for i, f := range frames {
		fi, ok := fileIdx[f.File]
		if !ok {
			fi = len(es.Files)
			fileIdx[f.File] = fi
			es.Files = append(es.Files, f.File)
		}
		ni, ok := funcIdx[f.Function]
		if !ok {
			ni = len(es.Funcs)
			funcIdx[f.Function] = ni
			es.Funcs = append(es.Funcs, f.Function)
		}
		es.Frames[i] = encFrame{F: fi, N: ni, L: f.Line}
	}

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	var buf bytes.Buffer
	enc.Reset(&buf)
	if err := enc.Encode(&es); err != nil {
		return nil, err
	}
	return SnappyCompress(nil, buf.Bytes()), nil
}

// UnmarshalStackFrames decodes a stack blob produced by MarshalStackFrames.
func UnmarshalStackFrames(blob []byte) ([]StackFrame, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	raw, err := SnappyDecompress(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("stack blob decompress: %w", err)
	}
	var es encStack
	if err := msgpack.Unmarshal(raw, &es); err != nil {
		return nil, fmt.Errorf("stack blob decode: %w", err)
	}
	frames := make([]StackFrame, len(es.Frames))
	for i, ef := range es.Frames {
		if ef.F < 0 || ef.F >= len(es.Files) {
			return nil, fmt.Errorf("stack frame %d: file index %d out of range", i, ef.F)
		}
		if ef.N < 0 || ef.N >= len(es.Funcs) {
			return nil, fmt.Errorf("stack frame %d: func index %d out of range", i, ef.N)
		}
		frames[i] = StackFrame{File: es.Files[ef.F], Function: es.Funcs[ef.N], Line: ef.L}
	}
	return frames, nil
}

// String renders a frame the way panics do, for logs and reports.
func (f StackFrame) String() string {
	return f.Function + " " + f.File + ":" + strconv.FormatUint(uint64(f.Line), 10)
}

// Equal reports whether two frames refer to the same location.
func (f StackFrame) Equal(other StackFrame) bool {
	return f.Line == other.Line && f.File == other.File && f.Function == other.Function
}
