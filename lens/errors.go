package lens

import (
	"errors"
	"fmt"
)

// Sentinels wrapped by ProtocolError for the two resume failure modes, so
// callers can branch with errors.Is without string matching.
var (
	ErrUnknownPause        = errors.New("unknown pause id")
	ErrAlreadyResumed      = errors.New("pause already resumed")
	ErrUnknownCall         = errors.New("unknown call id")
	ErrVersionIncompatible = errors.New("client version incompatible")
)

// ProtocolError indicates a client/server contract violation: malformed or
// unrecognized directives, missing response fields, or resume misuse. These
// are always surfaced, never swallowed.
type ProtocolError struct {
	Op      string // operation being performed, e.g. "call-start"
	Message string
	Err     error // optional underlying cause, may be a sentinel
}

func (e *ProtocolError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("protocol error in %s: %s", e.Op, msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ConnectionError indicates the server was unreachable or answered with a
// transport-level failure. Distinct from ProtocolError so callers can tell
// "server broken" from "contract broken".
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CidMismatchError reports payload bytes whose hash does not match the
// claimed CID. Mismatched data is rejected and never stored.
type CidMismatchError struct {
	Claimed string
	Actual  string
}

func (e *CidMismatchError) Error() string {
	return fmt.Sprintf("cid mismatch: claimed %s, computed %s",
		cidFingerprint(e.Claimed), cidFingerprint(e.Actual))
}

// ReplacementSignatureError reports an arity-incompatible replacement
// binding, rejected when the binding is configured rather than at call time.
type ReplacementSignatureError struct {
	Name             string
	Replacement      string
	NameArity        int
	ReplacementArity int
}

func (e *ReplacementSignatureError) Error() string {
	return fmt.Sprintf("replacement %s (arity %d) incompatible with %s (arity %d)",
		e.Replacement, e.ReplacementArity, e.Name, e.NameArity)
}

// SerializationError is only returned in strict mode; the default path
// degrades to a placeholder instead.
type SerializationError struct {
	Path string // value path where encoding failed
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s failed: %v", e.Path, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// RaisedError is the raise directive materialized on the client: the
// intercepted call never ran, and the caller receives this error instead.
type RaisedError struct {
	Kind    string // exception type name chosen by the operator
	Message string
}

func (e *RaisedError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// EvalError reports a failed remote expression evaluation.
type EvalError struct {
	Expr   string
	Reason string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("eval %q failed: %s", e.Expr, e.Reason)
}

// MissingContentError signals that the receiver needs data for CIDs the
// sender omitted. The sender evicts them from its cache and resends.
type MissingContentError struct {
	CIDs []string
}

func (e *MissingContentError) Error() string {
	return fmt.Sprintf("receiver missing content for %d cid(s)", len(e.CIDs))
}
