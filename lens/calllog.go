package lens

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// CallLogStats holds aggregate call history counters.
type CallLogStats struct {
	Calls      int64 `json:"calls"`
	Pending    int64 `json:"pending"`
	Exceptions int64 `json:"exceptions"`
	Actions    int64 `json:"actions"`
}

// CallFilter narrows a history query.
type CallFilter struct {
	Name   string
	Status CallStatus
	Limit  int
	Offset int
}

// CallLog persists call records and the directives applied to them.
type CallLog interface {
	// InsertStart records a new pending call. The record must carry a call ID.
	InsertStart(rec *CallRecord) error
	// Complete transitions a pending call to its final status. Returns
	// ErrUnknownCall when no call-start was recorded for callID.
	Complete(callID string, status CallStatus, resultCID, excType, excMsg string, completedNano int64) error
	// RecordAction appends one directive for history and reporting.
	RecordAction(callID, phase string, action *CallAction, timeNano int64) error
	// Get loads one record with its action history, or ErrUnknownCall.
	Get(callID string) (*CallRecord, []ActionRecord, error)
	// List returns history rows, newest first.
	List(filter CallFilter) ([]CallSummary, error)
	// ActionCounts reports how many directives of each type were recorded.
	ActionCounts() (map[string]int64, error)
	Stats() (CallLogStats, error)
	Close() error
}

type sqliteCallLog struct {
	db *sql.DB
}

// NewCallLog opens (or creates) the SQLite-backed call history at dbPath.
// The special path ":memory:" keeps the log in memory for tests and the
// ephemeral server mode.
func NewCallLog(dbPath string) (CallLog, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create call log dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}

	// SQLite performance pragmas
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("call log pragma %q: %w", p, err)
		}
	}

	l := &sqliteCallLog{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("call log migration: %w", err)
	}
	return l, nil
}

func (l *sqliteCallLog) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS calls (
			call_id      TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			call_type    TEXT NOT NULL,
			signature    TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			pid          INTEGER NOT NULL,
			proc_start   INTEGER NOT NULL,
			host         TEXT NOT NULL DEFAULT '',
			target_cid   TEXT NOT NULL DEFAULT '',
			arg_cids     TEXT NOT NULL DEFAULT '[]',
			kwarg_cids   TEXT NOT NULL DEFAULT '{}',
			result_cid   TEXT NOT NULL DEFAULT '',
			exc_type     TEXT NOT NULL DEFAULT '',
			exc_message  TEXT NOT NULL DEFAULT '',
			stack        BLOB,
			respond_as   TEXT NOT NULL DEFAULT '',
			started_at   INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0,
			duration_ns  INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_calls_name    ON calls(name);
		CREATE INDEX IF NOT EXISTS idx_calls_status  ON calls(status);
		CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at DESC);

		CREATE TABLE IF NOT EXISTS call_actions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id    TEXT NOT NULL,
			phase      TEXT NOT NULL,
			action     TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (call_id) REFERENCES calls(call_id)
		);

		CREATE INDEX IF NOT EXISTS idx_actions_call ON call_actions(call_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *sqliteCallLog) InsertStart(rec *CallRecord) error {
	if rec.CallID == "" {
		return &ProtocolError{Op: "call-log", Message: "record missing call id"}
	}
	argCIDs, err := json.Marshal(rec.ArgCIDs)
	if err != nil {
		return err
	}
	kwargCIDs, err := json.Marshal(rec.KwargCIDs)
	if err != nil {
		return err
	}
	stackBlob, err := MarshalStackFrames(rec.Stack)
	if err != nil {
		return err
	}

	_, err = l.db.Exec(
		`INSERT INTO calls (call_id, name, call_type, signature, status, pid, proc_start, host,
			target_cid, arg_cids, kwarg_cids, respond_as, stack, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Name, rec.CallType, rec.Signature, string(rec.Status),
		rec.Process.PID, rec.Process.StartNano, rec.Process.Host,
		rec.TargetCID, string(argCIDs), string(kwargCIDs), rec.RespondAs, stackBlob, rec.StartedNano,
	)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", rec.CallID, err)
	}
	return nil
}

func (l *sqliteCallLog) Complete(callID string, status CallStatus, resultCID, excType, excMsg string, completedNano int64) error {
	res, err := l.db.Exec(
		`UPDATE calls
		 SET status = ?, result_cid = ?, exc_type = ?, exc_message = ?,
		     completed_at = ?, duration_ns = ? - started_at
		 WHERE call_id = ? AND status = ?`,
		string(status), resultCID, excType, excMsg,
		completedNano, completedNano, callID, string(CallStatusPending),
	)
	if err != nil {
		return fmt.Errorf("complete call %s: %w", callID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		err := l.db.QueryRow(`SELECT status FROM calls WHERE call_id = ?`, callID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnknownCall
		} else if err != nil {
			return err
		}
		return &ProtocolError{Op: "call-complete", Message: "call " + callID + " already " + existing}
	}
	return nil
}

func (l *sqliteCallLog) RecordAction(callID, phase string, action *CallAction, timeNano int64) error {
	var exists int
	err := l.db.QueryRow(`SELECT 1 FROM calls WHERE call_id = ?`, callID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownCall
	} else if err != nil {
		return err
	}

	actionJSON, err := json.Marshal(action)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(
		`INSERT INTO call_actions (call_id, phase, action, created_at) VALUES (?, ?, ?, ?)`,
		callID, phase, string(actionJSON), timeNano,
	)
	if err != nil {
		return fmt.Errorf("record action for %s: %w", callID, err)
	}
	return nil
}

func (l *sqliteCallLog) Get(callID string) (*CallRecord, []ActionRecord, error) {
	row := l.db.QueryRow(
		`SELECT call_id, name, call_type, signature, status, pid, proc_start, host,
		        target_cid, arg_cids, kwarg_cids, result_cid, exc_type, exc_message,
		        stack, respond_as, started_at, completed_at, duration_ns
		 FROM calls WHERE call_id = ?`, callID,
	)

	var rec CallRecord
	var status, argCIDs, kwargCIDs string
	var stackBlob []byte
	err := row.Scan(
		&rec.CallID, &rec.Name, &rec.CallType, &rec.Signature, &status,
		&rec.Process.PID, &rec.Process.StartNano, &rec.Process.Host,
		&rec.TargetCID, &argCIDs, &kwargCIDs, &rec.ResultCID,
		&rec.ExceptionType, &rec.ExceptionMessage,
		&stackBlob, &rec.RespondAs, &rec.StartedNano, &rec.CompletedNano, &rec.DurationNano,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrUnknownCall
	} else if err != nil {
		return nil, nil, fmt.Errorf("load call %s: %w", callID, err)
	}
	rec.Status = CallStatus(status)
	if err := json.Unmarshal([]byte(argCIDs), &rec.ArgCIDs); err != nil {
		return nil, nil, fmt.Errorf("call %s arg cids: %w", callID, err)
	}
	if err := json.Unmarshal([]byte(kwargCIDs), &rec.KwargCIDs); err != nil {
		return nil, nil, fmt.Errorf("call %s kwarg cids: %w", callID, err)
	}
	if rec.Stack, err = UnmarshalStackFrames(stackBlob); err != nil {
		return nil, nil, fmt.Errorf("call %s stack: %w", callID, err)
	}

	rows, err := l.db.Query(
		`SELECT phase, action, created_at FROM call_actions WHERE call_id = ? ORDER BY id ASC`, callID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load actions for %s: %w", callID, err)
	}
	defer rows.Close()

	var actions []ActionRecord
	for rows.Next() {
		var ar ActionRecord
		var actionJSON string
		if err := rows.Scan(&ar.Phase, &actionJSON, &ar.TimeNano); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal([]byte(actionJSON), &ar.Action); err != nil {
			return nil, nil, fmt.Errorf("action for %s: %w", callID, err)
		}
		actions = append(actions, ar)
	}
	return &rec, actions, rows.Err()
}

func (l *sqliteCallLog) List(filter CallFilter) ([]CallSummary, error) {
	query := `
		SELECT call_id, name, call_type, status, pid, proc_start, host,
		       started_at, completed_at, duration_ns, exc_type, exc_message
		FROM calls WHERE 1=1
	`
	var args []any
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY started_at DESC, call_id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []CallSummary
	for rows.Next() {
		var cs CallSummary
		var status string
		if err := rows.Scan(
			&cs.CallID, &cs.Name, &cs.CallType, &status,
			&cs.Process.PID, &cs.Process.StartNano, &cs.Process.Host,
			&cs.StartedNano, &cs.CompletedNano, &cs.DurationNano,
			&cs.ExceptionType, &cs.ExceptionMessage,
		); err != nil {
			return nil, err
		}
		cs.Status = CallStatus(status)
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (l *sqliteCallLog) ActionCounts() (map[string]int64, error) {
	rows, err := l.db.Query(`SELECT action FROM call_actions`)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var actionJSON string
		if err := rows.Scan(&actionJSON); err != nil {
			return nil, err
		}
		var action CallAction
		if err := json.Unmarshal([]byte(actionJSON), &action); err != nil {
			return nil, fmt.Errorf("decode recorded action: %w", err)
		}
		counts[string(action.Type)]++
	}
	return counts, rows.Err()
}

func (l *sqliteCallLog) Stats() (CallLogStats, error) {
	var stats CallLogStats
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM calls`).Scan(&stats.Calls); err != nil {
		return stats, err
	}
	if err := l.db.QueryRow(
		`SELECT COUNT(*) FROM calls WHERE status = ?`, string(CallStatusPending),
	).Scan(&stats.Pending); err != nil {
		return stats, err
	}
	if err := l.db.QueryRow(
		`SELECT COUNT(*) FROM calls WHERE status = ?`, string(CallStatusException),
	).Scan(&stats.Exceptions); err != nil {
		return stats, err
	}
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM call_actions`).Scan(&stats.Actions); err != nil {
		return stats, err
	}
	return stats, nil
}

func (l *sqliteCallLog) Close() error {
	return l.db.Close()
}
