package lens

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestLocalProcessIdentity(t *testing.T) {
	t.Parallel()

	identity := LocalProcessIdentity()
	assert.Equal(t, os.Getpid(), identity.PID)
	assert.Positive(t, identity.StartNano)

	// identity is stable for the life of the process
	assert.True(t, identity.Same(LocalProcessIdentity()))
	assert.Equal(t, identity.Key(), LocalProcessIdentity().Key())
}

func TestProcessIdentityKey(t *testing.T) {
	t.Parallel()

	base := ProcessIdentity{PID: 100, StartNano: 5000, Host: "node1"}
	assert.Equal(t, "node1/100@5000", base.Key())

	// a reused pid with a later start time must map to a different key
	reused := ProcessIdentity{PID: 100, StartNano: 9000, Host: "node1"}
	assert.NotEqual(t, base.Key(), reused.Key())
	assert.False(t, base.Same(reused))

	otherHost := ProcessIdentity{PID: 100, StartNano: 5000, Host: "node2"}
	assert.NotEqual(t, base.Key(), otherHost.Key())
	assert.False(t, base.Same(otherHost))
}

func TestCaptureStack(t *testing.T) {
	t.Parallel()

	stack := CaptureStack(0)
	require.NotEmpty(t, stack)
	assert.Contains(t, stack[0].Function, "TestCaptureStack")
	assert.Positive(t, stack[0].Line)
	assert.NotEmpty(t, stack[0].File)

	// skipping one frame drops this function from the top
	skipped := captureFromHelper()
	require.NotEmpty(t, skipped)
	assert.NotContains(t, skipped[0].Function, "captureFromHelper")
}

func captureFromHelper() []StackFrame {
	return CaptureStack(1)
}

func TestCallRecordSummary(t *testing.T) {
	t.Parallel()

	record := &CallRecord{
		CallID:           "c-1",
		Name:             "svc.Fetch",
		CallType:         CallTypeProxy,
		Signature:        "func(int) string",
		Status:           CallStatusException,
		Process:          ProcessIdentity{PID: 7, StartNano: 1, Host: "h"},
		TargetCID:        emptyCID,
		ArgCIDs:          []string{emptyCID},
		StartedNano:      100,
		CompletedNano:    250,
		DurationNano:     150,
		ExceptionType:    "TimeoutError",
		ExceptionMessage: "deadline exceeded",
	}
	summary := record.Summary()

	assert.Equal(t, record.CallID, summary.CallID)
	assert.Equal(t, record.Name, summary.Name)
	assert.Equal(t, record.CallType, summary.CallType)
	assert.Equal(t, record.Status, summary.Status)
	assert.Equal(t, record.Process, summary.Process)
	assert.Equal(t, record.StartedNano, summary.StartedNano)
	assert.Equal(t, record.CompletedNano, summary.CompletedNano)
	assert.Equal(t, record.DurationNano, summary.DurationNano)
	assert.Equal(t, record.ExceptionType, summary.ExceptionType)
	assert.Equal(t, record.ExceptionMessage, summary.ExceptionMessage)
}

func TestStackFrameCodec(t *testing.T) {
	t.Parallel()

	t.Run("round_trip", func(t *testing.T) {
		t.Parallel()

		frames := []StackFrame{
			{File: "/src/app/main.go", Function: "main.main", Line: 10},
			{File: "/src/app/svc.go", Function: "app.Fetch", Line: 42},
			{File: "/src/app/svc.go", Function: "app.Fetch", Line: 58},
			{File: "/src/app/main.go", Function: "main.run", Line: 20},
		}
		blob, err := MarshalStackFrames(frames)
		require.NoError(t, err)
		require.NotEmpty(t, blob)

		out, err := UnmarshalStackFrames(blob)
		require.NoError(t, err)
		require.Len(t, out, len(frames))
		for i := range frames {
			assert.True(t, frames[i].Equal(out[i]), "frame %d", i)
		}
	})

	t.Run("empty_stack", func(t *testing.T) {
		t.Parallel()

		blob, err := MarshalStackFrames(nil)
		require.NoError(t, err)
		assert.Nil(t, blob)

		out, err := UnmarshalStackFrames(nil)
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("dictionary_amortizes_repeats", func(t *testing.T) {
		t.Parallel()

		// deep stacks repeat the same few files; the dictionary keeps the
		// blob from growing linearly with the raw strings
		frames := make([]StackFrame, 200)
		for i := range frames {
			frames[i] = StackFrame{
				File:     "/very/long/path/to/the/project/internal/handler.go",
				Function: "project/internal.HandleRequest",
				Line:     uint(i),
			}
		}
		blob, err := MarshalStackFrames(frames)
		require.NoError(t, err)

		rawSize := len(frames) * (len(frames[0].File) + len(frames[0].Function))
		assert.Less(t, len(blob), rawSize/4)
	})

	t.Run("corrupt_blob", func(t *testing.T) {
		t.Parallel()

		_, err := UnmarshalStackFrames([]byte{0x01, 0x02, 0x03})
		require.Error(t, err)
	})

	t.Run("index_out_of_range", func(t *testing.T) {
		t.Parallel()

		bad := encStack{
			Files:  []string{"f.go"},
			Funcs:  []string{"fn"},
			Frames: []encFrame{{F: 5, N: 0, L: 1}},
		}
		raw, err := msgpack.Marshal(&bad)
		require.NoError(t, err)
		_, err = UnmarshalStackFrames(SnappyCompress(nil, raw))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "out of range")
	})
}

func TestStackFrameString(t *testing.T) {
	t.Parallel()

	frame := StackFrame{File: "/src/a.go", Function: "pkg.Do", Line: 12}
	rendered := frame.String()
	assert.Equal(t, "pkg.Do /src/a.go:12", rendered)
	assert.True(t, strings.HasSuffix(rendered, ":12"))
}

func TestStackFrameEqual(t *testing.T) {
	t.Parallel()

	a := StackFrame{File: "f", Function: "fn", Line: 1}
	assert.True(t, a.Equal(StackFrame{File: "f", Function: "fn", Line: 1}))
	assert.False(t, a.Equal(StackFrame{File: "f", Function: "fn", Line: 2}))
	assert.False(t, a.Equal(StackFrame{File: "g", Function: "fn", Line: 1}))
	assert.False(t, a.Equal(StackFrame{File: "f", Function: "gn", Line: 1}))
}
