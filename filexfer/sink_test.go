package filexfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is the same kind of deterministic TimeProvider fake the
// teacher's transfer_timeout_test.go builds for its own stall tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time               { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

func TestSinkReceivesFullTransfer(t *testing.T) {
	destDir := t.TempDir()
	sink := NewSink(destDir)

	var completed bool
	var completeErr error
	sink.OnComplete(func(err error) {
		completed = true
		completeErr = err
	})

	content := []byte("hello sphynx file transfer")
	sink.HandleMessage(encodeStart(uint64(len(content)), "hello.txt"))
	require.Equal(t, StateRunning, sink.State())

	sink.HandleMessage(encodeChunk(content[:10]))
	sink.HandleMessage(encodeChunk(content[10:]))
	sink.HandleMessage(encodeEnd())

	assert.True(t, completed)
	assert.NoError(t, completeErr)
	assert.Equal(t, StateCompleted, sink.State())
	assert.Equal(t, uint64(len(content)), sink.Transferred())

	written, err := os.ReadFile(filepath.Join(destDir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestSinkRejectsDirectoryTraversalInStartEnvelope(t *testing.T) {
	destDir := t.TempDir()
	sink := NewSink(destDir)

	var gotErr error
	sink.OnError(func(err error) { gotErr = err })

	sink.HandleMessage(encodeStart(10, "../../etc/passwd"))

	assert.ErrorIs(t, gotErr, ErrDirectoryTraversal)
	assert.Equal(t, StateError, sink.State())
}

func TestSinkRejectsChunkBeforeStart(t *testing.T) {
	sink := NewSink(t.TempDir())

	var gotErr error
	sink.OnError(func(err error) { gotErr = err })

	sink.HandleMessage(encodeChunk([]byte("orphan")))

	assert.Error(t, gotErr)
	assert.Equal(t, StateError, sink.State())
}

func TestSinkPropagatesPeerReportedError(t *testing.T) {
	destDir := t.TempDir()
	sink := NewSink(destDir)
	sink.HandleMessage(encodeStart(100, "partial.txt"))

	var gotErr error
	sink.OnError(func(err error) { gotErr = err })
	sink.HandleMessage(encodeErrorEnvelope("disk full on sender"))

	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "disk full on sender")
	assert.Equal(t, StateError, sink.State())
}

func TestSinkCheckTimeoutReportsStall(t *testing.T) {
	destDir := t.TempDir()
	sink := NewSink(destDir)

	clock := &fakeClock{now: time.Now()}
	sink.SetTimeProvider(clock)
	sink.SetStallTimeout(time.Second)

	sink.HandleMessage(encodeStart(10, "slow.txt"))
	require.NoError(t, sink.CheckTimeout())

	clock.now = clock.now.Add(2 * time.Second)
	err := sink.CheckTimeout()
	assert.ErrorIs(t, err, ErrTransferStalled)
	assert.Equal(t, StateError, sink.State())
}

func TestSinkRejectsOversizedChunk(t *testing.T) {
	destDir := t.TempDir()
	sink := NewSink(destDir)
	sink.HandleMessage(encodeStart(10, "big.txt"))

	var gotErr error
	sink.OnError(func(err error) { gotErr = err })
	sink.HandleMessage(encodeChunk(make([]byte, MaxChunkSize+1)))

	assert.ErrorIs(t, gotErr, ErrChunkTooLarge)
}
