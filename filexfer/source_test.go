package filexfer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records every reliable message queued against it,
// mirroring the mock-collaborator pattern the teacher's own
// mocks_test.go uses for its transport.Transport fake.
type fakeSender struct {
	mu       sync.Mutex
	messages [][]byte
	failNext error
}

func (f *fakeSender) WriteReliable(stream uint8, data []byte) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return 0, err
	}
	f.messages = append(f.messages, append([]byte(nil), data...))
	return uint32(len(f.messages)), nil
}

func (f *fakeSender) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.messages...)
}

func TestWriteFileQueuesStartThenChunksThenEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	content := []byte("hello sphynx file transfer")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	sender := &fakeSender{}
	src, err := WriteFile(sender, path)
	require.NoError(t, err)

	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pump to finish")
	}

	assert.Equal(t, StateCompleted, src.State())
	assert.Equal(t, uint64(len(content)), src.Transferred())

	msgs := sender.snapshot()
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, kindStart, msgs[0][0])
	assert.Equal(t, kindEnd, msgs[len(msgs)-1][0])

	var reassembled []byte
	for _, m := range msgs[1 : len(msgs)-1] {
		require.Equal(t, kindChunk, m[0])
		reassembled = append(reassembled, m[1:]...)
	}
	assert.Equal(t, content, reassembled)
}

func TestWriteFileFailsWhenStartCannotBeQueued(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	sender := &fakeSender{failNext: assert.AnError}
	_, err := WriteFile(sender, path)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestWriteFileRejectsMissingFile(t *testing.T) {
	_, err := WriteFile(&fakeSender{}, "/nonexistent/path/nope.txt")
	assert.Error(t, err)
}

func TestWriteFileRejectsDirectoryTraversal(t *testing.T) {
	_, err := WriteFile(&fakeSender{}, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrDirectoryTraversal)
}
