package filexfer

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sphynx-net/sphynx/internal/obs"
)

var sourceLog = obs.New("filexfer", "Source")

// Sender is the subset of sphynx.Conn a Source needs: queuing a
// reliable message for delivery on Stream.
type Sender interface {
	WriteReliable(stream uint8, data []byte) (uint32, error)
}

// Source sends one file over Stream as a start envelope followed by a
// run of chunk envelopes and a closing end envelope, adapted from the
// teacher's outgoing file.Transfer.
type Source struct {
	conn     Sender
	file     *os.File
	fileName string
	fileSize uint64

	mu               sync.Mutex
	state            State
	transferred      uint64
	Error            error
	progressCallback func(uint64)
	completeCallback func(error)
	errorCallback    func(error)

	done      chan struct{}
	closeOnce sync.Once
}

// WriteFile opens path, queues a start envelope naming its base name
// and size, and — if that queue succeeds — spawns a background pump
// that reads the file in ChunkSize pieces and queues a chunk envelope
// per read, finishing with an end envelope. WriteFile reports success
// iff the start message was queued into the reliable send engine: a
// later read error from the file does not unwind that success, it
// surfaces through the Source's Error field and OnError callback.
func WriteFile(conn Sender, path string) (*Source, error) {
	safePath, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(safePath)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	baseName := filepath.Base(safePath)
	if len(baseName) > MaxFileNameLength {
		_ = f.Close()
		return nil, ErrFileNameTooLong
	}

	s := &Source{
		conn:     conn,
		file:     f,
		fileName: baseName,
		fileSize: uint64(info.Size()),
		state:    StateRunning,
		done:     make(chan struct{}),
	}

	if _, err := conn.WriteReliable(Stream, encodeStart(s.fileSize, s.fileName)); err != nil {
		_ = f.Close()
		return nil, err
	}

	go s.pump()

	return s, nil
}

// OnProgress sets a callback invoked after every chunk is queued, with
// the cumulative number of bytes queued so far.
func (s *Source) OnProgress(cb func(uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressCallback = cb
}

// OnComplete sets a callback invoked once, when the file has been
// fully queued (err == nil) or the transfer failed (err != nil).
func (s *Source) OnComplete(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCallback = cb
}

// OnError sets a callback invoked whenever a read or queue error
// occurs, distinct from OnComplete so a caller can log every error
// even if only the first one ends the transfer.
func (s *Source) OnError(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCallback = cb
}

// State returns the transfer's current lifecycle state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transferred returns the number of bytes queued so far.
func (s *Source) Transferred() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

// Done returns a channel closed once the transfer reaches a terminal
// state (completed or errored).
func (s *Source) Done() <-chan struct{} { return s.done }

func (s *Source) pump() {
	defer s.finish()

	buf := make([]byte, ChunkSize)
	for {
		n, err := s.file.Read(buf)
		if n > 0 {
			if _, werr := s.conn.WriteReliable(Stream, encodeChunk(buf[:n])); werr != nil {
				s.fail(werr)
				return
			}
			s.mu.Lock()
			s.transferred += uint64(n)
			cb := s.progressCallback
			transferred := s.transferred
			s.mu.Unlock()
			if cb != nil {
				cb(transferred)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.complete()
				return
			}
			s.fail(err)
			return
		}
	}
}

func (s *Source) complete() {
	if _, err := s.conn.WriteReliable(Stream, encodeEnd()); err != nil {
		sourceLog.WithError(err, "send", "complete").Warn("failed to queue end envelope")
	}
	s.mu.Lock()
	s.state = StateCompleted
	cb := s.completeCallback
	s.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

func (s *Source) fail(err error) {
	sourceLog.WithError(err, "read", "pump").Error("file transfer failed")
	s.mu.Lock()
	s.state = StateError
	s.Error = err
	completeCb := s.completeCallback
	errorCb := s.errorCallback
	s.mu.Unlock()

	if _, werr := s.conn.WriteReliable(Stream, encodeErrorEnvelope(err.Error())); werr != nil {
		sourceLog.WithError(werr, "send", "fail").Warn("failed to queue error envelope")
	}
	if errorCb != nil {
		errorCb(err)
	}
	if completeCb != nil {
		completeCb(err)
	}
}

func (s *Source) finish() {
	_ = s.file.Close()
	s.closeOnce.Do(func() { close(s.done) })
}

