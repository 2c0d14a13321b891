package filexfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sphynx-net/sphynx/internal/obs"
)

var sinkLog = obs.New("filexfer", "Sink")

// Sink receives one file over Stream: a start envelope opens the
// destination file, chunk envelopes are appended in order (Stream is
// reliable-ordered, so no reassembly bookkeeping is needed beyond
// that), and an end or error envelope closes it out. Adapted from the
// teacher's incoming file.Transfer.
type Sink struct {
	destDir string

	mu               sync.Mutex
	file             *os.File
	fileName         string
	fileSize         uint64
	transferred      uint64
	state            State
	Error            error
	lastChunkTime    time.Time
	stallTimeout     time.Duration
	timeProvider     TimeProvider
	progressCallback func(uint64)
	completeCallback func(error)
	errorCallback    func(error)
}

// NewSink builds a Sink that writes received files into destDir.
func NewSink(destDir string) *Sink {
	return &Sink{
		destDir:      destDir,
		state:        StatePending,
		stallTimeout: DefaultStallTimeout,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider overrides the Sink's time source, for deterministic
// stall-detection tests.
func (s *Sink) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeProvider = tp
	s.lastChunkTime = tp.Now()
}

// SetStallTimeout overrides how long the Sink waits between chunks
// before CheckTimeout reports ErrTransferStalled. Zero disables stall
// detection.
func (s *Sink) SetStallTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallTimeout = d
}

// OnProgress sets a callback invoked after every chunk is written,
// with the cumulative number of bytes written so far.
func (s *Sink) OnProgress(cb func(uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressCallback = cb
}

// OnComplete sets a callback invoked once the file is fully written
// (err == nil) or the transfer ends in error (err != nil).
func (s *Sink) OnComplete(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCallback = cb
}

// OnError sets a callback invoked whenever a write error or malformed
// envelope is encountered.
func (s *Sink) OnError(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCallback = cb
}

// State returns the transfer's current lifecycle state.
func (s *Sink) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transferred returns the number of bytes written so far.
func (s *Sink) Transferred() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

// HandleMessage processes one message delivered on Stream. A caller
// wires this directly into its ConnHooks.OnMessage for stream ==
// filexfer.Stream.
func (s *Sink) HandleMessage(data []byte) {
	if len(data) == 0 {
		s.fail(ErrUnknownEnvelope)
		return
	}

	switch data[0] {
	case kindStart:
		s.handleStart(data)
	case kindChunk:
		s.handleChunk(data[1:])
	case kindEnd:
		s.handleEnd()
	case kindError:
		s.fail(fmt.Errorf("filexfer: peer reported error: %s", string(data[1:])))
	default:
		s.fail(ErrUnknownEnvelope)
	}
}

// CheckTimeout reports ErrTransferStalled and fails the transfer if no
// chunk has arrived within the stall timeout. It should be called
// periodically, e.g. from the owning Conn's OnTick hook.
func (s *Sink) CheckTimeout() error {
	s.mu.Lock()
	if s.stallTimeout == 0 || s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	stalled := s.timeProvider.Since(s.lastChunkTime) >= s.stallTimeout
	s.mu.Unlock()

	if !stalled {
		return nil
	}
	s.fail(ErrTransferStalled)
	return ErrTransferStalled
}

func (s *Sink) handleStart(data []byte) {
	fileSize, fileName, err := decodeStart(data)
	if err != nil {
		s.fail(err)
		return
	}

	safeName, err := ValidatePath(fileName)
	if err != nil {
		s.fail(err)
		return
	}
	destPath := filepath.Join(s.destDir, safeName)

	f, err := os.Create(destPath)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.file = f
	s.fileName = safeName
	s.fileSize = fileSize
	s.state = StateRunning
	s.lastChunkTime = s.timeProvider.Now()
	s.mu.Unlock()
}

func (s *Sink) handleChunk(chunk []byte) {
	if len(chunk) > MaxChunkSize {
		s.fail(ErrChunkTooLarge)
		return
	}

	s.mu.Lock()
	if s.state != StateRunning || s.file == nil {
		s.mu.Unlock()
		s.fail(errors.New("filexfer: chunk received before start envelope"))
		return
	}
	file := s.file
	s.mu.Unlock()

	if _, err := file.Write(chunk); err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.transferred += uint64(len(chunk))
	s.lastChunkTime = s.timeProvider.Now()
	cb := s.progressCallback
	transferred := s.transferred
	s.mu.Unlock()

	if cb != nil {
		cb(transferred)
	}
}

func (s *Sink) handleEnd() {
	s.mu.Lock()
	file := s.file
	s.state = StateCompleted
	cb := s.completeCallback
	s.mu.Unlock()

	if file != nil {
		if err := file.Close(); err != nil {
			sinkLog.WithError(err, "close", "handleEnd").Warn("failed to close completed file")
		}
	}
	if cb != nil {
		cb(nil)
	}
}

func (s *Sink) fail(err error) {
	sinkLog.WithError(err, "process", "HandleMessage").Error("file transfer failed")

	s.mu.Lock()
	s.state = StateError
	s.Error = err
	file := s.file
	completeCb := s.completeCallback
	errorCb := s.errorCallback
	s.mu.Unlock()

	if file != nil {
		_ = file.Close()
	}
	if errorCb != nil {
		errorCb(err)
	}
	if completeCb != nil {
		completeCb(err)
	}
}
