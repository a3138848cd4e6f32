package service

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/proxyerr"
)

// sseStream wraps an upstream event stream. It passes all bytes through
// unchanged while scanning `data:` lines for token usage, guarantees the
// lifecycle hook fires exactly once on every exit path, and appends the
// STREAM_ERROR frame when the upstream dies mid-stream.
type sseStream struct {
	downstream     context.Context
	body           io.ReadCloser
	cancelUpstream context.CancelFunc
	hooks          StreamHooks
	start          time.Time
	logger         *zap.Logger

	usageCh chan models.Usage
	parser  sseUsageParser

	mu       sync.Mutex
	finished bool
	closed   bool

	// frame holds the unread part of the STREAM_ERROR frame once the stream
	// switches to error-frame emission.
	frame     []byte
	frameMode bool
}

func newSSEStream(
	downstream context.Context,
	body io.ReadCloser,
	cancelUpstream context.CancelFunc,
	hooks StreamHooks,
	start time.Time,
	logger *zap.Logger,
) *sseStream {
	return &sseStream{
		downstream:     downstream,
		body:           body,
		cancelUpstream: cancelUpstream,
		hooks:          hooks,
		start:          start,
		logger:         logger,
		usageCh:        make(chan models.Usage, 1),
	}
}

func (s *sseStream) Read(p []byte) (int, error) {
	if s.inFrameMode() {
		return s.readFrame(p)
	}

	n, err := s.body.Read(p)
	if n > 0 {
		s.parser.feed(p[:n])
	}
	if err == nil {
		return n, nil
	}

	if err == io.EOF {
		s.finish(func() {
			if s.hooks.OnClean != nil {
				s.hooks.OnClean(float64(time.Since(s.start).Milliseconds()))
			}
		})
		return n, io.EOF
	}

	if s.wasCancelled() {
		s.finish(func() {
			if s.hooks.OnCancel != nil {
				s.hooks.OnCancel()
			}
		})
		return n, err
	}

	// Upstream died mid-stream: emit the terminating error frame, then EOF.
	s.logger.Warn("upstream stream error", zap.Error(err))
	streamErr := err
	s.finish(func() {
		if s.hooks.OnError != nil {
			s.hooks.OnError(streamErr)
		}
	})
	s.enterFrameMode()
	if n > 0 {
		return n, nil
	}
	return s.readFrame(p)
}

// Close is called by the gateway once it stops consuming (including when the
// downstream client disconnected). It cancels the upstream read and swallows
// subsequent errors.
func (s *sseStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancelUpstream()
	_ = s.body.Close()

	s.finish(func() {
		if s.hooks.OnCancel != nil {
			s.hooks.OnCancel()
		}
	})
	return nil
}

// finish runs the outcome callback and fulfils the usage channel exactly once.
func (s *sseStream) finish(outcome func()) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	s.parser.flush()
	if s.parser.haveUsage {
		s.usageCh <- s.parser.lastUsage
	}
	close(s.usageCh)
	outcome()
}

func (s *sseStream) wasCancelled() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return closed || s.downstream.Err() != nil
}

func (s *sseStream) enterFrameMode() {
	s.mu.Lock()
	s.frameMode = true
	s.frame = proxyerr.SSEErrorFrame
	s.mu.Unlock()
}

func (s *sseStream) inFrameMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameMode
}

func (s *sseStream) readFrame(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frame) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.frame)
	s.frame = s.frame[n:]
	return n, nil
}

// sseUsageParser scans SSE `data:` payloads incrementally for token usage.
// The last usage observed wins; `[DONE]` and non-JSON payloads are ignored.
type sseUsageParser struct {
	buf       []byte
	lastUsage models.Usage
	haveUsage bool
}

func (p *sseUsageParser) feed(b []byte) {
	p.buf = append(p.buf, b...)
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		p.parseLine(line)
	}
}

// flush handles a final line without a trailing newline at EOF.
func (p *sseUsageParser) flush() {
	if len(p.buf) > 0 {
		p.parseLine(p.buf)
		p.buf = nil
	}
}

func (p *sseUsageParser) parseLine(line []byte) {
	text := strings.TrimSpace(string(line))
	if !strings.HasPrefix(text, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(text, "data:"))
	if payload == "" || payload == "[DONE]" {
		return
	}
	if usage, ok := models.ExtractUsageJSON([]byte(payload)); ok {
		p.lastUsage = usage
		p.haveUsage = true
	}
}
