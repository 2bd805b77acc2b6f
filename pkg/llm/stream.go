package llm

import (
	"context"
	"sync"
)

// ChunkStream is the handle the language-model plugin returns from Send.
type ChunkStream interface {
	Chunks() <-chan StreamChunk
}

// Canceler is implemented by stream handles that can stop production.
type Canceler interface {
	Cancel()
}

// Stream is the default ChunkStream: a chunk channel plus the cancel
// function of the context it was started with.
type Stream struct {
	ch     <-chan StreamChunk
	cancel context.CancelFunc
	once   sync.Once
}

// NewStream wraps ch. cancel may be nil.
func NewStream(ch <-chan StreamChunk, cancel context.CancelFunc) *Stream {
	return &Stream{ch: ch, cancel: cancel}
}

// Chunks implements ChunkStream.
func (s *Stream) Chunks() <-chan StreamChunk {
	return s.ch
}

// Cancel implements Canceler. It is safe to call more than once.
func (s *Stream) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
