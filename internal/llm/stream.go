package llm

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
)

type chunkEvent struct {
	text string
	err  error
}

// Stream delivers incremental completion chunks. Each chunk is a delta;
// concatenating every received chunk in order yields the complete response.
// A pump goroutine drains the provider reader so Recv can enforce the
// per-chunk idle timeout independently of provider internals.
type Stream struct {
	events  chan chunkEvent
	cancel  context.CancelFunc
	timeout time.Duration
	once    sync.Once
}

func newStream(ctx context.Context, cancel context.CancelFunc, reader *schema.StreamReader[*schema.Message], timeout time.Duration) *Stream {
	s := &Stream{
		events:  make(chan chunkEvent, 16),
		cancel:  cancel,
		timeout: timeout,
	}
	go s.pump(ctx, reader)
	return s
}

func (s *Stream) pump(ctx context.Context, reader *schema.StreamReader[*schema.Message]) {
	defer close(s.events)
	defer reader.Close()
	for {
		msg, err := reader.Recv()
		if err != nil {
			if err == io.EOF {
				// clean end, channel close signals it
				return
			}
			select {
			case s.events <- chunkEvent{err: classify(err)}:
			case <-ctx.Done():
			}
			return
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		select {
		case s.events <- chunkEvent{text: msg.Content}:
		case <-ctx.Done():
			return
		}
	}
}

// Recv returns the next delta chunk. It returns io.EOF on a clean end of
// stream and ErrStreamTimeout when no chunk arrives within the idle window;
// the window resets on every received chunk.
func (s *Stream) Recv() (string, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-s.events:
		if !ok {
			return "", io.EOF
		}
		if ev.err != nil {
			return "", ev.err
		}
		return ev.text, nil
	case <-timer.C:
		s.Close()
		return "", errWrap(ErrStreamTimeout, context.DeadlineExceeded)
	}
}

// Close cancels the upstream call. Safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(s.cancel)
}
