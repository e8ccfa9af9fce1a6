package resample

import (
	"context"
	"sync"
	"time"
)

// streamingHelper couples a source to its resampling helper: a background
// goroutine ingests samples as they arrive, and resample produces and sends
// one output sample on demand.
type streamingHelper struct {
	mu     sync.Mutex
	helper *helper
	sink   Sink

	cancel context.CancelFunc
	done   chan struct{}
	err    error // why ingest ended; read only after done is closed
}

func newStreamingHelper(h *helper, source Source, sink Sink) *streamingHelper {
	ctx, cancel := context.WithCancel(context.Background())
	s := &streamingHelper{
		helper: h,
		sink:   sink,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.ingest(ctx, source)
	return s
}

// ingest drains the source until it closes or the helper is stopped.
// Samples without a value never reach the resampling buffer.
func (s *streamingHelper) ingest(ctx context.Context, source Source) {
	defer close(s.done)
	for {
		select {
		case sample, ok := <-source:
			if !ok {
				return
			}
			if !sample.HasValue() {
				continue
			}
			s.mu.Lock()
			s.helper.addSample(sample)
			s.mu.Unlock()
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
	}
}

// properties returns a copy of the source properties.
func (s *streamingHelper) properties() SourceProperties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.helper.props
}

// resample produces the sample for the given timestamp and sends it to the
// sink. If the ingest goroutine already finished, its error is returned
// instead (a SourceStoppedError when the source simply closed). Sink errors
// surface to the caller while ingestion keeps running.
func (s *streamingHelper) resample(ctx context.Context, timestamp time.Time) error {
	select {
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return &SourceStoppedError{Name: s.helper.name}
	default:
	}

	s.mu.Lock()
	sample := s.helper.resample(timestamp)
	s.mu.Unlock()

	return s.sink(ctx, sample)
}

// stop cancels the ingest goroutine and waits for it to exit.
func (s *streamingHelper) stop() {
	s.cancel()
	<-s.done
}
