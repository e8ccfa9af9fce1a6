package resample

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryansname/gridctl/metrics"
)

// Resampler normalizes any number of registered timeseries to a fixed
// output period.
//
// The window end advances by pure addition of the resampling period instead
// of re-reading the clock, so scheduler lateness never compresses the
// following windows and output timestamps form an exact arithmetic
// progression.
type Resampler struct {
	cfg Config

	mu      sync.Mutex
	helpers map[Source]*streamingHelper
	names   map[Source]string

	windowEnd time.Time

	now func() time.Time // overridable in tests
}

// New creates a resampler with the given configuration.
func New(cfg Config) (*Resampler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Resampler{
		cfg:     cfg,
		helpers: make(map[Source]*streamingHelper),
		names:   make(map[Source]string),
		now:     time.Now,
	}
	r.windowEnd = r.now().Add(cfg.ResamplingPeriod)
	return r, nil
}

// Config returns the resampler configuration.
func (r *Resampler) Config() Config { return r.cfg }

// AddTimeseries starts resampling a new timeseries. It returns false if the
// source is already registered.
func (r *Resampler) AddTimeseries(name string, source Source, sink Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.helpers[source]; exists {
		return false
	}
	r.helpers[source] = newStreamingHelper(newHelper(name, r.cfg), source, sink)
	r.names[source] = name
	return true
}

// RemoveTimeseries stops resampling the timeseries produced by the source.
// It returns false if the source was not being resampled.
func (r *Resampler) RemoveTimeseries(source Source) bool {
	r.mu.Lock()
	helper, ok := r.helpers[source]
	delete(r.helpers, source)
	delete(r.names, source)
	r.mu.Unlock()
	if !ok {
		return false
	}
	helper.stop()
	return true
}

// SourceProperties returns what has been learnt about the given source.
func (r *Resampler) SourceProperties(source Source) (SourceProperties, bool) {
	r.mu.Lock()
	helper, ok := r.helpers[source]
	r.mu.Unlock()
	if !ok {
		return SourceProperties{}, false
	}
	return helper.properties(), true
}

// Stop cancels every timeseries' ingest goroutine and waits for them.
func (r *Resampler) Stop() {
	r.mu.Lock()
	helpers := make([]*streamingHelper, 0, len(r.helpers))
	for _, h := range r.helpers {
		helpers = append(helpers, h)
	}
	r.helpers = make(map[Source]*streamingHelper)
	r.names = make(map[Source]string)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range helpers {
		wg.Add(1)
		go func(h *streamingHelper) {
			defer wg.Done()
			h.stop()
		}(h)
	}
	wg.Wait()
}

// waitForNextWindow sleeps until the current window ends. If the window
// already ended it returns immediately, which lets resampling catch up; a
// noticeable slip is logged.
func (r *Resampler) waitForNextWindow(ctx context.Context) error {
	now := r.now()
	if r.windowEnd.After(now) {
		select {
		case <-time.After(r.windowEnd.Sub(now)):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	lateness := now.Sub(r.windowEnd)
	if lateness > r.cfg.ResamplingPeriod/10 {
		metrics.ResamplerLateTicksTotal.Inc()
		log.Warn().
			Time("window_end", r.windowEnd).
			Time("now", now).
			Dur("late_by", lateness).
			Dur("resampling_period", r.cfg.ResamplingPeriod).
			Msg("The resampling task woke up too late")
	}
	return nil
}

// Resample runs the periodic resampling loop. With oneShot it processes a
// single window and returns.
//
// A per-source failure does not stop the timer: the window still advances
// and a ResamplingError naming the faulty timeseries is returned. The caller
// should remove (and re-add if desired) those timeseries before calling
// Resample again.
func (r *Resampler) Resample(ctx context.Context, oneShot bool) error {
	for {
		if err := r.waitForNextWindow(ctx); err != nil {
			return err
		}

		r.mu.Lock()
		type entry struct {
			name   string
			helper *streamingHelper
		}
		entries := make([]entry, 0, len(r.helpers))
		for source, h := range r.helpers {
			entries = append(entries, entry{r.names[source], h})
		}
		windowEnd := r.windowEnd
		r.mu.Unlock()

		var wg sync.WaitGroup
		var errMu sync.Mutex
		failures := make(map[string]error)
		for _, e := range entries {
			wg.Add(1)
			go func(e entry) {
				defer wg.Done()
				if err := e.helper.resample(ctx, windowEnd); err != nil {
					errMu.Lock()
					failures[e.name] = err
					errMu.Unlock()
				}
			}(e)
		}
		wg.Wait()

		r.mu.Lock()
		r.windowEnd = r.windowEnd.Add(r.cfg.ResamplingPeriod)
		r.mu.Unlock()
		metrics.ResamplerTicksTotal.Inc()

		if len(failures) > 0 {
			metrics.ResamplerSourceErrorsTotal.Add(float64(len(failures)))
			return &ResamplingError{Errors: failures}
		}
		if oneShot {
			return nil
		}
	}
}
