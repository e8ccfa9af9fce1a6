// Package resample normalizes asynchronous sample streams to a fixed output
// period. Each registered source is ingested in the background into a
// windowed buffer; a periodic driver produces exactly one output sample per
// source per resampling period, on a drift-free schedule.
package resample

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Sample is a single timeseries value. A NaN value means "no reading".
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// NewSample creates a sample with the given timestamp and value.
func NewSample(timestamp time.Time, value float64) Sample {
	return Sample{Timestamp: timestamp, Value: value}
}

// Time returns the sample timestamp.
func (s Sample) Time() time.Time { return s.Timestamp }

// HasValue reports whether the sample carries an actual reading.
func (s Sample) HasValue() bool { return !math.IsNaN(s.Value) }

// Source streams samples, one at a time, at whatever rate the underlying
// device produces them. Closing the channel signals the source stopped.
type Source <-chan Sample

// Sink receives resampled output. Errors surface to the Resample caller.
type Sink func(ctx context.Context, s Sample) error

// SourceProperties describes what the resampler has learnt about a source.
type SourceProperties struct {
	// SamplingStart is when the first sample was received; zero if none yet.
	SamplingStart time.Time
	// ReceivedSamples counts all samples received so far.
	ReceivedSamples uint64
	// SamplingPeriod is the inferred average input period; zero if still
	// unknown.
	SamplingPeriod time.Duration
}

// SourceStoppedError reports that a source stopped producing samples.
type SourceStoppedError struct {
	Name string
}

func (e *SourceStoppedError) Error() string {
	return fmt.Sprintf("timeseries %q stopped producing samples", e.Name)
}

// ResamplingError bundles the per-source errors of one resampling window.
// The timer keeps advancing when this is returned; the offending timeseries
// should be removed (and re-added if desired) before resampling again.
type ResamplingError struct {
	// Errors maps the timeseries name to the error hit while resampling it.
	// The error may come from the sink rather than the source; the name only
	// identifies which timeseries had the issue.
	Errors map[string]error
}

func (e *ResamplingError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %v", name, e.Errors[name])
	}
	return "errors found while resampling: " + strings.Join(parts, "; ")
}
