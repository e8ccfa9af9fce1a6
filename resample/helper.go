package resample

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryansname/gridctl/ringbuffer"
)

// helper keeps the relevant samples of one source. All samples newer than
// max(resamplingPeriod, inputPeriod) * maxDataAgeInPeriods are relevant and
// are passed to the resampling function; older ones are discarded.
//
// Not safe for concurrent use; the streaming helper serializes access.
type helper struct {
	name   string
	cfg    Config
	buffer *ringbuffer.OrderedBuffer[Sample]
	props  SourceProperties
}

func newHelper(name string, cfg Config) *helper {
	return &helper{
		name:   name,
		cfg:    cfg,
		buffer: ringbuffer.New[Sample](cfg.InitialBufferLen),
	}
}

// addSample stores a sample. NaN-valued samples are filtered out before they
// get here.
func (h *helper) addSample(s Sample) {
	h.buffer.Push(s)
	if h.props.SamplingStart.IsZero() {
		h.props.SamplingStart = s.Timestamp
	}
	h.props.ReceivedSamples++
}

// updateSamplePeriod infers the source's sampling period once: when enough
// samples were seen, the buffer is full and time has actually passed. It is
// never re-inferred; the source rate is assumed approximately stationary.
func (h *helper) updateSamplePeriod(now time.Time) bool {
	if h.props.SamplingPeriod != 0 ||
		h.props.SamplingStart.IsZero() ||
		float64(h.props.ReceivedSamples) < h.cfg.ResamplingPeriod.Seconds()*h.cfg.MaxDataAgeInPeriods ||
		h.buffer.Len() < h.buffer.Cap() ||
		!now.After(h.props.SamplingStart) {
		return false
	}

	elapsed := now.Sub(h.props.SamplingStart)
	h.props.SamplingPeriod = elapsed / time.Duration(h.props.ReceivedSamples)

	log.Debug().
		Str("timeseries", h.name).
		Dur("sampling_period", h.props.SamplingPeriod).
		Msg("New input sampling period calculated")
	return true
}

// updateBufferLen resizes the buffer to hold all relevant samples for the
// inferred input period.
func (h *helper) updateBufferLen() {
	inputPeriod := h.props.SamplingPeriod.Seconds()
	resamplingPeriod := h.cfg.ResamplingPeriod.Seconds()

	var desired float64
	if inputPeriod >= resamplingPeriod {
		// Upsampling: one sample could be enough for back-filling, but keep
		// max_data_age input periods so resampling functions can
		// inter/extrapolate.
		desired = inputPeriod * h.cfg.MaxDataAgeInPeriods
	} else {
		// Downsampling: max_data_age resampling periods of data at one
		// sample per input period.
		desired = resamplingPeriod / inputPeriod * h.cfg.MaxDataAgeInPeriods
	}

	newLen := int(math.Ceil(desired))
	if newLen < 1 {
		newLen = 1
	}
	if newLen > h.cfg.MaxBufferLen {
		log.Error().
			Str("timeseries", h.name).
			Int("wanted", newLen).
			Int("using", h.cfg.MaxBufferLen).
			Msg("New buffer length is too big, truncating")
		newLen = h.cfg.MaxBufferLen
	} else if newLen > h.cfg.WarnBufferLen {
		log.Warn().
			Str("timeseries", h.name).
			Int("length", newLen).
			Int("warn_above", h.cfg.WarnBufferLen).
			Msg("New buffer length is unusually big")
	}

	if newLen == h.buffer.Cap() {
		return
	}

	log.Debug().
		Str("timeseries", h.name).
		Int("length", newLen).
		Msg("New buffer length calculated")
	h.buffer.Resize(newLen)
}

// resample produces the sample for the given output timestamp from the
// current window of relevant samples. With an empty window the output value
// is NaN, meaning there is no way to produce a meaningful value.
func (h *helper) resample(timestamp time.Time) Sample {
	if h.updateSamplePeriod(timestamp) {
		h.updateBufferLen()
	}

	// Which samples are relevant depends on whether we are down- or
	// upsampling.
	period := h.cfg.ResamplingPeriod
	if h.props.SamplingPeriod > period {
		period = h.props.SamplingPeriod
	}
	minRelevant := timestamp.Add(-time.Duration(float64(period) * h.cfg.MaxDataAgeInPeriods))

	window := h.buffer.Window(minRelevant, timestamp)
	if len(window) == 0 {
		return Sample{Timestamp: timestamp, Value: math.NaN()}
	}
	return Sample{Timestamp: timestamp, Value: h.cfg.Function(window, h.cfg, h.props)}
}
