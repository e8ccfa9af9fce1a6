package resample

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Default buffer lengths. Buffers start small and are resized once the
// source's sampling period is known, so all the requested past periods fit.
const (
	DefaultInitialBufferLen = 16
	DefaultWarnBufferLen    = 128
	DefaultMaxBufferLen     = 1024
)

// ResamplingFunction produces a new value from the relevant window of past
// samples. The window is never empty and contains no NaN values. It can
// upsample (input slower than the resampling period) or downsample (input
// faster).
type ResamplingFunction func(window []Sample, cfg Config, props SourceProperties) float64

// Average is the default resampling function: the arithmetic mean of the
// window values.
func Average(window []Sample, _ Config, _ SourceProperties) float64 {
	var sum float64
	var count int
	for _, s := range window {
		if s.HasValue() {
			sum += s.Value
			count++
		}
	}
	return sum / float64(count)
}

// Config configures a Resampler.
type Config struct {
	// ResamplingPeriod is the fixed interval between output samples. Must be
	// positive.
	ResamplingPeriod time.Duration

	// MaxDataAgeInPeriods bounds how old a sample may be, in periods, to
	// still be passed to the resampling function. The period is the larger
	// of the resampling period and the input period. Must be at least 1;
	// defaults to 3.
	MaxDataAgeInPeriods float64

	// Function computes the output value; defaults to Average.
	Function ResamplingFunction

	// InitialBufferLen is the per-source buffer length before the input
	// period is known.
	InitialBufferLen int
	// WarnBufferLen is the buffer length above which a warning is logged.
	WarnBufferLen int
	// MaxBufferLen is the hard buffer length cap; growing past it logs an
	// error and truncates.
	MaxBufferLen int
}

// withDefaults fills unset fields with their default values.
func (c Config) withDefaults() Config {
	if c.MaxDataAgeInPeriods == 0 {
		c.MaxDataAgeInPeriods = 3
	}
	if c.Function == nil {
		c.Function = Average
	}
	if c.InitialBufferLen == 0 {
		c.InitialBufferLen = DefaultInitialBufferLen
	}
	if c.WarnBufferLen == 0 {
		c.WarnBufferLen = DefaultWarnBufferLen
	}
	if c.MaxBufferLen == 0 {
		c.MaxBufferLen = DefaultMaxBufferLen
	}
	return c
}

// Validate checks the configured values. Called on the defaulted config by
// New.
func (c Config) Validate() error {
	if c.ResamplingPeriod <= 0 {
		return fmt.Errorf("resampling period (%s) must be positive", c.ResamplingPeriod)
	}
	if c.MaxDataAgeInPeriods < 1 {
		return fmt.Errorf("max data age in periods (%v) should be at least 1", c.MaxDataAgeInPeriods)
	}
	if c.WarnBufferLen < 1 {
		return fmt.Errorf("warn buffer length (%d) should be at least 1", c.WarnBufferLen)
	}
	if c.MaxBufferLen <= c.WarnBufferLen {
		return fmt.Errorf(
			"max buffer length (%d) should be bigger than warn buffer length (%d)",
			c.MaxBufferLen, c.WarnBufferLen,
		)
	}
	if c.InitialBufferLen < 1 {
		return fmt.Errorf("initial buffer length (%d) should be at least 1", c.InitialBufferLen)
	}
	if c.InitialBufferLen > c.MaxBufferLen {
		return fmt.Errorf(
			"initial buffer length (%d) is bigger than max buffer length (%d)",
			c.InitialBufferLen, c.MaxBufferLen,
		)
	}
	if c.InitialBufferLen > c.WarnBufferLen {
		log.Warn().
			Int("initial", c.InitialBufferLen).
			Int("warn", c.WarnBufferLen).
			Msg("Initial buffer length is bigger than the warn buffer length")
	}
	return nil
}
