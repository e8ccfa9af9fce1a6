package ringbuffer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

func (e entry) Time() time.Time { return e.Timestamp }

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time { return t0.Add(time.Duration(seconds) * time.Second) }

func fill(b *OrderedBuffer[entry], seconds ...int) {
	for _, s := range seconds {
		b.Push(entry{Timestamp: at(s), Value: float64(s)})
	}
}

func values(entries []entry) []float64 {
	out := make([]float64, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

func TestOrderedBuffer_PushAndEvict(t *testing.T) {
	b := New[entry](3)
	fill(b, 1, 2, 3)

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []float64{1, 2, 3}, values(b.Snapshot()))

	// Full buffer: pushing evicts the oldest entry.
	fill(b, 4)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []float64{2, 3, 4}, values(b.Snapshot()))

	oldest, ok := b.Oldest()
	require.True(t, ok)
	assert.Equal(t, 2.0, oldest.Value)
	newest, ok := b.Newest()
	require.True(t, ok)
	assert.Equal(t, 4.0, newest.Value)
}

func TestOrderedBuffer_Empty(t *testing.T) {
	b := New[entry](4)

	assert.Zero(t, b.Len())
	_, ok := b.Oldest()
	assert.False(t, ok)
	_, ok = b.Newest()
	assert.False(t, ok)
	assert.Empty(t, b.Window(at(0), at(100)))
}

func TestOrderedBuffer_MinimumCapacity(t *testing.T) {
	b := New[entry](0)
	assert.Equal(t, 1, b.Cap())

	fill(b, 1, 2)
	assert.Equal(t, []float64{2}, values(b.Snapshot()))
}

func TestOrderedBuffer_Window(t *testing.T) {
	b := New[entry](8)
	fill(b, 1, 2, 3, 4, 5)

	// Window is half-open: after < t <= until.
	assert.Equal(t, []float64{3, 4}, values(b.Window(at(2), at(4))))
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, values(b.Window(at(0), at(5))))
	assert.Empty(t, b.Window(at(5), at(10)))
	assert.Empty(t, b.Window(at(2), at(2)))
}

func TestOrderedBuffer_WindowAfterWraparound(t *testing.T) {
	b := New[entry](4)
	fill(b, 1, 2, 3, 4, 5, 6) // 1 and 2 evicted, ring wrapped

	assert.Equal(t, []float64{3, 4, 5, 6}, values(b.Snapshot()))
	assert.Equal(t, []float64{4, 5}, values(b.Window(at(3), at(5))))
}

func TestOrderedBuffer_ResizeKeepsNewest(t *testing.T) {
	b := New[entry](5)
	fill(b, 1, 2, 3, 4, 5)

	b.Resize(3)
	assert.Equal(t, 3, b.Cap())
	assert.Equal(t, []float64{3, 4, 5}, values(b.Snapshot()))

	// Growing keeps everything and allows more.
	b.Resize(6)
	fill(b, 6, 7)
	assert.Equal(t, []float64{3, 4, 5, 6, 7}, values(b.Snapshot()))
}

func TestOrderedBuffer_DumpLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.json")

	dumped := New[entry](4)
	fill(dumped, 1, 2, 3, 4, 5) // wrapped, so the dump covers ring state too
	require.NoError(t, dumped.Dump(path))

	loaded := New[entry](1)
	require.NoError(t, loaded.Load(path))

	assert.Equal(t, dumped.Cap(), loaded.Cap())
	assert.Equal(t, dumped.Snapshot(), loaded.Snapshot())
}

func TestOrderedBuffer_LoadMissingFile(t *testing.T) {
	b := New[entry](4)
	assert.Error(t, b.Load(filepath.Join(t.TempDir(), "nope.json")))
}
