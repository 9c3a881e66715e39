package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/testutil"
)

// collector records the ids of the events it receives.
type collector struct {
	mu  sync.Mutex
	ids []int64
}

func (c *collector) WriteEvent(_ context.Context, ev *shower.ArrayEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, ev.EventID)
	return nil
}

func (c *collector) sorted() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]int64(nil), c.ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func newRunner(t *testing.T, workers int) *Runner {
	t.Helper()
	p, err := NewShowerProcessor(testutil.Subarray(t), []shower.Reconstructor{
		&fakeReco{name: "G", kind: shower.KindGeometry},
		&fakeReco{name: "E", kind: shower.KindEnergy, deps: []shower.Dependency{dep(shower.KindGeometry, "G")}},
	})
	require.NoError(t, err)
	return &Runner{Processor: p, Workers: workers}
}

// feed sends n events; every fifth one names an unknown telescope.
func feed(t *testing.T, n int) <-chan *shower.ArrayEvent {
	t.Helper()
	sub := testutil.Subarray(t)
	ch := make(chan *shower.ArrayEvent, n)
	for i := 0; i < n; i++ {
		var ev *shower.ArrayEvent
		if i%5 == 4 {
			ev = shower.NewArrayEvent(0, map[int]dl1.TelescopeDescriptor{99: {}})
		} else {
			ev = testutil.Event(t, sub, testutil.Shower{Intensities: map[int]float64{1: 10, 3: 20}})
		}
		ev.EventID = int64(i)
		ch <- ev
	}
	close(ch)
	return ch
}

func TestRunnerSkipsFailingEvents(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{0, 1, 4} {
		var sink collector
		stats, err := newRunner(t, workers).Run(context.Background(), feed(t, 20), &sink)
		require.NoError(t, err)
		assert.Equal(t, RunStats{Processed: 16, Failed: 4}, stats, "workers=%d", workers)

		var want []int64
		for i := int64(0); i < 20; i++ {
			if i%5 != 4 {
				want = append(want, i)
			}
		}
		assert.Equal(t, want, sink.sorted())
	}
}

func TestRunnerCountsSinkFailures(t *testing.T) {
	t.Parallel()

	sink := SinkFunc(func(_ context.Context, ev *shower.ArrayEvent) error {
		if ev.EventID%2 == 0 {
			return errors.New("disk full")
		}
		return nil
	})
	stats, err := newRunner(t, 3).Run(context.Background(), feed(t, 10), sink)
	require.NoError(t, err)
	// Events 4 and 9 fail processing; of the rest, 0, 2, 6 and 8 fail to store.
	assert.Equal(t, RunStats{Processed: 4, Failed: 6}, stats)
}

func TestRunnerNilSink(t *testing.T) {
	t.Parallel()

	stats, err := newRunner(t, 2).Run(context.Background(), feed(t, 5), nil)
	require.NoError(t, err)
	assert.Equal(t, RunStats{Processed: 4, Failed: 1}, stats)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	never := make(chan *shower.ArrayEvent)
	stats, err := newRunner(t, 2).Run(ctx, never, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, RunStats{}, stats)
}

func TestRunnerResultsAreClosed(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var closed []bool
	sink := SinkFunc(func(_ context.Context, ev *shower.ArrayEvent) error {
		mu.Lock()
		defer mu.Unlock()
		closed = append(closed, ev.DL2.Closed() && ev.DL2.EnergyValid("E"))
		return nil
	})
	_, err := newRunner(t, 4).Run(context.Background(), feed(t, 9), sink)
	require.NoError(t, err)
	assert.Len(t, closed, 8)
	for _, c := range closed {
		assert.True(t, c)
	}
}
