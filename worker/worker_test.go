package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberinferno/devlink/envelope"
	"github.com/cyberinferno/devlink/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errEmpty = errors.New("empty")

type readResult struct {
	content []byte
	err     error
}

// scriptedSource replays results in order, then blocks until ctx is done.
type scriptedSource struct {
	valid   atomic.Bool
	results chan readResult
}

func newScriptedSource(results ...readResult) *scriptedSource {
	s := &scriptedSource{results: make(chan readResult, len(results)+8)}
	s.valid.Store(true)
	for _, r := range results {
		s.results <- r
	}
	return s
}

func (s *scriptedSource) IsValid() bool {
	return s.valid.Load()
}

func (s *scriptedSource) AcceptOne(ctx context.Context) ([]byte, error) {
	select {
	case r := <-s.results:
		return r.content, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingDispatcher struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (d *recordingDispatcher) Dispatch(_ context.Context, env envelope.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envs = append(d.envs, env)
}

func (d *recordingDispatcher) received() []envelope.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]envelope.Envelope(nil), d.envs...)
}

type counter struct {
	incs   atomic.Int32
	resets atomic.Int32
}

func (c *counter) Inc()   { c.incs.Add(1) }
func (c *counter) Reset() { c.resets.Add(1) }

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
	sleepContext(ctx, time.Millisecond)
}

func (r *sleepRecorder) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.calls {
		if c == d {
			n++
		}
	}
	return n
}

func frame(id uint64, code envelope.Code, payload string) readResult {
	return readResult{content: envelope.Encode(envelope.Envelope{ID: id, Code: code, Payload: []byte(payload)})}
}

func newTestWorker(src Source, d Dispatcher, r Retries, rec *sleepRecorder) *Worker {
	return New(DefaultConfig("command"), src, d, r, logger.NewNop(), nil, WithSleep(rec.sleep))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestWorker_Start(t *testing.T) {
	t.Run("moves from idle to running", func(t *testing.T) {
		w := newTestWorker(newScriptedSource(), &recordingDispatcher{}, &counter{}, &sleepRecorder{})
		assert.Equal(t, Idle, w.State())

		require.NoError(t, w.Start(context.Background()))
		assert.Equal(t, Running, w.State())

		w.Stop()
		<-w.Done()
		assert.Equal(t, Stopped, w.State())
	})

	t.Run("refuses to start twice", func(t *testing.T) {
		w := newTestWorker(newScriptedSource(), &recordingDispatcher{}, &counter{}, &sleepRecorder{})
		require.NoError(t, w.Start(context.Background()))
		defer w.Stop()

		assert.ErrorIs(t, w.Start(context.Background()), ErrNotIdle)
	})

	t.Run("stopping an idle worker marks it stopped", func(t *testing.T) {
		w := newTestWorker(newScriptedSource(), &recordingDispatcher{}, &counter{}, &sleepRecorder{})
		w.Stop()

		assert.Equal(t, Stopped, w.State())
		select {
		case <-w.Done():
		default:
			t.Fatal("Done not closed")
		}
		assert.ErrorIs(t, w.Start(context.Background()), ErrNotIdle)
	})

	t.Run("exits when the parent context is cancelled", func(t *testing.T) {
		w := newTestWorker(newScriptedSource(), &recordingDispatcher{}, &counter{}, &sleepRecorder{})
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, w.Start(ctx))

		cancel()
		select {
		case <-w.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not exit")
		}
	})
}

func TestWorker_loop(t *testing.T) {
	t.Run("dispatches decoded envelopes in order and resets retries", func(t *testing.T) {
		src := newScriptedSource(frame(1, envelope.CmdHeartbeat, "a"), frame(2, envelope.CmdGetVersion, ""))
		d := &recordingDispatcher{}
		retries := &counter{}
		w := newTestWorker(src, d, retries, &sleepRecorder{})

		require.NoError(t, w.Start(context.Background()))
		defer w.Stop()

		require.Eventually(t, func() bool { return len(d.received()) == 2 }, 2*time.Second, 5*time.Millisecond)
		got := d.received()
		assert.Equal(t, uint64(1), got[0].ID)
		assert.Equal(t, envelope.CmdHeartbeat, got[0].Code)
		assert.Equal(t, []byte("a"), got[0].Payload)
		assert.Equal(t, uint64(2), got[1].ID)
		assert.Equal(t, int32(2), retries.resets.Load())
		assert.Zero(t, retries.incs.Load())
	})

	t.Run("five empty reads cause five backoff sleeps", func(t *testing.T) {
		results := make([]readResult, 5)
		for i := range results {
			results[i] = readResult{err: errEmpty}
		}
		src := newScriptedSource(results...)
		retries := &counter{}
		rec := &sleepRecorder{}
		w := New(DefaultConfig("data"), src, &recordingDispatcher{}, retries, logger.NewNop(), nil, WithSleep(rec.sleep))

		require.NoError(t, w.Start(context.Background()))

		require.Eventually(t, func() bool { return retries.incs.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, Running, w.State())
		w.Stop()
		<-w.Done()

		assert.Equal(t, 5, rec.count(DefaultConfig("").EmptyReadBackoff))
		assert.Equal(t, int32(5), retries.incs.Load())
		assert.Zero(t, retries.resets.Load())
	})

	t.Run("drops undecodable frames", func(t *testing.T) {
		src := newScriptedSource(readResult{content: []byte{0xff, 0xff}}, frame(9, envelope.CmdAIOn, "x"))
		d := &recordingDispatcher{}
		w := newTestWorker(src, d, &counter{}, &sleepRecorder{})

		require.NoError(t, w.Start(context.Background()))
		defer w.Stop()

		require.Eventually(t, func() bool { return len(d.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(9), d.received()[0].ID)
	})

	t.Run("backs off while the socket is invalid", func(t *testing.T) {
		src := newScriptedSource()
		src.valid.Store(false)
		retries := &counter{}
		rec := &sleepRecorder{}
		w := newTestWorker(src, &recordingDispatcher{}, retries, rec)

		require.NoError(t, w.Start(context.Background()))
		require.Eventually(t, func() bool { return rec.count(DefaultConfig("").IdleBackoff) >= 3 }, 2*time.Second, 5*time.Millisecond)
		w.Stop()
		<-w.Done()

		assert.GreaterOrEqual(t, retries.incs.Load(), int32(3))
	})
}

// blockingSource ignores cancellation and returns a valid frame only when
// released, simulating a read that completes after Stop.
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) IsValid() bool { return true }

func (b *blockingSource) AcceptOne(context.Context) ([]byte, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return envelope.Encode(envelope.Envelope{ID: 1, Code: envelope.CmdHeartbeat}), nil
}

func TestWorker_Stop(t *testing.T) {
	t.Run("no dispatch after stop", func(t *testing.T) {
		src := &blockingSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
		d := &recordingDispatcher{}
		w := newTestWorker(src, d, &counter{}, &sleepRecorder{})

		require.NoError(t, w.Start(context.Background()))
		<-src.entered

		w.Stop()
		assert.Contains(t, []State{Stopping, Stopped}, w.State())
		close(src.release)

		select {
		case <-w.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not exit")
		}
		assert.Empty(t, d.received())
	})

	t.Run("waits the grace period", func(t *testing.T) {
		rec := &sleepRecorder{}
		w := newTestWorker(newScriptedSource(), &recordingDispatcher{}, &counter{}, rec)
		require.NoError(t, w.Start(context.Background()))

		w.Stop()
		assert.Equal(t, 1, rec.count(DefaultConfig("").StopGrace))

		w.Stop()
		assert.Equal(t, 1, rec.count(DefaultConfig("").StopGrace))
	})
}
