package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cyberinferno/devlink/channel"
	"github.com/cyberinferno/devlink/envelope"
	"github.com/cyberinferno/devlink/idgenerator"
	"github.com/cyberinferno/devlink/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHost(t *testing.T, h *Host) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errCh <- h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
		}
	})
	return cancel, errCh
}

func TestHost_Run(t *testing.T) {
	t.Run("returns the bootstrap error", func(t *testing.T) {
		cfg := testConfig(closedAddr(t), closedAddr(t))
		h := NewHost(func() (*Session, error) { return New(cfg), nil }, logger.NewNop(), nil)

		err := h.Run(context.Background())
		require.ErrorIs(t, err, ErrBootstrap)
		assert.Zero(t, h.Generation())
		assert.Nil(t, h.Current())
	})

	t.Run("returns factory errors", func(t *testing.T) {
		errFactory := errors.New("bad config")
		h := NewHost(func() (*Session, error) { return nil, errFactory }, logger.NewNop(), nil)

		assert.ErrorIs(t, h.Run(context.Background()), errFactory)
	})

	t.Run("returns nil when the context ends", func(t *testing.T) {
		p := startPeer(t)
		cfg := testConfig(p.addr(channel.RoleCommand), p.addr(channel.RoleData))
		h := NewHost(func() (*Session, error) { return New(cfg), nil }, logger.NewNop(), nil)

		cancel, errCh := runHost(t, h)
		require.Eventually(t, func() bool { return h.Current() != nil }, waitFor, tick)
		sess := h.Current()

		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Run did not return")
		}
		assert.Nil(t, h.Current())
		assert.False(t, sess.Channel(channel.RoleCommand).IsValid())
	})
}

func TestHost_HardReset(t *testing.T) {
	t.Run("replaces a connected session with a fresh one", func(t *testing.T) {
		p := startPeer(t)
		cfg := testConfig(p.addr(channel.RoleCommand), p.addr(channel.RoleData))
		h := NewHost(func() (*Session, error) { return New(cfg), nil }, logger.NewNop(), nil)

		runHost(t, h)
		require.Eventually(t, func() bool { return h.Generation() == 1 && h.Current() != nil }, waitFor, tick)
		first := h.Current()

		// put the first session into a failing state
		require.NoError(t, p.latest(t, channel.RoleCommand).SendRaw([]byte{0, 0, 0, 0}))
		require.Eventually(t, func() bool { return first.Retries() > 0 }, waitFor, tick)

		h.HardReset()
		require.Eventually(t, func() bool {
			cur := h.Current()
			return h.Generation() == 2 && cur != nil && cur != first
		}, waitFor, tick)

		second := h.Current()
		assert.NotEqual(t, first.ID(), second.ID())
		assert.Zero(t, second.Retries())
		assert.True(t, second.Channel(channel.RoleCommand).IsValid())
		assert.True(t, second.Channel(channel.RoleData).IsValid())
		assert.False(t, first.Channel(channel.RoleCommand).IsValid())
		assert.Equal(t, StateStopped, first.Supervisor().State())
		assert.Equal(t, 2, p.connections(channel.RoleCommand))
	})

	t.Run("keeps ids unique across generations", func(t *testing.T) {
		p := startPeer(t)
		cfg := testConfig(p.addr(channel.RoleCommand), p.addr(channel.RoleData))
		ids := idgenerator.NewIdGenerator(0)
		h := NewHost(func() (*Session, error) { return New(cfg, WithIDs(ids)), nil }, logger.NewNop(), nil)

		runHost(t, h)
		require.Eventually(t, func() bool { return h.Current() != nil }, waitFor, tick)
		_, err := h.Current().Sender().Send(envelope.EvtHeartbeat, nil)
		require.NoError(t, err)

		h.HardReset()
		require.Eventually(t, func() bool { return h.Generation() == 2 && h.Current() != nil }, waitFor, tick)
		_, err = h.Current().Sender().Send(envelope.EvtHeartbeat, nil)
		require.NoError(t, err)

		var got []uint64
		for len(got) < 2 {
			select {
			case env := <-p.inbound:
				got = append(got, env.ID)
			case <-time.After(waitFor):
				t.Fatal("missing heartbeat")
			}
		}
		assert.Equal(t, []uint64{1, 2}, got)
	})
}

func TestHost_RequestReconnect(t *testing.T) {
	p := startPeer(t)
	cfg := testConfig(p.addr(channel.RoleCommand), p.addr(channel.RoleData))
	h := NewHost(func() (*Session, error) { return New(cfg), nil }, logger.NewNop(), nil)

	assert.False(t, h.RequestReconnect())

	runHost(t, h)
	require.Eventually(t, func() bool { return h.Current() != nil }, waitFor, tick)

	assert.True(t, h.RequestReconnect())
	require.Eventually(t, func() bool { return h.Current().Supervisor().Cycles() == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.Generation())
}
