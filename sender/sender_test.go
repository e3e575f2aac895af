package sender

import (
	"errors"
	"testing"
	"time"

	"github.com/cyberinferno/devlink/envelope"
	"github.com/cyberinferno/devlink/idgenerator"
	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	frames [][]byte
	err    error
}

func (w *captureWriter) Send(content []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.frames = append(w.frames, append([]byte(nil), content...))
	return len(content) + 4, nil
}

func (w *captureWriter) decoded(t *testing.T) []envelope.Envelope {
	t.Helper()

	out := make([]envelope.Envelope, 0, len(w.frames))
	for _, f := range w.frames {
		env, err := envelope.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestSender_Send(t *testing.T) {
	t.Run("assigns strictly increasing ids", func(t *testing.T) {
		w := &captureWriter{}
		s := New(w, idgenerator.NewIdGenerator(0), logger.NewNop(), nil)

		for i := 0; i < 3; i++ {
			_, err := s.Send(envelope.EvtHeartbeat, []byte("beat"))
			require.NoError(t, err)
		}

		envs := w.decoded(t)
		require.Len(t, envs, 3)
		for i, env := range envs {
			assert.Equal(t, uint64(i+1), env.ID)
			assert.Equal(t, envelope.EvtHeartbeat, env.Code)
			assert.Equal(t, []byte("beat"), env.Payload)
		}
	})

	t.Run("reports bytes written", func(t *testing.T) {
		w := &captureWriter{}
		s := New(w, idgenerator.NewIdGenerator(0), logger.NewNop(), nil)

		n, err := s.Send(envelope.EvtConnect, nil)
		require.NoError(t, err)
		assert.Equal(t, len(w.frames[0])+4, n)
	})

	t.Run("wraps write failures and counts them", func(t *testing.T) {
		errDown := errors.New("link down")
		reg := prometheus.NewRegistry()
		s := New(&captureWriter{err: errDown}, idgenerator.NewIdGenerator(0), logger.NewNop(), metrics.New(reg))

		_, err := s.Send(envelope.EvtError, []byte("x"))
		require.ErrorIs(t, err, errDown)
		assert.Contains(t, err.Error(), "EventError")

		families, err := reg.Gather()
		require.NoError(t, err)
		found := false
		for _, f := range families {
			if f.GetName() == "devlink_send_failures_total" {
				found = true
				assert.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
			}
		}
		assert.True(t, found)
	})
}

func TestSender_SendTimestamped(t *testing.T) {
	w := &captureWriter{}
	ids := idgenerator.NewIdGenerator(0)
	s := New(w, ids, logger.NewNop(), nil)

	before := uint64(time.Now().Unix())
	_, err := s.SendTimestamped(envelope.EvtDetectionResult, []byte{1})
	require.NoError(t, err)
	after := uint64(time.Now().Unix())

	env := w.decoded(t)[0]
	assert.GreaterOrEqual(t, env.ID, before)
	assert.LessOrEqual(t, env.ID, after)
	assert.Zero(t, ids.Last())
}

func TestSender_Reply(t *testing.T) {
	w := &captureWriter{}
	ids := idgenerator.NewIdGenerator(10)
	s := New(w, ids, logger.NewNop(), nil)

	_, err := s.Reply(envelope.Envelope{ID: 77, Code: envelope.CmdGetVersion}, envelope.EvtVersion, []byte("1.0"))
	require.NoError(t, err)

	env := w.decoded(t)[0]
	assert.Equal(t, uint64(77), env.ID)
	assert.Equal(t, envelope.EvtVersion, env.Code)
	assert.Equal(t, uint64(10), ids.Last())
}
