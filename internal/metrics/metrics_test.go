package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilSinkIsNoop(t *testing.T) {
	var m *Metrics
	m.GameCreated()
	m.TurnSubmitted("set")
	m.JudgmentRecorded("landed")
	m.DisputeEvent("filed")
	m.GameFinished("elimination")
	m.LiveSessionPhase("created")
	m.LiveTurnObserved(5 * time.Second)
	m.SocketOpened()
	m.SocketClosed()
	m.SweepAction("expire")
}

func TestHelpersIncrement(t *testing.T) {
	m := NewWith(prometheus.NewRegistry())

	m.GameCreated()
	m.GameCreated()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GamesCreated))

	m.TurnSubmitted("set")
	m.TurnSubmitted("response")
	m.TurnSubmitted("set")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TurnsSubmitted.WithLabelValues("set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsSubmitted.WithLabelValues("response")))

	m.JudgmentRecorded("landed")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Judgments.WithLabelValues("landed")))

	m.DisputeEvent("upheld")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Disputes.WithLabelValues("upheld")))

	m.GameFinished("forfeit")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GamesFinished.WithLabelValues("forfeit")))

	m.LiveSessionPhase("created")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveSessions.WithLabelValues("created")))

	m.SocketOpened()
	m.SocketOpened()
	m.SocketClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SocketsActive))

	m.SweepAction("paused")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepActions.WithLabelValues("paused")))
}
