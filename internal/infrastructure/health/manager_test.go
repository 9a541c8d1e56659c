package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManager_AggregatesChecks(t *testing.T) {
	m := NewManager(nil)
	assert.True(t, m.IsHealthy(), "no checks means healthy")

	m.Register("exchange", func() error { return nil })
	assert.True(t, m.IsHealthy())

	m.Register("pipeline", func() error { return errors.New("stalled") })
	assert.False(t, m.IsHealthy())

	status := m.GetStatus()
	assert.Equal(t, "ok", status["exchange"])
	assert.Equal(t, "unhealthy: stalled", status["pipeline"])
}

func TestManager_RegisterReplacesCheck(t *testing.T) {
	m := NewManager(nil)
	m.Register("exchange", func() error { return errors.New("down") })
	assert.False(t, m.IsHealthy())

	m.Register("exchange", func() error { return nil })
	assert.True(t, m.IsHealthy())
}

func TestHeartbeat_StaleAfter(t *testing.T) {
	var hb Heartbeat
	check := hb.StaleAfter(time.Minute)

	assert.NoError(t, check(), "no beats yet, not stale")

	hb.Beat()
	assert.NoError(t, check())

	hb.BeatAt(time.Now().Add(-2 * time.Minute))
	err := check()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no progress")
}

func TestStalenessCheck_ZeroTimePasses(t *testing.T) {
	check := StalenessCheck(func() time.Time { return time.Time{} }, time.Second)
	assert.NoError(t, check())

	check = StalenessCheck(func() time.Time { return time.Now().Add(-time.Hour) }, time.Second)
	assert.Error(t, check())
}
