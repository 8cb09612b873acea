package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errbot/internal/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  quiet_hours:\n    start_hour: 24\n")
	_, err := New(path)
	assert.Error(t, err)
}

func TestAppRunsWithoutTelegram(t *testing.T) {
	state := filepath.Join(t.TempDir(), "errbot")
	path := writeConfig(t, `
logging:
  console: false
  capture_errors: false
storage:
  driver: file
  path: `+state+`
`)
	a, err := New(path)
	require.NoError(t, err)
	require.Nil(t, a.adapter)

	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Pipeline().ReportError(pipeline.KindLogError, "disk full on /var", "", "store.go"))

	snaps := a.sups.Snapshots()
	assert.Contains(t, snaps, "app")
	assert.Contains(t, snaps, "pipeline")
	assert.Contains(t, snaps, "notifier")
	assert.Contains(t, a.statusLines(), "sink breaker: closed")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))

	_, err = os.Stat(state + ".records.json")
	assert.NoError(t, err)
}

func TestAppStartsWithUnusableToken(t *testing.T) {
	path := writeConfig(t, `
logging:
  console: false
  capture_errors: false
storage:
  driver: none
telegram:
  token: "123456:not-a-real-token"
  chat_id: 42
`)
	a, err := New(path)
	require.NoError(t, err)
	require.NotNil(t, a.adapter)

	require.NoError(t, a.Start(context.Background()))
	assert.Contains(t, a.sups.Snapshots(), "telegram")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func TestApplyUpdatesLiveComponents(t *testing.T) {
	path := writeConfig(t, "logging:\n  console: false\n")
	a, err := New(path)
	require.NoError(t, err)

	prev := a.cfgm.Get()
	next := *prev
	next.Pipeline.MaxErrorsPerMinute = 5
	next.Pipeline.TierCooldowns.Low = "1m"
	next.Telegram.OwnerUserIDs = []int64{7}

	a.apply(prev, &next)

	cfg := a.pipe.Config()
	assert.Equal(t, 5, cfg.MaxPerMinute)
	assert.Equal(t, time.Minute, cfg.Cooldowns.Low)
}
