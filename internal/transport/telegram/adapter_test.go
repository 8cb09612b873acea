package telegram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "errbot/pkg/logx"
)

func TestNewDoesNotContactAPI(t *testing.T) {
	a, err := New(Config{Token: "123456:not-a-real-token"}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, a.bot.Me)
}

func TestNewRejectsEmptyToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	assert.Error(t, err)
}

func TestHTTPTimeoutFollowsSendTimeout(t *testing.T) {
	assert.Equal(t, 3*time.Second, Config{SendTimeout: 3 * time.Second}.httpTimeout())
	assert.Equal(t, 10*time.Second, Config{}.httpTimeout())
	// Long polling holds requests open for PollTimeout.
	assert.Equal(t, 35*time.Second, Config{Poll: true, PollTimeout: 30 * time.Second, SendTimeout: 3 * time.Second}.httpTimeout())
}
