package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.WhatsAppDailyLimit)
	assert.Equal(t, 20, cfg.WhatsAppHourlyLimit)
	assert.Equal(t, 30*time.Minute, cfg.MeetingDuration)
	assert.Equal(t, 24*time.Hour, cfg.ManagerTimeout)
	assert.Equal(t, time.Hour, cfg.ManualInputWindow)
	assert.Equal(t, "Europe/Amsterdam", cfg.Timezone.String())
	assert.Equal(t, 9, cfg.BusinessStartHour)
	assert.Equal(t, 17, cfg.BusinessEndHour)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "mongo")
	t.Setenv("WHATSAPP_HOURLY_LIMIT", "many")
	t.Setenv("BUSINESS_START_HOUR", "18")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_DRIVER")
	assert.Contains(t, err.Error(), "WHATSAPP_HOURLY_LIMIT")
	assert.Contains(t, err.Error(), "business hours")
}

func TestLoadPostgresNeedsURL(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 30, m)

	_, _, err = ParseClock("9am")
	assert.Error(t, err)
}
