package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedDelay(t *testing.T) {
	from := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	s := FixedDelay(time.Hour)
	assert.Equal(t, from.Add(time.Hour), s.Next(from))
	assert.Equal(t, "fixed-delay 1h0m0s", s.String())
}

func TestCron(t *testing.T) {
	from := time.Date(2025, 1, 1, 10, 7, 0, 0, time.UTC)

	s, err := Cron("*/15 * * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC), s.Next(from))

	_, err = Cron("not a cron")
	assert.Error(t, err)
	assert.Panics(t, func() { MustCron("61 * * * *") })
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("0 3 * * *"))
	assert.Error(t, ValidateCronExpression("* * *"))
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2025, 1, 1, 10, 7, 0, 0, time.UTC)
	next, err := NextRunTime("0 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC), next)

	_, err = NextRunTime("bogus", from)
	assert.Error(t, err)
}
