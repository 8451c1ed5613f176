package heartbeat

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbtimetravel/internal/schedule"
)

type counter struct {
	n   int
	err error
	ref time.Time
}

func (c *counter) CountDue(_ context.Context, ref time.Time) (int, error) {
	c.ref = ref
	return c.n, c.err
}

func TestTask(t *testing.T) {
	var buf bytes.Buffer
	task := Task(zerolog.New(&buf))

	assert.Equal(t, TaskName, task.Name)
	assert.Equal(t, Instance, task.InitialInstance)
	require.NotNil(t, task.Schedule)
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(30*time.Second), task.Schedule.Next(from))

	require.NoError(t, task.Handler.Handle(context.Background(), nil))
	assert.Contains(t, buf.String(), "heartbeat")
}

func TestCleanupTask(t *testing.T) {
	var buf bytes.Buffer
	c := &counter{n: 3, ref: time.Now()}
	task := CleanupTask(c, nil, zerolog.New(&buf))

	require.NoError(t, task.Handler.Handle(context.Background(), nil))
	assert.True(t, c.ref.IsZero(), "cleanup asks for the store's own now")
	assert.Contains(t, buf.String(), `"due":3`)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(5*time.Minute), task.Schedule.Next(from))

	nightly := CleanupTask(c, schedule.MustCron("0 3 * * *"), zerolog.Nop())
	assert.Equal(t, time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC), nightly.Schedule.Next(from))

	c.err = errors.New("db gone")
	assert.ErrorIs(t, task.Handler.Handle(context.Background(), nil), c.err)
}
