package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery(t *testing.T) {
	s := Every(5 * time.Minute)
	now := time.Now()
	next := s.Next(now)

	assert.Equal(t, now.Add(5*time.Minute), next)
}

func TestEvery_MultipleNext(t *testing.T) {
	s := Every(time.Hour)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	next1 := s.Next(start)
	next2 := s.Next(next1)

	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), next1)
	assert.Equal(t, time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), next2)
}

func TestEvery_NonPositivePanics(t *testing.T) {
	assert.Panics(t, func() { Every(0) })
}

func TestDaily(t *testing.T) {
	s := Daily(3, 30)
	from := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC), s.Next(from))
}

func TestDaily_NextDay(t *testing.T) {
	s := Daily(3, 30)
	from := time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 1, 2, 3, 30, 0, 0, time.UTC), s.Next(from))
}

func TestCron(t *testing.T) {
	s := Cron("*/5 * * * *")
	from := time.Date(2024, 1, 1, 8, 2, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 1, 1, 8, 5, 0, 0, time.UTC), s.Next(from))
}

func TestCron_InvalidExpression_Panics(t *testing.T) {
	assert.Panics(t, func() {
		Cron("invalid cron")
	})
}

func TestParse(t *testing.T) {
	from := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	s, err := Parse("30s")
	require.NoError(t, err)
	assert.Equal(t, from.Add(30*time.Second), s.Next(from))

	s, err = Parse("@hourly")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), s.Next(from))

	s, err = Parse(" 0 4 * * * ")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC).AddDate(0, 0, 1), s.Next(from))
}

func TestParse_Invalid(t *testing.T) {
	for _, spec := range []string{"", "-5s", "not a schedule"} {
		_, err := Parse(spec)
		assert.Error(t, err, "spec %q", spec)
	}
}
