package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-delay-predictor/internal/history"
)

func TestBuildWhere(t *testing.T) {
	dow, peak := 2, true
	where, args := buildWhere(history.Filter{
		ServiceID:      7,
		StopKey:        "market st",
		DestinationKey: "bury",
		Scheduled:      &history.Range{Min: 590, Max: 650},
		DayOfWeek:      &dow,
		IsPeak:         &peak,
		OnlyDelayed:    true,
	})
	assert.Equal(t, " WHERE service_id = $1 AND stop_key = $2 AND destination_key = $3 AND scheduled_mins >= $4 AND scheduled_mins <= $5 AND day_of_week = $6 AND is_peak = $7 AND delay_mins IS NOT NULL", where)
	assert.Equal(t, []any{int64(7), "market st", "bury", 590, 650, 2, true}, args)

	where, args = buildWhere(history.Filter{})
	assert.Empty(t, where)
	assert.Nil(t, args)
}

func TestLikeEscape(t *testing.T) {
	assert.Equal(t, `50\% off\_peak`, likeEscape("50% off_peak"))
}

var _ history.Store = (*Store)(nil)

func TestDSNDatabase(t *testing.T) {
	name, err := DatabaseName("postgres://u:p@db:5432/delays?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "delays", name)

	_, err = DatabaseName("postgres://u@db:5432")
	assert.Error(t, err)
	_, err = DatabaseName("mysql://u@db/x")
	assert.Error(t, err)

	dsn, err := WithDBName("u@db:5432/delays?sslmode=disable", "postgres")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u@db:5432/postgres?sslmode=disable", dsn)
}
