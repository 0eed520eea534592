package timerange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

func fixedClock() time.Time {
	return time.Date(2025, time.October, 18, 9, 0, 0, 0, time.UTC)
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer(WithClock(fixedClock))
	tests := []struct {
		name     string
		in       string
		typ      models.TimeType
		want     string
		wantType models.TimeType
		expanded bool
	}{
		{"leap february", "2024-02", models.TimeTypeMonth, "2024-02-01~2024-02-29", models.TimeTypeDay, true},
		{"common february", "2023-02", models.TimeTypeMonth, "2023-02-01~2023-02-28", models.TimeTypeDay, true},
		{"hour unchanged", "2025-10-15 14", models.TimeTypeHour, "2025-10-15 14", models.TimeTypeHour, false},
		{"shift unchanged", "2025-10-15 night", models.TimeTypeShift, "2025-10-15 night", models.TimeTypeShift, false},
		{"explicit range unchanged", "2024-09-01~2024-09-07", models.TimeTypeDay, "2024-09-01~2024-09-07", models.TimeTypeDay, true},
		{"past year", "2023", models.TimeTypeYear, "2023-01~2023-12", models.TimeTypeMonth, true},
		{"current year", "2025", models.TimeTypeYear, "2025-01~2025-10", models.TimeTypeMonth, true},
		{"quarter", "2024-Q3", models.TimeTypeQuarter, "2024-07~2024-09", models.TimeTypeMonth, true},
		{"quarter compact", "2024q1", models.TimeTypeQuarter, "2024-01~2024-03", models.TimeTypeMonth, true},
		{"iso week", "2024-W37", models.TimeTypeWeek, "2024-09-09~2024-09-15", models.TimeTypeDay, true},
		{"iso week spanning years", "2025-W01", models.TimeTypeWeek, "2024-12-30~2025-01-05", models.TimeTypeDay, true},
		{"upper ten days", "2024-09-1", models.TimeTypeTenDays, "2024-09-01~2024-09-10", models.TimeTypeDay, true},
		{"middle ten days", "2024-09-mid", models.TimeTypeTenDays, "2024-09-11~2024-09-20", models.TimeTypeDay, true},
		{"lower ten days leap", "2024-02-下旬", models.TimeTypeTenDays, "2024-02-21~2024-02-29", models.TimeTypeDay, true},
		{"day", "2024-09-05", models.TimeTypeDay, "2024-09-05 00~2024-09-05 23", models.TimeTypeHour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := n.Normalize(context.Background(), tt.in, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.TimeString)
			assert.Equal(t, tt.wantType, r.TimeType)
			assert.Equal(t, tt.expanded, r.Expanded)
		})
	}
}

func TestNormalize_Unrecognized(t *testing.T) {
	n := NewNormalizer(WithClock(fixedClock))
	_, err := n.Normalize(context.Background(), "last autumn", models.TimeTypeMonth)
	assert.ErrorIs(t, err, ErrUnrecognized)

	_, err = n.Normalize(context.Background(), "2024-13", models.TimeTypeMonth)
	assert.ErrorIs(t, err, ErrUnrecognized)

	_, err = n.Normalize(context.Background(), "2024-W60", models.TimeTypeWeek)
	assert.ErrorIs(t, err, ErrUnrecognized)
}

func TestRequireRange_MinimalGranularity(t *testing.T) {
	n := NewNormalizer(WithClock(fixedClock))
	_, err := n.RequireRange(context.Background(), "2025-10-15 14", models.TimeTypeHour)
	assert.ErrorIs(t, err, ErrMinimalGranularity)

	r, err := n.RequireRange(context.Background(), "2024-09", models.TimeTypeMonth)
	require.NoError(t, err)
	assert.Equal(t, "2024-09-01~2024-09-30", r.TimeString)
}

type fakeExpander struct {
	slot  models.TimeSlot
	err   error
	calls int
}

func (f *fakeExpander) ExpandRange(ctx context.Context, timeString string, timeType models.TimeType) (models.TimeSlot, error) {
	f.calls++
	return f.slot, f.err
}

func TestNormalize_ExpanderOutputIsValidated(t *testing.T) {
	fe := &fakeExpander{slot: models.TimeSlot{TimeString: "2023-02-01~2023-02-31", TimeType: models.TimeTypeHour}}
	n := NewNormalizer(WithClock(fixedClock), WithExpander(fe))

	r, err := n.Normalize(context.Background(), "february last year", models.TimeTypeMonth)
	require.NoError(t, err)
	assert.Equal(t, 1, fe.calls)
	assert.Equal(t, "2023-02-01 00~2023-02-28 23", r.TimeString)
	assert.Equal(t, models.TimeTypeHour, r.TimeType)
	assert.True(t, r.Expanded)
}

func TestNormalize_ExpanderNotUsedForParseableInput(t *testing.T) {
	fe := &fakeExpander{}
	n := NewNormalizer(WithClock(fixedClock), WithExpander(fe))
	_, err := n.Normalize(context.Background(), "2024-09", models.TimeTypeMonth)
	require.NoError(t, err)
	assert.Zero(t, fe.calls)
}

func TestNormalize_ExpanderError(t *testing.T) {
	boom := errors.New("model unavailable")
	n := NewNormalizer(WithClock(fixedClock), WithExpander(&fakeExpander{err: boom}))
	_, err := n.Normalize(context.Background(), "sometime", models.TimeTypeWeek)
	assert.ErrorIs(t, err, boom)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		typ  models.TimeType
		want string
	}{
		{"clamps day", "2023-04-31", models.TimeTypeDay, "2023-04-30"},
		{"clamps zero day", "2023-04-00~2023-04-10", models.TimeTypeDay, "2023-04-01~2023-04-10"},
		{"clamps hour", "2024-01-01 25", models.TimeTypeHour, "2024-01-01 23"},
		{"fills hour bounds", "2024-01-01~2024-01-02", models.TimeTypeHour, "2024-01-01 00~2024-01-02 23"},
		{"month only untouched", "2024-01~2024-03", models.TimeTypeMonth, "2024-01~2024-03"},
		{"pads", "2024-1-5", models.TimeTypeDay, "2024-01-05"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(tt.in, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.TimeString)
		})
	}

	_, err := Validate("yesterday", models.TimeTypeDay)
	assert.ErrorIs(t, err, ErrUnrecognized)
}

func TestMonthLastDay(t *testing.T) {
	assert.Equal(t, 29, MonthLastDay(2024, time.February))
	assert.Equal(t, 28, MonthLastDay(1900, time.February))
	assert.Equal(t, 29, MonthLastDay(2000, time.February))
	assert.Equal(t, 31, MonthLastDay(2024, time.December))
}
