// Package timerange expands coarse time expressions into explicit ranges one
// granularity finer, using Gregorian calendar arithmetic.
package timerange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

var (
	// ErrUnrecognized is returned when a time string cannot be parsed for its granularity.
	ErrUnrecognized = errors.New("unrecognized time expression")
	// ErrMinimalGranularity is returned by RequireRange for HOUR and SHIFT expressions.
	ErrMinimalGranularity = errors.New("time expression is already at minimal granularity")
)

// Downgrade maps each expandable granularity to the granularity of its range endpoints.
// HOUR and SHIFT are terminal and absent from the table.
var Downgrade = map[models.TimeType]models.TimeType{
	models.TimeTypeYear:    models.TimeTypeMonth,
	models.TimeTypeQuarter: models.TimeTypeMonth,
	models.TimeTypeMonth:   models.TimeTypeDay,
	models.TimeTypeWeek:    models.TimeTypeDay,
	models.TimeTypeTenDays: models.TimeTypeDay,
	models.TimeTypeDay:     models.TimeTypeHour,
}

var (
	yearRe    = regexp.MustCompile(`^(\d{4})年?$`)
	quarterRe = regexp.MustCompile(`(?i)^(\d{4})\s*[-/ ]?\s*Q([1-4])$`)
	monthRe   = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})$`)
	weekRe    = regexp.MustCompile(`(?i)^(\d{4})\s*-?\s*W(\d{1,2})$`)
	tenDaysRe = regexp.MustCompile(`(?i)^(\d{4})[-/.](\d{1,2})[-/. ]?(1|2|3|early|mid|middle|late|upper|lower|上旬|中旬|下旬)$`)
	dayRe     = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})$`)
)

// Range is the outcome of a normalization. Expanded is true when TimeString
// is an explicit range, either supplied by the user or produced here.
type Range struct {
	TimeString string          `json:"timeString"`
	TimeType   models.TimeType `json:"timeType"`
	Expanded   bool            `json:"expanded"`
}

// Slot returns the range as a time slot.
func (r Range) Slot() models.TimeSlot {
	return models.TimeSlot{TimeString: r.TimeString, TimeType: r.TimeType}
}

// Expander produces a range for expressions the deterministic parser cannot read.
// Its output is never trusted for calendar correctness and is always validated.
type Expander interface {
	ExpandRange(ctx context.Context, timeString string, timeType models.TimeType) (models.TimeSlot, error)
}

// Normalizer expands time expressions relative to a clock.
type Normalizer struct {
	now      func() time.Time
	expander Expander
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the clock used to decide the current year and month.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// WithExpander sets the fallback expander for free-form expressions.
func WithExpander(e Expander) Option {
	return func(n *Normalizer) {
		n.expander = e
	}
}

// NewNormalizer creates a Normalizer using time.Now unless overridden.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize expands timeString one granularity finer. Explicit ranges are returned
// unchanged, as are HOUR and SHIFT expressions (with Expanded false).
func (n *Normalizer) Normalize(ctx context.Context, timeString string, timeType models.TimeType) (Range, error) {
	ts := strings.TrimSpace(timeString)
	if strings.Contains(ts, models.RangeSeparator) {
		return Range{TimeString: ts, TimeType: timeType, Expanded: true}, nil
	}
	if _, ok := Downgrade[timeType]; !ok {
		return Range{TimeString: ts, TimeType: timeType}, nil
	}

	slot, err := Expand(ts, timeType, n.now())
	if err == nil {
		return Range{TimeString: slot.TimeString, TimeType: slot.TimeType, Expanded: true}, nil
	}
	if n.expander == nil {
		return Range{}, err
	}

	slog.Debug("Normalizer.Normalize: deterministic parse failed, using expander", "timeString", ts, "timeType", timeType)
	gen, genErr := n.expander.ExpandRange(ctx, ts, timeType)
	if genErr != nil {
		return Range{}, fmt.Errorf("expand %q: %w", ts, genErr)
	}
	valid, vErr := Validate(gen.TimeString, gen.TimeType)
	if vErr != nil {
		return Range{}, vErr
	}
	return Range{TimeString: valid.TimeString, TimeType: valid.TimeType, Expanded: valid.IsRange()}, nil
}

// RequireRange normalizes and fails unless the result is an explicit range.
func (n *Normalizer) RequireRange(ctx context.Context, timeString string, timeType models.TimeType) (Range, error) {
	r, err := n.Normalize(ctx, timeString, timeType)
	if err != nil {
		return Range{}, err
	}
	if !r.Expanded {
		return Range{}, fmt.Errorf("%w: %s %s", ErrMinimalGranularity, timeType, timeString)
	}
	return r, nil
}

// Expand applies the downgrade table to a single point expression.
func Expand(timeString string, timeType models.TimeType, now time.Time) (models.TimeSlot, error) {
	target, ok := Downgrade[timeType]
	if !ok {
		return models.TimeSlot{}, fmt.Errorf("%w: %s is terminal", ErrMinimalGranularity, timeType)
	}
	var (
		start, end string
		err        error
	)
	switch timeType {
	case models.TimeTypeYear:
		start, end, err = expandYear(timeString, now)
	case models.TimeTypeQuarter:
		start, end, err = expandQuarter(timeString)
	case models.TimeTypeMonth:
		start, end, err = expandMonth(timeString)
	case models.TimeTypeWeek:
		start, end, err = expandWeek(timeString)
	case models.TimeTypeTenDays:
		start, end, err = expandTenDays(timeString)
	case models.TimeTypeDay:
		start, end, err = expandDay(timeString)
	}
	if err != nil {
		return models.TimeSlot{}, err
	}
	return models.TimeSlot{TimeString: start + models.RangeSeparator + end, TimeType: target}, nil
}

// MonthLastDay returns the number of days in month m of year y.
func MonthLastDay(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func unrecognized(ts string, tt models.TimeType) error {
	return fmt.Errorf("%w: %q as %s", ErrUnrecognized, ts, tt)
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func ym(y int, m time.Month) string {
	return fmt.Sprintf("%04d-%02d", y, int(m))
}

func ymd(y int, m time.Month, d int) string {
	return fmt.Sprintf("%04d-%02d-%02d", y, int(m), d)
}

func expandYear(ts string, now time.Time) (string, string, error) {
	m := yearRe.FindStringSubmatch(ts)
	if m == nil {
		return "", "", unrecognized(ts, models.TimeTypeYear)
	}
	y := atoi(m[1])
	last := time.December
	if y == now.Year() {
		last = now.Month()
	}
	return ym(y, time.January), ym(y, last), nil
}

func expandQuarter(ts string) (string, string, error) {
	m := quarterRe.FindStringSubmatch(ts)
	if m == nil {
		return "", "", unrecognized(ts, models.TimeTypeQuarter)
	}
	y, q := atoi(m[1]), atoi(m[2])
	first := time.Month((q-1)*3 + 1)
	return ym(y, first), ym(y, first+2), nil
}

func expandMonth(ts string) (string, string, error) {
	m := monthRe.FindStringSubmatch(ts)
	if m == nil {
		return "", "", unrecognized(ts, models.TimeTypeMonth)
	}
	y, mon := atoi(m[1]), atoi(m[2])
	if mon < 1 || mon > 12 {
		return "", "", unrecognized(ts, models.TimeTypeMonth)
	}
	month := time.Month(mon)
	return ymd(y, month, 1), ymd(y, month, MonthLastDay(y, month)), nil
}

func expandWeek(ts string) (string, string, error) {
	m := weekRe.FindStringSubmatch(ts)
	if m == nil {
		return "", "", unrecognized(ts, models.TimeTypeWeek)
	}
	y, w := atoi(m[1]), atoi(m[2])
	if w < 1 || w > isoWeeksInYear(y) {
		return "", "", unrecognized(ts, models.TimeTypeWeek)
	}
	// January 4th always falls in ISO week 1.
	jan4 := time.Date(y, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset+(w-1)*7)
	sunday := monday.AddDate(0, 0, 6)
	return ymd(monday.Year(), monday.Month(), monday.Day()), ymd(sunday.Year(), sunday.Month(), sunday.Day()), nil
}

func isoWeeksInYear(y int) int {
	_, w := time.Date(y, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return w
}

func expandTenDays(ts string) (string, string, error) {
	m := tenDaysRe.FindStringSubmatch(ts)
	if m == nil {
		return "", "", unrecognized(ts, models.TimeTypeTenDays)
	}
	y, mon := atoi(m[1]), atoi(m[2])
	if mon < 1 || mon > 12 {
		return "", "", unrecognized(ts, models.TimeTypeTenDays)
	}
	month := time.Month(mon)
	switch strings.ToLower(m[3]) {
	case "1", "early", "upper", "上旬":
		return ymd(y, month, 1), ymd(y, month, 10), nil
	case "2", "mid", "middle", "中旬":
		return ymd(y, month, 11), ymd(y, month, 20), nil
	default:
		return ymd(y, month, 21), ymd(y, month, MonthLastDay(y, month)), nil
	}
}

func expandDay(ts string) (string, string, error) {
	m := dayRe.FindStringSubmatch(ts)
	if m == nil {
		return "", "", unrecognized(ts, models.TimeTypeDay)
	}
	y, mon, d := atoi(m[1]), atoi(m[2]), atoi(m[3])
	if mon < 1 || mon > 12 || d < 1 || d > MonthLastDay(y, time.Month(mon)) {
		return "", "", unrecognized(ts, models.TimeTypeDay)
	}
	day := ymd(y, time.Month(mon), d)
	return day + " 00", day + " 23", nil
}
