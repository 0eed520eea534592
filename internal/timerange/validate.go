package timerange

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

var endpointRe = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})(?:[-/.](\d{1,2}))?(?:[ T](\d{1,2})(?::\d{2})?)?$`)

type endpoint struct {
	year, month, day, hour int
	hasDay, hasHour        bool
}

func parseEndpoint(s string) (endpoint, bool) {
	m := endpointRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return endpoint{}, false
	}
	ep := endpoint{year: atoi(m[1]), month: atoi(m[2])}
	if m[3] != "" {
		ep.day, ep.hasDay = atoi(m[3]), true
	}
	if m[4] != "" {
		ep.hour, ep.hasHour = atoi(m[4]), true
	}
	return ep, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (ep endpoint) format(target models.TimeType, isEnd bool) string {
	month := time.Month(clamp(ep.month, 1, 12))
	if !ep.hasDay {
		return ym(ep.year, month)
	}
	s := ymd(ep.year, month, clamp(ep.day, 1, MonthLastDay(ep.year, month)))
	switch {
	case ep.hasHour:
		return fmt.Sprintf("%s %02d", s, clamp(ep.hour, 0, 23))
	case target == models.TimeTypeHour && isEnd:
		return s + " 23"
	case target == models.TimeTypeHour:
		return s + " 00"
	}
	return s
}

// Validate clamps every day into [1, last day of its month] and every hour into
// [0, 23]. When timeType is HOUR, an endpoint without an hour gets 00 (start) or
// 23 (end). Endpoints that do not parse are left untouched; if none parse,
// ErrUnrecognized is returned.
func Validate(timeString string, timeType models.TimeType) (models.TimeSlot, error) {
	parts := strings.Split(strings.TrimSpace(timeString), models.RangeSeparator)
	if len(parts) > 2 {
		return models.TimeSlot{}, fmt.Errorf("%w: %q has more than two endpoints", ErrUnrecognized, timeString)
	}
	parsed := 0
	for i, p := range parts {
		ep, ok := parseEndpoint(p)
		if !ok {
			parts[i] = strings.TrimSpace(p)
			continue
		}
		parsed++
		isEnd := len(parts) == 2 && i == 1
		parts[i] = ep.format(timeType, isEnd)
	}
	if parsed == 0 {
		return models.TimeSlot{}, fmt.Errorf("%w: %q", ErrUnrecognized, timeString)
	}
	return models.TimeSlot{TimeString: strings.Join(parts, models.RangeSeparator), TimeType: timeType}, nil
}
