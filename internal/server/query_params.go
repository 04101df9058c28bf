package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	dateOnlyLayout       = "2006-01-02"
	defaultAnalyticsDays = 30
)

func parseSnowflakeID(value string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid_snowflake_id")
	}
	return parsed, nil
}

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalInt(value string) (int, error) {
	parsed, err := parseOptionalInt64(value)
	if err != nil || parsed == nil {
		return 0, err
	}
	return int(*parsed), nil
}

// parseOptionalTime accepts RFC3339 or a bare date. A bare date used as an
// upper bound means the start of the following day, so windows stay half-open.
func parseOptionalTime(value string, upper bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		if upper {
			parsed = parsed.AddDate(0, 0, 1)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

// parseWindow reads from and to, defaulting to the trailing 30 days ending now.
func parseWindow(fromRaw, toRaw string, now time.Time) (time.Time, time.Time, error) {
	from, err := parseOptionalTime(fromRaw, false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseOptionalTime(toRaw, true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	end := now.UTC()
	if to != nil {
		end = *to
	}
	start := end.AddDate(0, 0, -defaultAnalyticsDays)
	if from != nil {
		start = *from
	}
	return start, end, nil
}
