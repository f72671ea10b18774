// Package schedule computes run times of scheduled tasks.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linkerlin/groupclaw/internal/types"
)

// ErrInvalidSchedule is returned for malformed schedule kinds or values.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Standard five field expressions, no seconds and no descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// localOnceLayout is accepted for one-shot values without an offset; they
// are read in the configured location.
const localOnceLayout = "2006-01-02T15:04:05"

// InitialRun returns the first run time of a new task. It is never before
// now.
func InitialRun(kind, value string, now time.Time, loc *time.Location) (time.Time, error) {
	switch kind {
	case types.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %v: %w", value, err, ErrInvalidSchedule)
		}
		return sched.Next(now.In(loc)).UTC(), nil
	case types.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d).UTC(), nil
	case types.ScheduleOnce:
		at, err := parseOnce(value, loc)
		if err != nil {
			return time.Time{}, err
		}
		// A past time still fires once, on the next tick.
		if at.Before(now) {
			return now.UTC(), nil
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("schedule type %q: %w", kind, ErrInvalidSchedule)
	}
}

// NextRun returns the run time following a dispatch at now. One-shot tasks
// have no next run and yield nil.
func NextRun(kind, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	if kind == types.ScheduleOnce {
		if _, err := parseOnce(value, loc); err != nil {
			return nil, err
		}
		return nil, nil
	}
	next, err := InitialRun(kind, value, now, loc)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Validate checks kind and value without computing a run time.
func Validate(kind, value string, loc *time.Location) error {
	_, err := InitialRun(kind, value, time.Now(), loc)
	return err
}

// parseInterval reads a period in milliseconds.
func parseInterval(value string) (time.Duration, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("interval %q must be a positive number of milliseconds: %w", value, ErrInvalidSchedule)
	}
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return 0, fmt.Errorf("interval %q is too long: %w", value, ErrInvalidSchedule)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseOnce(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(localOnceLayout, value, loc); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("once %q is not a timestamp: %w", value, ErrInvalidSchedule)
}
