package commands

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadTime    = errors.New("invalid time")
	ErrBadDate    = errors.New("invalid date")
	ErrBadDelay   = errors.New("invalid delay")
	ErrNextDayOff = errors.New("--next-day is disabled")
)

var (
	reClock = regexp.MustCompile(`^([0-9]{1,2}):([0-9]{2})(?::([0-9]{2}))?$`)
	reDate  = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}$`)
)

// WhenOptions controls how a time expression is resolved.
type WhenOptions struct {
	Location     *time.Location
	NextDay      bool // roll a passed time-only expression to tomorrow
	AllowNextDay bool
}

// ParseWhen resolves a schedule time expression relative to now.
//
//	HH:MM[:SS]               today in Location
//	YYYY-MM-DD HH:MM[:SS]    that day in Location
//	in <duration>            now + duration (90s, 15m, 1h30m)
//	<RFC3339>                absolute
//
// A time-only expression that already passed today stays in the past
// (and is rejected by the scheduler) unless NextDay is set.
func ParseWhen(args []string, now time.Time, opt WhenOptions) (time.Time, error) {
	loc := opt.Location
	if loc == nil {
		loc = time.Local
	}
	if opt.NextDay && !opt.AllowNextDay {
		return time.Time{}, ErrNextDayOff
	}

	switch len(args) {
	case 1:
		s := strings.TrimSpace(args[0])
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			if opt.NextDay {
				return time.Time{}, errors.New("--next-day only applies to a time of day")
			}
			return t, nil
		}
		h, m, sec, err := parseClock(s)
		if err != nil {
			return time.Time{}, err
		}
		local := now.In(loc)
		t := time.Date(local.Year(), local.Month(), local.Day(), h, m, sec, 0, loc)
		if opt.NextDay && t.Before(now) {
			t = time.Date(local.Year(), local.Month(), local.Day()+1, h, m, sec, 0, loc)
		}
		return t, nil

	case 2:
		if strings.EqualFold(args[0], "in") {
			d, err := time.ParseDuration(strings.TrimSpace(args[1]))
			if err != nil || d <= 0 {
				return time.Time{}, fmt.Errorf("%w %q (use e.g. 90s, 15m, 1h30m)", ErrBadDelay, args[1])
			}
			if opt.NextDay {
				return time.Time{}, errors.New("--next-day only applies to a time of day")
			}
			return now.Add(d), nil
		}
		if opt.NextDay {
			return time.Time{}, errors.New("--next-day only applies to a time of day")
		}
		ds := strings.TrimSpace(args[0])
		if !reDate.MatchString(ds) {
			return time.Time{}, fmt.Errorf("%w %q (use YYYY-MM-DD)", ErrBadDate, ds)
		}
		day, err := time.ParseInLocation("2006-01-02", ds, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w %q", ErrBadDate, ds)
		}
		h, m, sec, err := parseClock(args[1])
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(day.Year(), day.Month(), day.Day(), h, m, sec, 0, loc), nil

	case 0:
		return time.Time{}, errors.New("time is required")
	default:
		return time.Time{}, fmt.Errorf("too many time arguments: %s", strings.Join(args, " "))
	}
}

func parseClock(s string) (h, m, sec int, err error) {
	s = strings.TrimSpace(s)
	mm := reClock.FindStringSubmatch(s)
	if mm == nil {
		return 0, 0, 0, fmt.Errorf("%w %q (use HH:MM or HH:MM:SS)", ErrBadTime, s)
	}
	h, _ = strconv.Atoi(mm[1])
	m, _ = strconv.Atoi(mm[2])
	if mm[3] != "" {
		sec, _ = strconv.Atoi(mm[3])
	}
	if h > 23 || m > 59 || sec > 59 {
		return 0, 0, 0, fmt.Errorf("%w %q (out of range)", ErrBadTime, s)
	}
	return h, m, sec, nil
}
