package config

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a 5 field cron expression or a macro (@hourly, @every 5m)
// and returns the interval between two consecutive runs.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

// ParseDuration accepts both Go durations (90s, 1h30m) and ISO8601
// durations (PT90S, P1DT2H).
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "P") {
		return ParseISODuration(s)
	}
	return time.ParseDuration(s)
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" || !isoDurationRx.MatchString(dur) {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)

	// without T the M is ambiguous (month or minute)
	hasT := strings.Contains(dur, "T")
	hasHMS := false

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}

		num, frac, err := splitNumber(part)
		if err != nil {
			return 0, err
		}
		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			hasHMS = true
			unit = time.Hour
		case "minute":
			hasHMS = true
			if !hasT {
				return 0, ErrISOFormat
			}
			unit = time.Minute
		case "second":
			hasHMS = true
			unit = time.Second
		default:
			return 0, fmt.Errorf("unknown component %s", name)
		}
		if num > math.MaxInt64/int64(unit) {
			return 0, errors.New("duration overflow")
		}
		ret += time.Duration(num)*unit + time.Duration(frac*float64(unit))
	}

	// eg P2DT
	if hasT && !hasHMS {
		return 0, ErrISOFormat
	}
	return ret, nil
}

func splitNumber(s string) (num int64, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	a, b, ok := strings.Cut(s, ".")
	if ok {
		if len(b) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, err := strconv.Atoi(b)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(b))
	}
	num, err = strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}
