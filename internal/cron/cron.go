// Package cron runs App Engine cron.yaml jobs against a local server. In
// production App Engine fires these requests itself; locally the Runner
// imitates it, including the X-Appengine-Cron header the handlers check.
package cron

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// HeaderCron is set by App Engine on cron requests.
const HeaderCron = "X-Appengine-Cron"

// ErrInvalidSchedule is returned for schedules that cannot be converted.
var ErrInvalidSchedule = errors.New("cron: invalid schedule")

// Config enables the local runner.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
	BaseURL string `yaml:"base_url"`
}

// Entry is one job in cron.yaml.
type Entry struct {
	Description string `yaml:"description"`
	URL         string `yaml:"url"`
	Schedule    string `yaml:"schedule"`
	Target      string `yaml:"target"`
	Timezone    string `yaml:"timezone"`
}

type file struct {
	Cron []Entry `yaml:"cron"`
}

// Load reads and parses a cron.yaml file.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cron file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes cron.yaml content and validates every schedule.
func Parse(data []byte) ([]Entry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cron file: %w", err)
	}
	for i, e := range f.Cron {
		if e.URL == "" {
			return nil, fmt.Errorf("cron entry %d: url is required", i)
		}
		if _, err := ParseSchedule(e.Schedule, e.Timezone); err != nil {
			return nil, fmt.Errorf("cron entry %d (%s): %w", i, e.URL, err)
		}
	}
	return f.Cron, nil
}

var weekdays = map[string]string{
	"sunday": "0", "sun": "0",
	"monday": "1", "mon": "1",
	"tuesday": "2", "tue": "2",
	"wednesday": "3", "wed": "3",
	"thursday": "4", "thu": "4",
	"friday": "5", "fri": "5",
	"saturday": "6", "sat": "6",
}

// ParseSchedule converts an App Engine schedule to a cron schedule.
// Supported forms:
//
//	every 5 minutes | every 5 mins | every 2 hours [synchronized]
//	every day 09:30
//	every monday,friday 18:00
//	*/10 * * * *   (standard five-field expressions and @descriptors)
func ParseSchedule(expr, timezone string) (robfig.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}

	fields := strings.Fields(strings.ToLower(expr))
	if fields[0] != "every" {
		return parseStandard(expr, timezone)
	}
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}

	if n, err := strconv.Atoi(fields[1]); err == nil {
		if n <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
		}
		var unit time.Duration
		switch fields[2] {
		case "minute", "minutes", "min", "mins":
			unit = time.Minute
		case "hour", "hours":
			unit = time.Hour
		default:
			return nil, fmt.Errorf("%w: unknown unit %q", ErrInvalidSchedule, fields[2])
		}
		if len(fields) > 3 && !(len(fields) == 4 && fields[3] == "synchronized") {
			return nil, fmt.Errorf("%w: unsupported suffix in %q", ErrInvalidSchedule, expr)
		}
		return robfig.Every(time.Duration(n) * unit), nil
	}

	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}
	hour, minute, err := parseClock(fields[2])
	if err != nil {
		return nil, err
	}

	dow := "*"
	if fields[1] != "day" {
		var days []string
		for _, name := range strings.Split(fields[1], ",") {
			d, ok := weekdays[name]
			if !ok {
				return nil, fmt.Errorf("%w: unknown day %q", ErrInvalidSchedule, name)
			}
			days = append(days, d)
		}
		dow = strings.Join(days, ",")
	}
	return parseStandard(fmt.Sprintf("%d %d * * %s", minute, hour, dow), timezone)
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad time %q", ErrInvalidSchedule, s)
	}
	return t.Hour(), t.Minute(), nil
}

// parseStandard parses a five-field expression in timezone, UTC when empty,
// unless expr carries its own CRON_TZ= or TZ= prefix.
func parseStandard(expr, timezone string) (robfig.Schedule, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	if !strings.HasPrefix(expr, "@every") && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	sched, err := robfig.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return sched, nil
}
