package door

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mode selects how the schedule picks its open/close times.
type Mode string

const (
	// ModeTimer uses the fixed open and close times.
	ModeTimer Mode = "timer"

	// ModeSun uses today's sunrise and sunset from the imported table.
	ModeSun Mode = "sun"
)

// Action is a scheduled door movement.
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// SunTime is one day of the sunrise/sunset table.
type SunTime struct {
	Date    string `json:"date"`
	Sunrise string `json:"sunrise"`
	Sunset  string `json:"sunset"`
}

// Settings is the persisted automatic-control configuration.
type Settings struct {
	Mode          Mode      `json:"mode"`
	Enabled       bool      `json:"enabled"`
	OpenTime      string    `json:"openTime"`
	CloseTime     string    `json:"closeTime"`
	OpenOffset    int       `json:"openOffset"`
	CloseOffset   int       `json:"closeOffset"`
	SunTimesTable []SunTime `json:"sunTimesTable"`
}

// DefaultSettings returns the factory schedule.
func DefaultSettings() Settings {
	return Settings{
		Mode:      ModeSun,
		Enabled:   true,
		OpenTime:  "06:00",
		CloseTime: "21:00",
	}
}

// ScheduledAction is the next automatic movement.
type ScheduledAction struct {
	Action Action    `json:"action"`
	Time   string    `json:"time"`
	At     time.Time `json:"-"`
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	hours, err := strconv.Atoi(h)
	if err != nil || hours < 0 || hours > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minutes, err := strconv.Atoi(m)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hours*60 + minutes, nil
}

func formatClock(minutes int) string {
	minutes = ((minutes % 1440) + 1440) % 1440
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// WithOffset shifts an "HH:MM" time by offset minutes, wrapping at midnight.
func WithOffset(clock string, offset int) (string, error) {
	m, err := parseClock(clock)
	if err != nil {
		return "", err
	}
	return formatClock(m + offset), nil
}

// ClockOf renders t as "HH:MM".
func ClockOf(t time.Time) string {
	return t.Format("15:04")
}

// sunTimeFor returns the table entry for the date of now.
func (s Settings) sunTimeFor(now time.Time) (SunTime, bool) {
	date := now.Format("2006-01-02")
	for _, e := range s.SunTimesTable {
		if e.Date == date {
			return e, true
		}
	}
	return SunTime{}, false
}

// targetTimes returns the open and close "HH:MM" times for the day of now.
func (s Settings) targetTimes(now time.Time) (openAt, closeAt string) {
	openAt, closeAt = s.OpenTime, s.CloseTime
	if s.Mode != ModeSun {
		return openAt, closeAt
	}
	entry, ok := s.sunTimeFor(now)
	if !ok {
		return openAt, closeAt
	}
	if t, err := WithOffset(entry.Sunrise, s.OpenOffset); err == nil {
		openAt = t
	}
	if t, err := WithOffset(entry.Sunset, s.CloseOffset); err == nil {
		closeAt = t
	}
	return openAt, closeAt
}

// NextAction computes the earliest upcoming movement after now.
// It returns nil when automatic control is disabled or no time parses.
func (s Settings) NextAction(now time.Time) *ScheduledAction {
	if !s.Enabled {
		return nil
	}
	openAt, closeAt := s.targetTimes(now)

	var candidates []ScheduledAction
	for _, c := range []struct {
		action Action
		clock  string
	}{{ActionOpen, openAt}, {ActionClose, closeAt}} {
		m, err := parseClock(c.clock)
		if err != nil {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), m/60, m%60, 0, 0, now.Location())
		if at.Before(now) {
			at = at.Add(24 * time.Hour)
		}
		candidates = append(candidates, ScheduledAction{Action: c.action, Time: c.clock, At: at})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].At.Before(candidates[j].At) })
	return &candidates[0]
}

// ParseSunTimes maps backend sun-time entries, accepting both the long
// (date/sunrise/sunset) and the compact (d/sr/ss) key forms.
func ParseSunTimes(entries []map[string]any) []SunTime {
	out := make([]SunTime, 0, len(entries))
	for _, e := range entries {
		st := SunTime{
			Date:    firstString(e, "date", "d"),
			Sunrise: firstString(e, "sunrise", "sr"),
			Sunset:  firstString(e, "sunset", "ss"),
		}
		if st.Date == "" {
			continue
		}
		out = append(out, st)
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
