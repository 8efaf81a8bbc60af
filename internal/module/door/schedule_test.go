package door

import (
	"testing"
	"time"
)

func TestWithOffset(t *testing.T) {
	tests := []struct {
		clock  string
		offset int
		want   string
	}{
		{"06:00", 0, "06:00"},
		{"06:00", 15, "06:15"},
		{"06:10", -20, "05:50"},
		{"23:50", 20, "00:10"},
		{"00:05", -10, "23:55"},
	}
	for _, tt := range tests {
		got, err := WithOffset(tt.clock, tt.offset)
		if err != nil {
			t.Fatalf("WithOffset(%s, %d) error = %v", tt.clock, tt.offset, err)
		}
		if got != tt.want {
			t.Errorf("WithOffset(%s, %d) = %s, want %s", tt.clock, tt.offset, got, tt.want)
		}
	}
}

func TestParseClock_Invalid(t *testing.T) {
	for _, s := range []string{"", "6", "24:00", "12:60", "ab:cd", "-1:00"} {
		if _, err := parseClock(s); err == nil {
			t.Errorf("parseClock(%q) expected error", s)
		}
	}
}

func TestSettings_NextAction(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2026, 6, 1, h, m, 0, 0, time.Local) }
	timer := Settings{Mode: ModeTimer, Enabled: true, OpenTime: "06:00", CloseTime: "21:00"}

	tests := []struct {
		name       string
		settings   Settings
		now        time.Time
		wantAction Action
		wantTime   string
		wantDay    int
	}{
		{"before open", timer, day(5, 0), ActionOpen, "06:00", 1},
		{"between", timer, day(12, 0), ActionClose, "21:00", 1},
		{"after close rolls to tomorrow", timer, day(22, 0), ActionOpen, "06:00", 2},
		{"sun mode uses table with offsets", Settings{
			Mode: ModeSun, Enabled: true, OpenTime: "06:00", CloseTime: "21:00",
			OpenOffset: 30, CloseOffset: -15,
			SunTimesTable: []SunTime{{Date: "2026-06-01", Sunrise: "04:50", Sunset: "21:05"}},
		}, day(5, 0), ActionOpen, "05:20", 1},
		{"sun mode after sunrise", Settings{
			Mode: ModeSun, Enabled: true, OpenTime: "06:00", CloseTime: "21:00",
			CloseOffset: -15,
			SunTimesTable: []SunTime{{Date: "2026-06-01", Sunrise: "04:50", Sunset: "21:05"}},
		}, day(12, 0), ActionClose, "20:50", 1},
		{"sun mode without today falls back", Settings{
			Mode: ModeSun, Enabled: true, OpenTime: "06:30", CloseTime: "21:00",
			SunTimesTable: []SunTime{{Date: "2026-01-01", Sunrise: "07:50", Sunset: "16:05"}},
		}, day(5, 0), ActionOpen, "06:30", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := tt.settings.NextAction(tt.now)
			if next == nil {
				t.Fatal("NextAction() = nil")
			}
			if next.Action != tt.wantAction || next.Time != tt.wantTime || next.At.Day() != tt.wantDay {
				t.Errorf("NextAction() = %s at %s (day %d), want %s at %s (day %d)",
					next.Action, next.Time, next.At.Day(), tt.wantAction, tt.wantTime, tt.wantDay)
			}
		})
	}
}

func TestSettings_NextActionDisabled(t *testing.T) {
	s := DefaultSettings()
	s.Enabled = false
	if next := s.NextAction(time.Now()); next != nil {
		t.Errorf("NextAction() = %+v, want nil", next)
	}
}

func TestParseSunTimes(t *testing.T) {
	got := ParseSunTimes([]map[string]any{
		{"date": "2026-06-01", "sunrise": "04:50", "sunset": "21:05"},
		{"d": "2026-06-02", "sr": "04:49", "ss": "21:06"},
		{"sunrise": "04:48"},
	})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (dateless entry dropped)", len(got))
	}
	if got[1] != (SunTime{Date: "2026-06-02", Sunrise: "04:49", Sunset: "21:06"}) {
		t.Errorf("compact entry = %+v", got[1])
	}
}
