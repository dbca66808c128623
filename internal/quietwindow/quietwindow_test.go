package quietwindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantOK  bool
		wantW   Window
	}{
		{"empty disables", "", false, Window{}},
		{"malformed no dash", "22:00", false, Window{}},
		{"malformed hhmm", "22-06:00", false, Window{}},
		{"simple same-day", "13:00-14:30", true, Window{Start: 13 * 60, End: 14*60 + 30}},
		{"overnight", "22:00-06:00", true, Window{Start: 22 * 60, End: 6 * 60}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, ok := Parse(tc.raw)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantW, w)
			}
		})
	}
}

func TestWindow_In_SameDay(t *testing.T) {
	w, ok := Parse("13:00-14:30")
	require.True(t, ok)

	assert.True(t, w.In(13*60))
	assert.True(t, w.In(14*60))
	assert.False(t, w.In(14*60+30), "end boundary is exclusive")
	assert.False(t, w.In(12*60+59))
}

func TestWindow_In_Overnight(t *testing.T) {
	w, ok := Parse("22:00-06:00")
	require.True(t, ok)

	assert.True(t, w.In(23*60), "late evening inside window")
	assert.True(t, w.In(0), "midnight inside window")
	assert.True(t, w.In(5*60+59), "just before end inside window")
	assert.False(t, w.In(6*60), "end boundary exclusive")
	assert.False(t, w.In(12*60), "midday outside window")
}

func TestWindow_In_DegenerateAlwaysOn(t *testing.T) {
	w := Window{Start: 600, End: 600}
	assert.True(t, w.In(0))
	assert.True(t, w.In(1439))
}

func TestEndOf_SameDay(t *testing.T) {
	w, ok := Parse("13:00-14:30")
	require.True(t, ok)

	loc := time.UTC
	now := time.Date(2026, 7, 30, 13, 30, 0, 0, loc)
	end := EndOf(w, now)
	assert.Equal(t, time.Date(2026, 7, 30, 14, 30, 0, 0, loc), end)
}

func TestEndOf_SameDay_AlreadyPastRollsToTomorrow(t *testing.T) {
	w, ok := Parse("13:00-14:30")
	require.True(t, ok)

	loc := time.UTC
	now := time.Date(2026, 7, 30, 15, 0, 0, 0, loc)
	end := EndOf(w, now)
	assert.Equal(t, time.Date(2026, 7, 31, 14, 30, 0, 0, loc), end)
}

func TestEndOf_Overnight(t *testing.T) {
	w, ok := Parse("22:00-06:00")
	require.True(t, ok)

	loc := time.UTC
	// 23:00 is inside the window (start side); wake is the next day's 06:00.
	now := time.Date(2026, 7, 30, 23, 0, 0, 0, loc)
	end := EndOf(w, now)
	assert.Equal(t, time.Date(2026, 7, 31, 6, 0, 0, 0, loc), end)

	// 02:00 is inside the window (end side, past midnight); wake is the same
	// calendar day's 06:00.
	now2 := time.Date(2026, 7, 31, 2, 0, 0, 0, loc)
	end2 := EndOf(w, now2)
	assert.Equal(t, time.Date(2026, 7, 31, 6, 0, 0, 0, loc), end2)
}
