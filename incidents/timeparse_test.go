package incidents_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chpwatch/chpwatch/incidents"
)

func TestParseClock(t *testing.T) {
	t.Parallel()

	// 3:00 PM on an arbitrary day.
	now := time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		text string
		want time.Time
		ok   bool
	}{
		{
			name: "afternoon",
			text: "2:30 PM",
			want: time.Date(2024, 3, 14, 14, 30, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "morning",
			text: "9:05 AM",
			want: time.Date(2024, 3, 14, 9, 5, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "noon",
			text: "12:00 PM",
			want: time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "midnight",
			text: "12:00 AM",
			want: time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "future rolls back a day",
			text: "11:45 PM",
			want: time.Date(2024, 3, 13, 23, 45, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "lowercase period",
			text: "2:30 pm",
			want: time.Date(2024, 3, 14, 14, 30, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "surrounding whitespace",
			text: "  2:30 PM ",
			want: time.Date(2024, 3, 14, 14, 30, 0, 0, time.UTC),
			ok:   true,
		},
		{name: "empty", text: ""},
		{name: "missing period", text: "2:30"},
		{name: "bad period", text: "2:30 XM"},
		{name: "no colon", text: "230 PM"},
		{name: "hour out of range", text: "13:30 PM"},
		{name: "hour zero", text: "0:30 AM"},
		{name: "minute out of range", text: "2:60 PM"},
		{name: "single digit minute", text: "2:3 PM"},
		{name: "garbage", text: "half past PM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := incidents.ParseClock(tt.text, now)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseClock_ExactlyNow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)
	got, ok := incidents.ParseClock("3:00 PM", now)
	require.True(t, ok)
	// Not after now, so it stays today.
	require.True(t, got.Equal(now))
}
