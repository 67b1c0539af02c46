package shdr

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestExtractAbsoluteTimestamp(t *testing.T) {
	e := New(false, false, zerolog.Nop())
	ts, _, hasPeriod := e.Extract("2021-01-19T10:01:00Z")
	if hasPeriod {
		t.Error("expected no period")
	}
	want := time.Date(2021, 1, 19, 10, 1, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("Extract = %v, want %v", ts, want)
	}
}

func TestExtractSamplePeriodSuffix(t *testing.T) {
	e := New(false, false, zerolog.Nop())
	_, period, hasPeriod := e.Extract("2021-01-19T10:01:00Z@1.5")
	if !hasPeriod {
		t.Fatal("expected a period")
	}
	if period != 1500*time.Millisecond {
		t.Errorf("period = %v, want 1.5s", period)
	}
}

func TestExtractIgnoreTimestampsUsesNow(t *testing.T) {
	fixed := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	e := New(true, false, zerolog.Nop())
	e.now = func() time.Time { return fixed }

	ts, _, _ := e.Extract("2021-01-19T10:01:00Z")
	if !ts.Equal(fixed) {
		t.Errorf("expected now() to override supplied timestamp, got %v", ts)
	}
}

func TestExtractInvalidTimestampFallsBackToNow(t *testing.T) {
	fixed := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	e := New(false, false, zerolog.Nop())
	e.now = func() time.Time { return fixed }

	ts, _, _ := e.Extract("not-a-timestamp")
	if !ts.Equal(fixed) {
		t.Errorf("expected fallback to now(), got %v", ts)
	}
}

func TestExtractRelativeTimeFloatingOffsets(t *testing.T) {
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New(false, true, zerolog.Nop())
	e.now = func() time.Time { return base }

	first, _, _ := e.Extract("100.0")
	if !first.Equal(base) {
		t.Fatalf("expected first relative timestamp to equal base, got %v", first)
	}

	second, _, _ := e.Extract("100.25")
	want := base.Add(250 * time.Millisecond)
	if !second.Equal(want) {
		t.Errorf("Extract(second) = %v, want %v", second, want)
	}
}

func TestExtractRelativeTimeAbsoluteInputs(t *testing.T) {
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New(false, true, zerolog.Nop())
	e.now = func() time.Time { return base }

	e.Extract("2021-01-19T10:01:00Z")
	second, _, _ := e.Extract("2021-01-19T10:01:05Z")

	want := base.Add(5 * time.Second)
	if !second.Equal(want) {
		t.Errorf("Extract(second) = %v, want %v", second, want)
	}
}
