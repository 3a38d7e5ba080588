package clock

import (
	"testing"
	"time"
)

func TestBoundaryMinute(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 37, 42, 123, time.Local)
	got := Boundary(Minute, ts)
	want := time.Date(2026, 3, 5, 14, 37, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("Boundary(Minute) = %v, want %v", got, want)
	}
}

func TestBoundaryDay(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 37, 42, 0, time.Local)
	got := Boundary(Day, ts)
	want := time.Date(2026, 3, 5, 0, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("Boundary(Day) = %v, want %v", got, want)
	}
}

func TestBoundaryMonth(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 37, 42, 0, time.Local)
	got := Boundary(Month, ts)
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("Boundary(Month) = %v, want %v", got, want)
	}
}

func TestFakeAdvance(t *testing.T) {
	f := NewFake(time.Date(2026, 3, 5, 0, 0, 0, 0, time.Local))
	f.Advance(90 * time.Second)
	want := time.Date(2026, 3, 5, 0, 1, 30, 0, time.Local)
	if !f.Now().Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", f.Now(), want)
	}
}
