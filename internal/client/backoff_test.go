package client

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() call %d = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Next after Reset = %v, want 100ms", got)
	}
}

func TestBackoffSurvivesManyAttempts(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	for range 100 {
		if got := b.Next(); got <= 0 || got > 30*time.Second {
			t.Fatalf("Next out of range: %v", got)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	d := 10 * time.Second
	for range 1000 {
		j := jitter(d)
		if j < d/2 || j >= d {
			t.Fatalf("jitter(%v) = %v, want [%v, %v)", d, j, d/2, d)
		}
	}
}
