package feedmind

import (
	"testing"
	"time"
)

func TestDigestDueFiresOncePerSlot(t *testing.T) {
	s := &Scheduler{cfg: ScheduleConfig{DigestTimes: []string{"08:00"}}}

	day1 := time.Date(2026, 8, 24, 8, 0, 10, 0, time.UTC)
	key, due := s.digestDue(day1, "")
	if !due {
		t.Fatal("first 08:00 tick should fire")
	}

	// Same minute ticks again: no second fire.
	if _, again := s.digestDue(day1.Add(20*time.Second), key); again {
		t.Fatal("same minute fired twice")
	}

	// Off-schedule minutes never fire and keep the key.
	key2, due2 := s.digestDue(day1.Add(time.Minute), key)
	if due2 || key2 != key {
		t.Fatalf("off-schedule tick fired (due=%v key=%q)", due2, key2)
	}
}

func TestDigestDueFiresAgainNextDay(t *testing.T) {
	s := &Scheduler{cfg: ScheduleConfig{DigestTimes: []string{"08:00"}}}

	day1 := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	key, due := s.digestDue(day1, "")
	if !due {
		t.Fatal("day 1 should fire")
	}

	day2 := day1.AddDate(0, 0, 1)
	key2, due2 := s.digestDue(day2, key)
	if !due2 {
		t.Fatal("day 2 at the same time should fire again")
	}
	if key2 == key {
		t.Fatal("day 2 key should differ from day 1")
	}
}

func TestDigestDueMultipleTimes(t *testing.T) {
	s := &Scheduler{cfg: ScheduleConfig{DigestTimes: []string{"08:00", "20:00"}}}

	morning := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	key, due := s.digestDue(morning, "")
	if !due {
		t.Fatal("morning slot should fire")
	}
	evening := time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC)
	if _, due := s.digestDue(evening, key); !due {
		t.Fatal("evening slot should fire after the morning one")
	}
}
