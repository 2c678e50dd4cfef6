package store

import (
	"testing"
	"time"
)

func TestScoreOrdersUrgentBeforeOlderLowPriority(t *testing.T) {
	old := time.Unix(0, 0)
	recent := time.Unix(1_000_000, 0)

	urgentRecent := score(PriorityUrgent, recent)
	lowOld := score(PriorityLow, old)

	if urgentRecent >= lowOld {
		t.Fatalf("expected urgent(recent)=%v < low(old)=%v", urgentRecent, lowOld)
	}
}

func TestScoreOrdersOldestFirstWithinTier(t *testing.T) {
	earlier := time.Unix(100, 0)
	later := time.Unix(200, 0)

	if score(PriorityNormal, earlier) >= score(PriorityNormal, later) {
		t.Fatalf("expected earlier task to sort before later task within same tier")
	}
}
