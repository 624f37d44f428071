package eventbus

import (
	"testing"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	fast, unsubFast := b.Subscribe(4)
	slow, unsubSlow := b.Subscribe(1)
	defer unsubFast()
	defer unsubSlow()

	Publish(b, ScheduleSet, map[string]int64{"group_id": 1})
	Publish(b, ScheduleRemoved, map[string]int64{"group_id": 1})

	if got := len(fast); got != 2 {
		t.Fatalf("fast subscriber got %d events, want 2", got)
	}
	if got := len(slow); got != 1 {
		t.Fatalf("slow subscriber got %d events, want 1", got)
	}
	e := <-slow
	if e.Type != ScheduleSet || e.Time.IsZero() {
		t.Fatalf("first event = %+v, want %s with time set", e, ScheduleSet)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	Publish(b, SummaryFinished, nil)
	Publish(nil, SummaryFinished, nil)
}
