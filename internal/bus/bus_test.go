package bus

import (
	"sync"
	"testing"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe("topic", func(payload any) {
		got = append(got, payload.(string))
	})
	b.Subscribe("other", func(payload any) {
		t.Error("unrelated topic received payload")
	})

	b.Publish("topic", "first")
	b.Publish("topic", "second")

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("delivered = %v, want [first second]", got)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()

	count := 0
	sub := b.Subscribe("topic", func(any) { count++ })

	b.Publish("topic", nil)
	sub.Cancel()
	b.Publish("topic", nil)

	if count != 1 {
		t.Errorf("deliveries = %d, want 1", count)
	}

	// Cancelling twice is harmless.
	sub.Cancel()
}

func TestPublishToTopicWithoutSubscribers(t *testing.T) {
	b := New()
	b.Publish("nobody", "payload")
}

func TestSubscribeDuringDelivery(t *testing.T) {
	b := New()

	late := 0
	b.Subscribe("topic", func(any) {
		b.Subscribe("topic", func(any) { late++ })
	})

	b.Publish("topic", nil)
	b.Publish("topic", nil)

	// The handler added during the first publish only sees the second.
	if late != 1 {
		t.Errorf("late deliveries = %d, want 1", late)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()

	var mu sync.Mutex
	count := 0
	b.Subscribe("topic", func(any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish("topic", j)
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("deliveries = %d, want 1000", count)
	}
}
