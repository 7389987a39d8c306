package collab

import (
	"errors"
	"testing"
	"time"
)

func TestEventDispatcher_TryEnqueueFullQueue(t *testing.T) {
	// 不配 worker：队列满后第二次入队必须立刻失败，而不是等消费
	d := NewEventDispatcher(nil, "form-field-ops", nil, EventDispatcherOptions{
		QueueSize: 1,
		Workers:   0,
	})
	if err := d.TryEnqueue(FieldOpEvent{DocID: "d1"}); err != nil {
		t.Fatalf("first enqueue error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.TryEnqueue(FieldOpEvent{DocID: "d1"}) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrEventQueueFull) {
			t.Fatalf("err = %v, want ErrEventQueueFull", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("full-queue enqueue must not block")
	}
}
