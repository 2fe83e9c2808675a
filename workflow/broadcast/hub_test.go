package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowforge/corewf/workflow/store"
)

func TestHub_PublishDeliversToSubscriber(t *testing.T) {
	st := store.NewMemStore(nil)
	hub := NewHub(st)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "run-1", false)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	hub.Publish(store.Event{RunID: "run-1", EventType: "cost_update"})

	select {
	case e := <-sub.Events:
		if e.EventType != "cost_update" {
			t.Errorf("unexpected event type %s", e.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestHub_SubscribeReplaysPastEvents(t *testing.T) {
	st := store.NewMemStore(nil)
	hub := NewHub(st)
	ctx := context.Background()

	_, _, _ = st.AppendEvent(ctx, store.Event{RunID: "run-1", EventType: "cost_update"})
	_, _, _ = st.AppendEvent(ctx, store.Event{RunID: "run-1", EventType: "handoff"})

	sub, err := hub.Subscribe(ctx, "run-1", false)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.Events:
			got = append(got, e.EventType)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d replayed events", i)
		}
	}
	if got[0] != "cost_update" || got[1] != "handoff" {
		t.Errorf("unexpected replay order: %v", got)
	}
}

func TestHub_DefaultFilterHidesInternalEventsOnReplay(t *testing.T) {
	st := store.NewMemStore(nil)
	hub := NewHub(st)
	ctx := context.Background()

	_, _, _ = st.AppendEvent(ctx, store.Event{RunID: "run-1", EventType: "node_started"})
	_, _, _ = st.AppendEvent(ctx, store.Event{RunID: "run-1", EventType: "cost_update"})

	sub, err := hub.Subscribe(ctx, "run-1", false)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	select {
	case e := <-sub.Events:
		if e.EventType != "cost_update" {
			t.Errorf("expected node_started to be filtered, got %s first", e.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed event")
	}

	select {
	case e, ok := <-sub.Events:
		if ok {
			t.Errorf("expected only one visible replayed event, got extra %v", e)
		}
	case <-time.After(100 * time.Millisecond):
		// no more events, as expected
	}
}

func TestHub_LaggedSubscriberIsTerminated(t *testing.T) {
	st := store.NewMemStore(nil)
	hub := NewHub(st)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "run-1", false)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < subscriberQueueDepth+10; i++ {
		hub.Publish(store.Event{RunID: "run-1", EventType: "heartbeat"})
	}

	select {
	case err := <-sub.Err:
		if !errors.Is(err, ErrLagged) {
			t.Errorf("expected ErrLagged, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected lagged subscriber to be terminated")
	}

	if hub.SubscriberCount("run-1") != 0 {
		t.Errorf("expected lagged subscriber removed from topic")
	}
}

func TestHub_CloseRunTerminatesAllSubscribers(t *testing.T) {
	st := store.NewMemStore(nil)
	hub := NewHub(st)
	ctx := context.Background()

	sub1, _ := hub.Subscribe(ctx, "run-1", false)
	sub2, _ := hub.Subscribe(ctx, "run-1", false)
	defer sub1.Close()
	defer sub2.Close()

	hub.CloseRun("run-1")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case _, ok := <-sub.Events:
			if ok {
				t.Error("expected events channel closed")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for channel close")
		}
	}
}
