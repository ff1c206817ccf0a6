package bus

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/haricheung/taskflow/internal/types"
)

func TestPublish_DeliversToSubscriberAndTap(t *testing.T) {
	// Subscribers of the message type and the tap both receive the message
	b := New()
	ch := b.Subscribe(types.MsgStepState)
	b.Emit(types.RoleEngine, types.RoleObserver, types.MsgStepState, types.StepEvent{TaskID: "t1", Index: 0})

	select {
	case msg := <-ch:
		if msg.From != types.RoleEngine {
			t.Errorf("from = %q, want engine", msg.From)
		}
	default:
		t.Fatal("subscriber did not receive message")
	}
	select {
	case <-b.Tap():
	default:
		t.Fatal("tap did not receive message")
	}
}

func TestPublish_OtherTypesNotDelivered(t *testing.T) {
	// A subscriber never sees messages of a different type
	b := New()
	ch := b.Subscribe(types.MsgTaskState)
	b.Emit(types.RoleEngine, types.RoleObserver, types.MsgStepState, types.StepEvent{})
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %v", msg.Type)
	default:
	}
}

func TestEmit_AssignsIDAndTimestamp(t *testing.T) {
	// Assigns a new uuid and a UTC timestamp to every message
	b := New()
	b.Emit(types.RoleEngine, types.RoleObserver, types.MsgTaskState, types.TaskEvent{TaskID: "t1"})
	msg := <-b.Tap()
	if msg.ID == "" {
		t.Error("expected non-empty message id")
	}
	if msg.Timestamp.IsZero() || msg.Timestamp.Location().String() != "UTC" {
		t.Errorf("expected UTC timestamp, got %v", msg.Timestamp)
	}
}

func TestEmit_NilBusIsNoop(t *testing.T) {
	// No-op on a nil Bus
	var b *Bus
	b.Emit(types.RoleEngine, types.RoleObserver, types.MsgTaskState, nil)
}

func TestPublish_FullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	// Publish never blocks when a subscriber stops draining
	b := New()
	_ = b.Subscribe(types.MsgStepState)
	for i := 0; i < subscriberBufSize+10; i++ {
		b.Emit(types.RoleEngine, types.RoleObserver, types.MsgStepState, types.StepEvent{Index: i})
	}
}

func TestNewUntapped_PublishNeverWarnsAboutTap(t *testing.T) {
	// A bus without a tap delivers to subscribers and never reports a full tap
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	b := NewUntapped()
	ch := b.Subscribe(types.MsgTaskState)
	for range tapBufSize + 10 {
		b.Emit(types.RoleEngine, types.RoleObserver, types.MsgStepState, types.StepEvent{})
	}
	b.Emit(types.RoleEngine, types.RoleObserver, types.MsgTaskState, types.TaskEvent{TaskID: "t1"})

	if strings.Contains(buf.String(), "tap channel full") {
		t.Errorf("unexpected tap warning: %s", buf.String())
	}
	if b.Tap() != nil {
		t.Error("Tap() should be nil")
	}
	select {
	case <-ch:
	default:
		t.Fatal("subscriber did not receive message")
	}
}
