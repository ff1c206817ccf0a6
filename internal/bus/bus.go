package bus

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/taskflow/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable event bus. The engine publishes every task and step
// transition on it; observers subscribe per message type and the auditor
// receives a read-only tap of everything.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.MessageType][]chan types.Message
	tapCh       chan types.Message
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[types.MessageType][]chan types.Message),
		tapCh:       make(chan types.Message, tapBufSize),
	}
}

// NewUntapped creates a Bus without a tap, for processes where nothing
// consumes Tap. Its Tap returns nil.
func NewUntapped() *Bus {
	return &Bus{subscribers: make(map[types.MessageType][]chan types.Message)}
}

// Publish fans out msg to all subscribers of msg.Type and to the tap channel.
// Non-blocking: if a subscriber's channel is full, the message is dropped with a warning.
// A nil Bus drops everything silently.
func (b *Bus) Publish(msg types.Message) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.subscribers[msg.Type]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for type=%s from=%s, message dropped", msg.Type, msg.From)
		}
	}

	if b.tapCh == nil {
		return
	}
	// Non-blocking so a slow auditor never stalls a task.
	select {
	case b.tapCh <- msg:
	default:
		log.Printf("[BUS] WARNING: tap channel full, audit message dropped type=%s", msg.Type)
	}
}

// Emit wraps payload in a fresh Message envelope and publishes it.
//
// Expectations:
//   - Assigns a new uuid and a UTC timestamp to every message
//   - No-op on a nil Bus
func (b *Bus) Emit(from, to types.Role, t types.MessageType, payload any) {
	if b == nil {
		return
	}
	b.Publish(types.Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Type:      t,
		Payload:   payload,
	})
}

// Subscribe returns a receive-only channel that delivers messages of type t.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(t types.MessageType) <-chan types.Message {
	ch := make(chan types.Message, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], ch)
	b.mu.Unlock()
	return ch
}

// Tap returns the read-only tap channel for the Auditor.
// Only one consumer should call this; calling it multiple times returns the same channel.
// Nil for a bus made by NewUntapped.
func (b *Bus) Tap() <-chan types.Message {
	return b.tapCh
}
