package webrtc

import (
	"sync"

	"mediagate/internal/core/domain"
)

const eventBufferSize = 32

// eventStream delivers entity lifecycle events without ever blocking the
// emitter. The channel is closed after the final event, so a reader that
// misses a dropped event still observes the end of the stream.
type eventStream struct {
	mu       sync.Mutex
	entityID string
	ch       chan domain.EntityEvent
	done     bool
}

func newEventStream(entityID string) *eventStream {
	return &eventStream{
		entityID: entityID,
		ch:       make(chan domain.EntityEvent, eventBufferSize),
	}
}

func (s *eventStream) emit(ev domain.EntityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	ev.EntityID = s.entityID
	select {
	case s.ch <- ev:
	default:
	}
}

// finish emits the closing event and closes the stream. A full buffer loses
// its oldest event instead of the closing one. It returns false when the
// stream was already finished.
func (s *eventStream) finish(eventType domain.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	final := domain.EntityEvent{Type: eventType, EntityID: s.entityID}
	select {
	case s.ch <- final:
	default:
		// Emitters hold s.mu, so taking one event guarantees room.
		select {
		case <-s.ch:
		default:
		}
		s.ch <- final
	}
	close(s.ch)
	return true
}

func (s *eventStream) channel() <-chan domain.EntityEvent {
	return s.ch
}
