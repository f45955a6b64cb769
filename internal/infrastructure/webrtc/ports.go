package webrtc

import (
	"errors"
	"sync"
)

var errNoPortAvailable = errors.New("no more available ports")

// portAllocator hands out listening ports from the configured RTC range.
type portAllocator struct {
	mu    sync.Mutex
	low   uint16
	high  uint16
	next  uint16
	inUse map[uint16]bool
}

func newPortAllocator(low, high uint16) *portAllocator {
	return &portAllocator{
		low:   low,
		high:  high,
		next:  low,
		inUse: make(map[uint16]bool),
	}
}

func (a *portAllocator) acquire() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := int(a.high) - int(a.low) + 1
	for i := 0; i < size; i++ {
		port := a.next
		if a.next == a.high {
			a.next = a.low
		} else {
			a.next++
		}
		if !a.inUse[port] {
			a.inUse[port] = true
			return port, nil
		}
	}
	return 0, errNoPortAvailable
}

func (a *portAllocator) release(port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

func (a *portAllocator) available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.high) - int(a.low) + 1 - len(a.inUse)
}
