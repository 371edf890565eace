// Package webapi serves the read side of the tram monitor: the REST
// query api over the route atlas and the vehicle state table, and the
// websocket stream that pushes vehicle updates to browsers.
package webapi

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/ekb-transit/tramcast/app/tram-monitor/monitor"
)

// Frame is one message on the vehicle stream. A snapshot carries the
// full state table, an update only the vehicles seen in one tick
type Frame struct {
	Type     string                 `json:"type"`
	Vehicles []monitor.VehicleState `json:"vehicles"`
}

// Frame types on the vehicle stream
const (
	FrameSnapshot = "snapshot"
	FrameUpdate   = "update"
)

const (
	// maxBufferedFrames is each subscriber's queue depth. A client that
	// falls further behind loses its oldest frames first
	maxBufferedFrames = 8

	// snapshotMaxAge is how old a cached snapshot may grow before new
	// subscribers stop receiving it up front
	snapshotMaxAge = 20 * time.Second
)

// Subscriber receives marshaled frames over a bounded queue. The queue
// is closed on unsubscribe
type Subscriber struct {
	frames chan []byte
	lossy  bool // guarded by the hub mutex
}

// Frames is the subscriber's receive side
func (s *Subscriber) Frames() <-chan []byte {
	return s.frames
}

// Hub owns the subscriber registry and the cached snapshot. Frames are
// marshaled once per tick and fanned out as raw bytes. Within one
// subscriber frames always arrive in publication order, a snapshot
// first when one is sent
type Hub struct {
	log *log.Logger

	mu          sync.Mutex
	subscribers map[*Subscriber]bool
	snapshot    []byte
	snapshotAt  time.Time
}

// NewHub creates a hub with no subscribers
func NewHub(log *log.Logger) *Hub {
	return &Hub{
		log:         log,
		subscribers: make(map[*Subscriber]bool),
	}
}

// Subscribe registers a new subscriber. When a fresh snapshot is cached
// it is queued first, so the client starts from the full picture before
// the incremental updates. A stale snapshot is withheld
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{frames: make(chan []byte, maxBufferedFrames)}

	h.mu.Lock()
	h.subscribers[s] = true
	if h.snapshot != nil && time.Since(h.snapshotAt) <= snapshotMaxAge {
		s.frames <- h.snapshot
	}
	h.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its queue. Safe to call
// more than once
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if h.subscribers[s] {
		delete(h.subscribers, s)
		close(s.frames)
	}
	h.mu.Unlock()
}

// Broadcast implements monitor.Broadcaster. It refreshes the cached
// snapshot and queues the update frame to every subscriber. A slow
// subscriber never blocks the tick: its oldest frame is dropped instead
func (h *Hub) Broadcast(at time.Time, updated, snapshot []monitor.VehicleState) {
	if updated == nil {
		updated = []monitor.VehicleState{}
	}
	if snapshot == nil {
		snapshot = []monitor.VehicleState{}
	}

	update, err := json.Marshal(Frame{Type: FrameUpdate, Vehicles: updated})
	if err != nil {
		h.log.Printf("hub: marshaling update frame: %v", err)
		return
	}
	snap, err := json.Marshal(Frame{Type: FrameSnapshot, Vehicles: snapshot})
	if err != nil {
		h.log.Printf("hub: marshaling snapshot frame: %v", err)
		return
	}

	h.mu.Lock()
	h.snapshot = snap
	h.snapshotAt = at
	for s := range h.subscribers {
		h.enqueue(s, update)
	}
	h.mu.Unlock()
}

// enqueue queues one frame without ever blocking. On a full queue the
// oldest frame gives way so the newest data still gets through, and the
// subscriber is marked lossy. Callers must hold h.mu
func (h *Hub) enqueue(s *Subscriber, payload []byte) {
	select {
	case s.frames <- payload:
		return
	default:
	}

	select {
	case <-s.frames:
	default:
	}
	if !s.lossy {
		s.lossy = true
		h.log.Printf("hub: subscriber not keeping up, dropping oldest frames")
	}
	select {
	case s.frames <- payload:
	default:
	}
}

// Stats reports the current subscriber count and how many of them have
// dropped frames
func (h *Hub) Stats() (subscribers, lossy int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subscribers {
		if s.lossy {
			lossy++
		}
	}
	return len(h.subscribers), lossy
}
