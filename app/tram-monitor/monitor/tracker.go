package monitor

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ekb-transit/tramcast/business/data/atlas"
	"github.com/ekb-transit/tramcast/business/data/ettu"
)

// maxNextStops bounds how many upcoming stops ride along with a vehicle
const maxNextStops = 5

// StopRef identifies a named stop in a payload
type StopRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// NextStop is an upcoming stop with its arrival estimate. ETASeconds is
// null beyond the estimate horizon
type NextStop struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	ETASeconds *int   `json:"eta_seconds"`
}

// VehicleState is the enriched, broadcast-ready view of one tram. Route
// fields are null when the vehicle could not be placed on a route;
// NextStops is always an array
type VehicleState struct {
	ID         string     `json:"id"`
	BoardNum   string     `json:"board_num"`
	Route      string     `json:"route"`
	RouteID    *int       `json:"route_id"`
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	Speed      float64    `json:"speed"`
	Course     float64    `json:"course"`
	PrevStop   *StopRef   `json:"prev_stop"`
	NextStops  []NextStop `json:"next_stops"`
	Progress   *float64   `json:"progress"`
	Timestamp  *time.Time `json:"timestamp"`
	SignalLost bool       `json:"signal_lost"`

	Direction     int     `json:"-"`
	DistanceAlong float64 `json:"-"`

	lastSeen time.Time
}

// Tracker holds the current state table. The poll loop is the only
// writer; readers get copies
type Tracker struct {
	log *log.Logger

	maxSnapM        float64
	signalLostAfter time.Duration
	ttl             time.Duration

	mu     sync.RWMutex
	states map[string]*VehicleState

	// pipeline counters, reported through the query api
	ticks          int64
	failedTicks    int64
	lastMatched    int
	lastUnmatched  int
	evictions      int64
	matchedByRoute map[string]int64
}

// NewTracker creates an empty state table
func NewTracker(log *log.Logger, maxSnapM float64, signalLostAfter, ttl time.Duration) *Tracker {
	return &Tracker{
		log:             log,
		maxSnapM:        maxSnapM,
		signalLostAfter: signalLostAfter,
		ttl:             ttl,
		states:          make(map[string]*VehicleState),
		matchedByRoute:  make(map[string]int64),
	}
}

// ProcessTick runs every raw vehicle through the enrichment pipeline,
// refreshes the state table and returns the updated states sorted by
// vehicle id. idx may be nil before the first atlas build; vehicles are
// then emitted unmatched
func (t *Tracker) ProcessTick(now time.Time, raws []ettu.RawVehicle, idx *atlas.Index) []VehicleState {
	updated := make([]VehicleState, 0, len(raws))

	t.mu.Lock()
	t.ticks++
	matched := 0
	for _, raw := range raws {
		state := t.enrich(now, raw, idx)
		if state.RouteID != nil {
			matched++
			t.matchedByRoute[state.Route]++
		}
		t.states[state.ID] = state
	}
	t.lastMatched = matched
	t.lastUnmatched = len(raws) - matched

	// age out vehicles the feed stopped reporting and refresh the
	// staleness flag on the rest
	for id, st := range t.states {
		if now.Sub(st.lastSeen) > t.ttl {
			delete(t.states, id)
			t.evictions++
			continue
		}
		st.SignalLost = t.stale(now, st)
	}

	for _, raw := range raws {
		if st, ok := t.states[raw.DeviceID]; ok {
			updated = append(updated, *st)
		}
	}
	t.mu.Unlock()

	sort.Slice(updated, func(i, j int) bool { return updated[i].ID < updated[j].ID })
	return updated
}

// enrich builds the published state for one raw position. A vehicle that
// cannot be placed on a route keeps its raw coordinates and null route
// fields
func (t *Tracker) enrich(now time.Time, raw ettu.RawVehicle, idx *atlas.Index) *VehicleState {
	state := &VehicleState{
		ID:        raw.DeviceID,
		BoardNum:  raw.BoardNum,
		Route:     raw.RouteNum,
		Lat:       raw.Lat,
		Lon:       raw.Lon,
		Speed:     raw.Speed,
		Course:    raw.Course,
		NextStops: []NextStop{},
		Timestamp: raw.Timestamp,
		lastSeen:  now,
	}
	state.SignalLost = t.stale(now, state)

	if idx == nil {
		return state
	}
	match := idx.Match(raw.RouteNum, raw.Lat, raw.Lon, raw.Course, t.maxSnapM)
	if match == nil {
		return state
	}

	routeID := match.RouteID
	progress := match.Progress
	state.RouteID = &routeID
	state.Progress = &progress
	state.Direction = match.Direction
	state.DistanceAlong = match.DistanceAlong
	// publish the on-route position, not the raw fix
	state.Lat = match.Lat
	state.Lon = match.Lon

	route := idx.ByID[match.RouteID]
	det := route.DetectStops(match.Direction, match.DistanceAlong, maxNextStops)
	if det.PrevStop != nil {
		state.PrevStop = &StopRef{ID: det.PrevStop.ID, Name: det.PrevStop.Name}
	}
	for _, eta := range atlas.EstimateArrivals(match.DistanceAlong, raw.Speed, det.NextStops) {
		state.NextStops = append(state.NextStops, NextStop{
			ID:         eta.Stop.ID,
			Name:       eta.Stop.Name,
			ETASeconds: eta.Seconds,
		})
	}
	return state
}

// stale reports whether a vehicle's source timestamp, or its last
// sighting when the source sends none, is older than the signal-lost
// threshold
func (t *Tracker) stale(now time.Time, st *VehicleState) bool {
	if st.Timestamp != nil {
		return now.Sub(*st.Timestamp) > t.signalLostAfter
	}
	return now.Sub(st.lastSeen) > t.signalLostAfter
}

// RecordFailedTick counts a poll cycle that produced no usable payload.
// The state table keeps its prior contents
func (t *Tracker) RecordFailedTick() {
	t.mu.Lock()
	t.failedTicks++
	t.mu.Unlock()
}

// Snapshot returns a copy of the full state table sorted by vehicle id
func (t *Tracker) Snapshot() []VehicleState {
	t.mu.RLock()
	out := make([]VehicleState, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, *st)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one vehicle's state by device id
func (t *Tracker) Get(id string) (VehicleState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[id]
	if !ok {
		return VehicleState{}, false
	}
	return *st, true
}

// Counts reports how many vehicles are tracked and how many of them are
// placed on a route
func (t *Tracker) Counts() (total, matched int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, st := range t.states {
		total++
		if st.RouteID != nil {
			matched++
		}
	}
	return total, matched
}

// Diagnostics are the tracker's pipeline counters. MatchedByRoute keys
// on the route number and accumulates over ticks
type Diagnostics struct {
	Ticks          int64
	FailedTicks    int64
	LastMatched    int
	LastUnmatched  int
	Evictions      int64
	MatchedByRoute map[string]int64
}

// Diag returns a copy of the pipeline counters
func (t *Tracker) Diag() Diagnostics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byRoute := make(map[string]int64, len(t.matchedByRoute))
	for number, n := range t.matchedByRoute {
		byRoute[number] = n
	}
	return Diagnostics{
		Ticks:          t.ticks,
		FailedTicks:    t.failedTicks,
		LastMatched:    t.lastMatched,
		LastUnmatched:  t.lastUnmatched,
		Evictions:      t.evictions,
		MatchedByRoute: byRoute,
	}
}
