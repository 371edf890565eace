package monitor

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ekb-transit/tramcast/business/data/atlas"
	"github.com/ekb-transit/tramcast/business/data/history"
)

// Redis keys for multi-process deployments: the freshest snapshot frame
// sits under stateKey, update frames go out on channelName
const (
	stateKey    = "tram:state"
	channelName = "tram:vehicles"
)

// destinationTimeout bounds each optional destination so a slow
// database or redis never stalls the poll loop
const destinationTimeout = 5 * time.Second

// Broadcaster fans one tick's results out to connected subscribers
type Broadcaster interface {
	Broadcast(at time.Time, updated, snapshot []VehicleState)
}

// wireFrame is the payload mirrored to redis. It matches the frames the
// websocket hub sends
type wireFrame struct {
	Type     string         `json:"type"`
	Vehicles []VehicleState `json:"vehicles"`
}

// Publisher delivers each tick's results to their destinations: the
// websocket hub, the optional redis mirror and the optional history
// recorder. The optional destinations fail soft, a tick is never lost
// over them
type Publisher struct {
	log      *log.Logger
	hub      Broadcaster
	redis    *redis.Client
	recorder *history.Recorder
}

// NewPublisher creates a Publisher. rdb and recorder may be nil to
// disable those destinations
func NewPublisher(log *log.Logger, hub Broadcaster, rdb *redis.Client, recorder *history.Recorder) *Publisher {
	return &Publisher{log: log, hub: hub, redis: rdb, recorder: recorder}
}

// Publish sends one tick out. updated holds the vehicles seen this
// tick, snapshot the full state table
func (p *Publisher) Publish(at time.Time, updated, snapshot []VehicleState) {
	if p.hub != nil {
		p.hub.Broadcast(at, updated, snapshot)
	}
	if p.redis != nil {
		p.mirror(updated, snapshot)
	}
	if p.recorder != nil {
		p.record(at, updated)
	}
}

// PublishRefresh persists a freshly installed atlas generation
func (p *Publisher) PublishRefresh(idx *atlas.Index) {
	if p.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := p.recorder.RecordCatalog(ctx, idx); err != nil {
		p.log.Printf("history: recording catalog failed: %v", err)
	}
}

func (p *Publisher) mirror(updated, snapshot []VehicleState) {
	update, err := json.Marshal(wireFrame{Type: "update", Vehicles: updated})
	if err != nil {
		p.log.Printf("redis: marshaling update frame: %v", err)
		return
	}
	snap, err := json.Marshal(wireFrame{Type: "snapshot", Vehicles: snapshot})
	if err != nil {
		p.log.Printf("redis: marshaling snapshot frame: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), destinationTimeout)
	defer cancel()
	if err := p.redis.Set(ctx, stateKey, snap, 0).Err(); err != nil {
		p.log.Printf("redis: storing %s: %v", stateKey, err)
		return
	}
	if err := p.redis.Publish(ctx, channelName, update).Err(); err != nil {
		p.log.Printf("redis: publishing to %s: %v", channelName, err)
	}
}

func (p *Publisher) record(at time.Time, updated []VehicleState) {
	rows := positionRows(updated)
	if len(rows) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), destinationTimeout)
	defer cancel()
	if err := p.recorder.RecordTick(ctx, at, rows); err != nil {
		p.log.Printf("history: recording tick failed: %v", err)
	}
}

// positionRows converts published states into history rows
func positionRows(states []VehicleState) []history.PositionRow {
	rows := make([]history.PositionRow, 0, len(states))
	for _, st := range states {
		row := history.PositionRow{
			VehicleID: st.ID,
			RouteID:   st.RouteID,
			Lat:       st.Lat,
			Lon:       st.Lon,
			Speed:     st.Speed,
			Course:    st.Course,
			Progress:  st.Progress,
		}
		if st.PrevStop != nil {
			id := st.PrevStop.ID
			row.PrevStopID = &id
		}
		rows = append(rows, row)
	}
	return rows
}
