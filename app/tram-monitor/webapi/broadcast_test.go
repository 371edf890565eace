package webapi

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ekb-transit/tramcast/app/tram-monitor/monitor"
	"github.com/matryer/is"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "TEST : ", log.LstdFlags)
}

func vehicle(id string) monitor.VehicleState {
	return monitor.VehicleState{ID: id, Route: "18", NextStops: []monitor.NextStop{}}
}

func decodeFrame(t *testing.T, payload []byte) Frame {
	t.Helper()

	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		t.Fatalf("decoding frame %s: %v", payload, err)
	}
	return f
}

func TestSubscribeReceivesSnapshotThenUpdates(t *testing.T) {
	is := is.New(t)

	hub := NewHub(testLogger())
	hub.Broadcast(time.Now(),
		[]monitor.VehicleState{vehicle("1001")},
		[]monitor.VehicleState{vehicle("1001"), vehicle("1002")})

	// a fresh snapshot greets the new subscriber before any update
	sub := hub.Subscribe()
	f := decodeFrame(t, <-sub.Frames())
	is.Equal(f.Type, FrameSnapshot)
	is.Equal(len(f.Vehicles), 2)

	hub.Broadcast(time.Now(),
		[]monitor.VehicleState{vehicle("1001")},
		[]monitor.VehicleState{vehicle("1001")})
	f = decodeFrame(t, <-sub.Frames())
	is.Equal(f.Type, FrameUpdate)
	is.Equal(len(f.Vehicles), 1)
	is.Equal(f.Vehicles[0].ID, "1001")

	hub.Unsubscribe(sub)
	_, open := <-sub.Frames()
	is.True(!open)
}

func TestSubscribeWithholdsStaleSnapshot(t *testing.T) {
	is := is.New(t)

	hub := NewHub(testLogger())
	hub.Broadcast(time.Now().Add(-21*time.Second), nil,
		[]monitor.VehicleState{vehicle("1001")})

	sub := hub.Subscribe()
	select {
	case payload := <-sub.Frames():
		t.Fatalf("expected no frame for a stale snapshot, got %s", payload)
	default:
	}

	// the next tick flows through normally
	hub.Broadcast(time.Now(), []monitor.VehicleState{vehicle("1001")}, nil)
	f := decodeFrame(t, <-sub.Frames())
	is.Equal(f.Type, FrameUpdate)
}

func TestSlowSubscriberLosesOldestFrames(t *testing.T) {
	is := is.New(t)

	hub := NewHub(testLogger())
	sub := hub.Subscribe()

	// never read: the queue fills and the two oldest frames give way
	for i := 0; i < maxBufferedFrames+2; i++ {
		hub.Broadcast(time.Now(), []monitor.VehicleState{vehicle(strconv.Itoa(i))}, nil)
	}

	for i := 2; i < maxBufferedFrames+2; i++ {
		f := decodeFrame(t, <-sub.Frames())
		is.Equal(f.Type, FrameUpdate)
		is.Equal(f.Vehicles[0].ID, strconv.Itoa(i))
	}
	select {
	case <-sub.Frames():
		t.Fatal("queue should be drained")
	default:
	}

	subscribers, lossy := hub.Stats()
	is.Equal(subscribers, 1)
	is.Equal(lossy, 1)
}

func TestBroadcastEmitsEmptyArrays(t *testing.T) {
	is := is.New(t)

	hub := NewHub(testLogger())
	hub.Broadcast(time.Now(), nil, nil)

	sub := hub.Subscribe()
	payload := <-sub.Frames()
	is.True(strings.Contains(string(payload), `"vehicles":[]`))

	f := decodeFrame(t, payload)
	is.Equal(f.Type, FrameSnapshot)
	is.Equal(len(f.Vehicles), 0)
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	is := is.New(t)

	hub := NewHub(testLogger())
	sub := hub.Subscribe()
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	// broadcasts after unsubscribe must not touch the closed queue
	hub.Broadcast(time.Now(), []monitor.VehicleState{vehicle("1001")}, nil)

	subscribers, _ := hub.Stats()
	is.Equal(subscribers, 0)
}
