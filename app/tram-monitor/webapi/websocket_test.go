package webapi

import (
	"strings"
	"testing"
	"time"

	"github.com/ekb-transit/tramcast/app/tram-monitor/monitor"
	"github.com/gorilla/websocket"
	"github.com/matryer/is"
)

func TestVehicleStreamOverWebsocket(t *testing.T) {
	is := is.New(t)
	ts, _, hub := testServer(t, nil)

	// one tick has happened before the client shows up
	hub.Broadcast(time.Now(),
		[]monitor.VehicleState{vehicle("1001")},
		[]monitor.VehicleState{vehicle("1001"), vehicle("1002")})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/vehicles"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	is.NoErr(err)
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	is.NoErr(err)
	f := decodeFrame(t, payload)
	is.Equal(f.Type, FrameSnapshot)
	is.Equal(len(f.Vehicles), 2)

	hub.Broadcast(time.Now(),
		[]monitor.VehicleState{vehicle("1001")},
		[]monitor.VehicleState{vehicle("1001")})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err = conn.ReadMessage()
	is.NoErr(err)
	f = decodeFrame(t, payload)
	is.Equal(f.Type, FrameUpdate)
	is.Equal(len(f.Vehicles), 1)
}

func TestWebsocketDisconnectDropsSubscriber(t *testing.T) {
	is := is.New(t)
	ts, _, hub := testServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/vehicles"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	is.NoErr(err)

	// wait for the subscription to register, then hang up
	for i := 0; i < 100; i++ {
		if n, _ := hub.Stats(); n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	subscribers, _ := hub.Stats()
	is.Equal(subscribers, 1)

	_ = conn.Close()
	for i := 0; i < 100; i++ {
		if n, _ := hub.Stats(); n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	subscribers, _ = hub.Stats()
	is.Equal(subscribers, 0)
}
