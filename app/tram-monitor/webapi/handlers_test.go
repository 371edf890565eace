package webapi

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ekb-transit/tramcast/app/tram-monitor/monitor"
	"github.com/ekb-transit/tramcast/business/data/atlas"
	"github.com/ekb-transit/tramcast/business/data/ettu"
	"github.com/matryer/is"
)

type fakeSource struct {
	routes []ettu.RawRoute
	stops  []ettu.Stop
}

func (f *fakeSource) GetRoutes(context.Context) ([]ettu.RawRoute, error) { return f.routes, nil }
func (f *fakeSource) GetPoints(context.Context) ([]ettu.Stop, error)    { return f.stops, nil }

// buildIndex wires one route over a flat east-west line at lat 56.8.
// Stop distances along the forward direction: 101 at 0 m, 102 at about
// 1219 m, 103 at about 2438 m
func buildIndex(t *testing.T) *atlas.Index {
	t.Helper()

	src := &fakeSource{
		routes: []ettu.RawRoute{
			{ID: 18, Number: "18", Name: "ВИЗ - Керамическая", Paths: [][]int{
				{101, 102, 103},
				{103, 102, 101},
			}},
		},
		stops: []ettu.Stop{
			{ID: 101, Name: "Запад", Lat: 56.8, Lon: 60.60, Active: true},
			{ID: 102, Name: "Центр", Lat: 56.8, Lon: 60.62, Active: true},
			{ID: 103, Name: "Восток", Lat: 56.8, Lon: 60.64, Direction: "на Керамическую", Active: true},
		},
	}
	idx, err := atlas.Build(context.Background(), testLogger(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func rawAt(id, route string, lon, course float64, at time.Time) ettu.RawVehicle {
	ts := at
	return ettu.RawVehicle{
		DeviceID:  id,
		BoardNum:  "b" + id,
		RouteNum:  route,
		Lat:       56.8,
		Lon:       lon,
		Speed:     36,
		Course:    course,
		OnRoute:   true,
		Timestamp: &ts,
	}
}

// standardRaws holds an eastbound and a westbound tram on route 18 plus
// one vehicle on a route the atlas does not know
func standardRaws(now time.Time) []ettu.RawVehicle {
	return []ettu.RawVehicle{
		rawAt("1001", "18", 60.61, 90, now),
		rawAt("1002", "18", 60.63, 270, now),
		rawAt("1003", "99", 60.61, 90, now),
	}
}

func testServer(t *testing.T, raws []ettu.RawVehicle) (*httptest.Server, *monitor.Tracker, *Hub) {
	t.Helper()

	catalog := atlas.NewCatalog()
	catalog.Install(buildIndex(t))

	tracker := monitor.NewTracker(testLogger(), atlas.MaxSnapDistanceM, 60*time.Second, 120*time.Second)
	if len(raws) > 0 {
		tracker.ProcessTick(time.Now().UTC(), raws, catalog.Current())
	}

	hub := NewHub(testLogger())
	srv := createServer(testLogger(), catalog, tracker, hub, "127.0.0.1:0")
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, tracker, hub
}

func get(t *testing.T, ts *httptest.Server, path string) (int, []byte) {
	t.Helper()

	res, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(res.Body)
	_ = res.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	return res.StatusCode, body
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()

	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decoding %s: %v", data, err)
	}
}

func within(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func TestListRoutes(t *testing.T) {
	is := is.New(t)
	ts, _, _ := testServer(t, nil)

	status, body := get(t, ts, "/api/routes")
	is.Equal(status, http.StatusOK)

	var routes []routeInfo
	decode(t, body, &routes)
	is.Equal(len(routes), 1)
	is.Equal(routes[0].ID, 18)
	is.Equal(routes[0].Number, "18")
	is.Equal(routes[0].StopIDs, []int{101, 102, 103})
	is.Equal(len(routes[0].Geometry), 3)
	is.Equal(routes[0].Geometry[0], atlas.Point{Lat: 56.8, Lon: 60.60})
}

func TestGetRoute(t *testing.T) {
	is := is.New(t)
	ts, _, _ := testServer(t, nil)

	status, body := get(t, ts, "/api/routes/18")
	is.Equal(status, http.StatusOK)

	var detail routeDetail
	decode(t, body, &detail)
	is.Equal(detail.ID, 18)
	is.Equal(detail.Name, "ВИЗ - Керамическая")

	// three named stops per direction
	is.Equal(len(detail.Stops), 6)
	is.Equal(detail.Stops[0].ID, 101)
	is.Equal(detail.Stops[0].Direction, 0)
	is.Equal(detail.Stops[0].Order, 0)
	is.Equal(detail.Stops[3].Direction, 1)

	// the direction label folds into the stop name on the path
	is.Equal(detail.Stops[2].Name, "Восток (на Керамическую)")

	status, body = get(t, ts, "/api/routes/99")
	is.Equal(status, http.StatusNotFound)

	var e map[string]string
	decode(t, body, &e)
	is.Equal(e["error"], "route not found")
}

func TestListStops(t *testing.T) {
	is := is.New(t)
	ts, _, _ := testServer(t, nil)

	status, body := get(t, ts, "/api/stops")
	is.Equal(status, http.StatusOK)

	var stops []stopInfo
	decode(t, body, &stops)

	// sorted by name: Восток, Запад, Центр
	is.Equal(len(stops), 3)
	is.Equal(stops[0].Name, "Восток")
	is.Equal(stops[0].Direction, "на Керамическую")
	is.Equal(stops[1].Name, "Запад")
	is.Equal(stops[2].Name, "Центр")
}

func TestStopArrivalsFromPipeline(t *testing.T) {
	is := is.New(t)
	ts, _, _ := testServer(t, standardRaws(time.Now().UTC()))

	// both route 18 trams head for the middle stop, 610 m out at 10 m/s
	status, body := get(t, ts, "/api/stops/102/arrivals")
	is.Equal(status, http.StatusOK)

	var board stopArrivals
	decode(t, body, &board)
	is.Equal(board.StopID, 102)
	is.Equal(board.StopName, "Центр")
	is.Equal(len(board.Arrivals), 2)
	is.Equal(board.Arrivals[0].VehicleID, "1001")
	is.Equal(*board.Arrivals[0].ETASeconds, 60)
	is.Equal(board.Arrivals[1].VehicleID, "1002")
	is.Equal(*board.Arrivals[1].ETASeconds, 60)
	is.Equal(*board.Arrivals[0].RouteID, 18)

	// the westbound tram is the only one with the west end ahead of it
	status, body = get(t, ts, "/api/stops/101/arrivals")
	is.Equal(status, http.StatusOK)
	decode(t, body, &board)
	is.Equal(len(board.Arrivals), 1)
	is.Equal(board.Arrivals[0].VehicleID, "1002")

	status, _ = get(t, ts, "/api/stops/777/arrivals")
	is.Equal(status, http.StatusNotFound)
}

func TestStopArrivalsRouteFilter(t *testing.T) {
	is := is.New(t)
	ts, _, _ := testServer(t, standardRaws(time.Now().UTC()))

	var board stopArrivals
	status, body := get(t, ts, "/api/stops/102/arrivals?route=18")
	is.Equal(status, http.StatusOK)
	decode(t, body, &board)
	is.Equal(len(board.Arrivals), 2)

	status, body = get(t, ts, "/api/stops/102/arrivals?route=77")
	is.Equal(status, http.StatusOK)
	decode(t, body, &board)
	is.Equal(len(board.Arrivals), 0)
}

func TestStopArrivalsFallbackEstimate(t *testing.T) {
	is := is.New(t)

	// one eastbound tram that already passed the west end: no pipeline
	// estimate mentions stop 101, so the board falls back to the
	// straight-line figure, about 1827 m at 10 m/s
	ts, _, _ := testServer(t, []ettu.RawVehicle{rawAt("1001", "18", 60.63, 90, time.Now().UTC())})

	status, body := get(t, ts, "/api/stops/101/arrivals")
	is.Equal(status, http.StatusOK)

	var board stopArrivals
	decode(t, body, &board)
	is.Equal(len(board.Arrivals), 1)
	is.Equal(board.Arrivals[0].VehicleID, "1001")
	is.Equal(*board.Arrivals[0].RouteID, 18)
	is.Equal(*board.Arrivals[0].ETASeconds, 182)
}

func TestVehiclesEndpoints(t *testing.T) {
	is := is.New(t)
	ts, _, _ := testServer(t, standardRaws(time.Now().UTC()))

	status, body := get(t, ts, "/api/vehicles")
	is.Equal(status, http.StatusOK)

	var states []monitor.VehicleState
	decode(t, body, &states)
	is.Equal(len(states), 3)
	is.Equal(states[0].ID, "1001")

	status, body = get(t, ts, "/api/vehicles?route=18")
	is.Equal(status, http.StatusOK)
	decode(t, body, &states)
	is.Equal(len(states), 2)

	status, body = get(t, ts, "/api/vehicles/1003")
	is.Equal(status, http.StatusOK)
	var st monitor.VehicleState
	decode(t, body, &st)
	is.Equal(st.Route, "99")
	is.True(st.RouteID == nil)

	status, _ = get(t, ts, "/api/vehicles/2001")
	is.Equal(status, http.StatusNotFound)
}

func TestDiagnostics(t *testing.T) {
	is := is.New(t)
	ts, _, hub := testServer(t, standardRaws(time.Now().UTC()))

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	status, body := get(t, ts, "/api/diagnostics")
	is.Equal(status, http.StatusOK)

	var diag diagnosticsResponse
	decode(t, body, &diag)
	is.Equal(diag.TotalRoutes, 1)
	is.Equal(diag.TotalStops, 3)
	is.Equal(diag.TotalVehicles, 3)
	is.Equal(diag.VehiclesMatched, 2)
	is.Equal(diag.VehiclesUnmatched, 1)
	is.Equal(diag.Ticks, int64(1))
	is.Equal(diag.FailedTicks, int64(0))
	is.Equal(diag.SubscriberCount, 1)
	is.Equal(diag.LossySubscribers, 0)
	is.True(diag.AtlasBuiltAt != nil)

	is.Equal(len(diag.Routes), 1)
	rd := diag.Routes[0]
	is.Equal(rd.RouteID, 18)
	is.Equal(rd.RouteNumber, "18")
	is.Equal(rd.PathStopCount, 6)
	is.Equal(rd.ResolvedCount, 6)
	is.Equal(rd.NamedCount, 3)
	is.Equal(rd.UnnamedCount, 0)
	is.Equal(rd.UnresolvedIDs, []int{})
	is.True(!rd.HasOSRMGeometry)
	is.Equal(rd.GeometryPoints, 3)
	is.True(within(rd.RouteLengthM, 2438.2, 1.0))
	is.Equal(rd.StopsByDirection, map[string]int{"0": 3, "1": 3})
	is.Equal(rd.StopOrderWarnings, []string{})
	is.Equal(rd.VehiclesMatched, int64(2))
}

func TestRouteDiagnostics(t *testing.T) {
	is := is.New(t)
	ts, _, _ := testServer(t, standardRaws(time.Now().UTC()))

	status, body := get(t, ts, "/api/diagnostics/routes/18")
	is.Equal(status, http.StatusOK)

	var rd routeDiagnostics
	decode(t, body, &rd)
	is.Equal(rd.RouteID, 18)

	status, _ = get(t, ts, "/api/diagnostics/routes/99")
	is.Equal(status, http.StatusNotFound)
}

func TestServiceUnavailableBeforeFirstData(t *testing.T) {
	is := is.New(t)

	catalog := atlas.NewCatalog()
	tracker := monitor.NewTracker(testLogger(), atlas.MaxSnapDistanceM, 60*time.Second, 120*time.Second)
	hub := NewHub(testLogger())
	ts := httptest.NewServer(createServer(testLogger(), catalog, tracker, hub, "127.0.0.1:0").Handler)
	defer ts.Close()

	for _, path := range []string{
		"/api/routes", "/api/routes/18", "/api/stops",
		"/api/stops/102/arrivals", "/api/vehicles", "/api/vehicles/1001",
		"/api/diagnostics", "/api/diagnostics/routes/18",
	} {
		status, _ := get(t, ts, path)
		is.Equal(status, http.StatusServiceUnavailable)
	}

	// health stays green so orchestrators can tell starting from dead
	status, _ := get(t, ts, "/api/health")
	is.Equal(status, http.StatusOK)
}

func TestVehiclesServedWithoutCatalog(t *testing.T) {
	is := is.New(t)

	catalog := atlas.NewCatalog()
	tracker := monitor.NewTracker(testLogger(), atlas.MaxSnapDistanceM, 60*time.Second, 120*time.Second)
	tracker.ProcessTick(time.Now().UTC(), []ettu.RawVehicle{rawAt("1001", "18", 60.61, 90, time.Now().UTC())}, nil)
	hub := NewHub(testLogger())
	ts := httptest.NewServer(createServer(testLogger(), catalog, tracker, hub, "127.0.0.1:0").Handler)
	defer ts.Close()

	// vehicle state flows even though no atlas generation exists yet
	status, body := get(t, ts, "/api/vehicles")
	is.Equal(status, http.StatusOK)
	var states []monitor.VehicleState
	decode(t, body, &states)
	is.Equal(len(states), 1)
	is.True(states[0].RouteID == nil)

	// catalog-backed lists degrade to empty, lookups to not found
	status, body = get(t, ts, "/api/routes")
	is.Equal(status, http.StatusOK)
	is.Equal(string(body), "[]")

	status, _ = get(t, ts, "/api/routes/18")
	is.Equal(status, http.StatusNotFound)

	status, _ = get(t, ts, "/api/stops/102/arrivals")
	is.Equal(status, http.StatusNotFound)
}

func TestHealth(t *testing.T) {
	is := is.New(t)
	ts, _, _ := testServer(t, nil)

	status, body := get(t, ts, "/api/health")
	is.Equal(status, http.StatusOK)
	is.Equal(string(body), `{"status":"ok"}`)
}

func TestCORSHeader(t *testing.T) {
	is := is.New(t)
	ts, _, _ := testServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/health", nil)
	is.NoErr(err)
	req.Header.Set("Origin", "http://localhost:3000")

	res, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	_ = res.Body.Close()
	is.Equal(res.Header.Get("Access-Control-Allow-Origin"), "*")
}
