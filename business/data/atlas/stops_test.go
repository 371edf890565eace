package atlas

import (
	"testing"

	"github.com/matryer/is"
)

// detectionRoute has three named stops and one unnamed technical stop
// between Центр and Восток
func detectionRoute(t *testing.T) *Route {
	t.Helper()

	dp, err := NewDirectionPath(0, testLine, []RouteStop{
		{ID: 1, Name: "Запад", Lat: 56.8, Lon: 60.60},
		{ID: 2, Name: "Центр", Lat: 56.8, Lon: 60.62},
		{ID: 9, Name: "", Lat: 56.8, Lon: 60.63},
		{ID: 3, Name: "Восток", Lat: 56.8, Lon: 60.64},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &Route{ID: 18, Number: "18", Directions: []*DirectionPath{dp}}
}

func TestDetectStops(t *testing.T) {
	is := is.New(t)
	route := detectionRoute(t)

	det := route.DetectStops(0, 650, 5)
	is.True(det.PrevStop != nil)
	is.Equal(det.PrevStop.ID, 1)

	// the unnamed stop between Центр and Восток is skipped
	is.Equal(len(det.NextStops), 2)
	is.Equal(det.NextStops[0].ID, 2)
	is.Equal(det.NextStops[1].ID, 3)
}

func TestDetectStopsAtStopPosition(t *testing.T) {
	is := is.New(t)
	route := detectionRoute(t)

	// standing exactly at a stop counts it as passed
	det := route.DetectStops(0, 0, 5)
	is.True(det.PrevStop != nil)
	is.Equal(det.PrevStop.ID, 1)
	is.Equal(det.NextStops[0].ID, 2)
}

func TestDetectStopsBeforeFirst(t *testing.T) {
	is := is.New(t)
	route := detectionRoute(t)

	dp := route.Directions[0]
	det := route.DetectStops(0, dp.Stops[0].DistanceAlong-1, 5)
	is.True(det.PrevStop == nil)
	is.Equal(det.NextStops[0].ID, 1)
}

func TestDetectStopsPastLast(t *testing.T) {
	is := is.New(t)
	route := detectionRoute(t)

	det := route.DetectStops(0, 1e9, 5)
	is.True(det.PrevStop != nil)
	is.Equal(det.PrevStop.ID, 3)
	is.Equal(len(det.NextStops), 0)
}

func TestDetectStopsMaxNext(t *testing.T) {
	is := is.New(t)
	route := detectionRoute(t)

	det := route.DetectStops(0, 0, 1)
	is.Equal(len(det.NextStops), 1)
	is.Equal(det.NextStops[0].ID, 2)
}

func TestDetectStopsUnknownDirection(t *testing.T) {
	is := is.New(t)
	route := detectionRoute(t)

	det := route.DetectStops(5, 100, 5)
	is.True(det.PrevStop == nil)
	is.Equal(len(det.NextStops), 0)
}
