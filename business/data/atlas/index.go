package atlas

import (
	"fmt"
	"math"
	"sort"
)

// metersPerDegreeLat is the equirectangular scale for one degree of
// latitude. One degree of longitude is scaled by cos(mean latitude)
const metersPerDegreeLat = 111320.0

// DirectionPath is one traversal direction of a route: its polyline, the
// cumulative arc-length table and the stops annotated with distance from
// the start. Distances are meters in an equirectangular frame at the
// polyline's mean latitude, which is accurate at city scale
type DirectionPath struct {
	Direction int
	Line      []Point
	Cum       []float64
	Length    float64
	Stops     []RouteStop

	lonScale float64
	warnings []string
}

// Projection is the result of snapping a point onto a direction's line
type Projection struct {
	Progress      float64
	DistanceAlong float64
	PerpDistM     float64
	Lat           float64
	Lon           float64
	SegBearing    float64
}

// NewDirectionPath builds the cumulative distance table for line and
// projects each stop onto it. Stops are re-ordered by distance-along so
// binary search works even when the upstream path order disagrees with
// the geometry; disagreements are kept as warnings. An error means the
// polyline is unusable and the atlas generation must be rejected
func NewDirectionPath(direction int, line []Point, stops []RouteStop) (*DirectionPath, error) {
	if len(line) < 2 {
		return nil, fmt.Errorf("direction %d: polyline needs at least two points, got %d", direction, len(line))
	}

	var meanLat float64
	for _, p := range line {
		meanLat += p.Lat
	}
	meanLat /= float64(len(line))

	dp := &DirectionPath{
		Direction: direction,
		Line:      line,
		lonScale:  math.Cos(degRad(meanLat)),
	}

	dp.Cum = make([]float64, len(line))
	for i := 1; i < len(line); i++ {
		cum := dp.Cum[i-1] + equirectDistance(line[i-1], line[i], dp.lonScale)
		if !(cum >= dp.Cum[i-1]) {
			return nil, fmt.Errorf("direction %d: cumulative distance not monotonic at vertex %d", direction, i)
		}
		dp.Cum[i] = cum
	}
	dp.Length = dp.Cum[len(dp.Cum)-1]
	if dp.Length <= 0 {
		return nil, fmt.Errorf("direction %d: polyline has zero length", direction)
	}

	for i := range stops {
		proj := dp.Project(stops[i].Lat, stops[i].Lon)
		stops[i].DistanceAlong = proj.DistanceAlong
		stops[i].Direction = direction
	}
	for i := 1; i < len(stops); i++ {
		if stops[i].DistanceAlong < stops[i-1].DistanceAlong {
			dp.warnings = append(dp.warnings, fmt.Sprintf(
				"stop %d (%s) at %.0fm precedes stop %d (%s) at %.0fm despite later path order",
				stops[i].ID, stops[i].Name, stops[i].DistanceAlong,
				stops[i-1].ID, stops[i-1].Name, stops[i-1].DistanceAlong))
		}
	}
	sort.SliceStable(stops, func(a, b int) bool {
		return stops[a].DistanceAlong < stops[b].DistanceAlong
	})
	dp.Stops = stops

	return dp, nil
}

// Project snaps a point onto the nearest segment of the polyline. Points
// beyond an endpoint land on the endpoint with the perpendicular distance
// equal to the straight distance to it
func (dp *DirectionPath) Project(lat, lon float64) Projection {
	best := Projection{PerpDistM: math.MaxFloat64}
	for i := 0; i+1 < len(dp.Line); i++ {
		a := dp.Line[i]
		b := dp.Line[i+1]

		// segment and point in meters relative to a
		dx := (b.Lon - a.Lon) * dp.lonScale * metersPerDegreeLat
		dy := (b.Lat - a.Lat) * metersPerDegreeLat
		px := (lon - a.Lon) * dp.lonScale * metersPerDegreeLat
		py := (lat - a.Lat) * metersPerDegreeLat

		segLenSq := dx*dx + dy*dy
		t := 0.0
		if segLenSq > 0 {
			t = math.Min(1, math.Max(0, (px*dx+py*dy)/segLenSq))
		}

		ex := px - dx*t
		ey := py - dy*t
		dist := math.Sqrt(ex*ex + ey*ey)
		if dist < best.PerpDistM {
			best = Projection{
				DistanceAlong: dp.Cum[i] + math.Sqrt(segLenSq)*t,
				PerpDistM:     dist,
				Lat:           a.Lat + (b.Lat-a.Lat)*t,
				Lon:           a.Lon + (b.Lon-a.Lon)*t,
				SegBearing:    bearingDegrees(dx, dy),
			}
		}
	}
	if dp.Length > 0 {
		best.Progress = math.Min(1, math.Max(0, best.DistanceAlong/dp.Length))
	}
	return best
}

// OrderWarnings lists the stops whose projected distance disagrees with
// the upstream path order. The sequence is re-sorted, so these are
// advisory
func (dp *DirectionPath) OrderWarnings() []string {
	return dp.warnings
}

func equirectDistance(a, b Point, lonScale float64) float64 {
	dx := (b.Lon - a.Lon) * lonScale * metersPerDegreeLat
	dy := (b.Lat - a.Lat) * metersPerDegreeLat
	return math.Sqrt(dx*dx + dy*dy)
}

// bearingDegrees converts an east/north meter offset to a compass
// bearing, 0 = north, clockwise, in [0, 360)
func bearingDegrees(dxEast, dyNorth float64) float64 {
	deg := math.Atan2(dxEast, dyNorth) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

func degRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// HaversineM returns the great-circle distance in meters between two
// WGS84 points
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000
	dLat := degRad(lat2 - lat1)
	dLon := degRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(degRad(lat1))*math.Cos(degRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
