package atlas

import "math"

// MaxSnapDistanceM is the widest gap in meters between a reported
// position and a route polyline that still counts as being on the route
const MaxSnapDistanceM = 300.0

// MatchResult places a vehicle on one direction of a route. Lat and Lon
// are the snapped coordinates on the polyline
type MatchResult struct {
	RouteID       int
	Direction     int
	Progress      float64
	PerpDistM     float64
	Lat           float64
	Lon           float64
	DistanceAlong float64
}

// Match projects a vehicle onto the route identified by number. Every
// direction polyline is considered; the reported course picks between
// directions whose bearings disagree, and ties fall to the smaller
// perpendicular distance. Returns nil when the route is unknown, has no
// geometry, or the vehicle is more than maxSnapM meters from it
func (idx *Index) Match(routeNumber string, lat, lon, course, maxSnapM float64) *MatchResult {
	route := idx.ByNumber[routeNumber]
	if route == nil || len(route.Directions) == 0 {
		return nil
	}

	type candidate struct {
		dir  *DirectionPath
		proj Projection
	}

	cands := make([]candidate, 0, len(route.Directions))
	minPerp := math.MaxFloat64
	for _, dir := range route.Directions {
		proj := dir.Project(lat, lon)
		cands = append(cands, candidate{dir, proj})
		minPerp = math.Min(minPerp, proj.PerpDistM)
	}
	if minPerp > maxSnapM {
		return nil
	}

	// prefer the direction whose bearing agrees with the course, then
	// the nearest one
	var best *candidate
	for i := range cands {
		c := &cands[i]
		if c.proj.PerpDistM > maxSnapM || angularDelta(course, c.proj.SegBearing) > 90 {
			continue
		}
		if best == nil || c.proj.PerpDistM < best.proj.PerpDistM {
			best = c
		}
	}
	if best == nil {
		for i := range cands {
			c := &cands[i]
			if c.proj.PerpDistM > maxSnapM {
				continue
			}
			if best == nil || c.proj.PerpDistM < best.proj.PerpDistM {
				best = c
			}
		}
	}

	return &MatchResult{
		RouteID:       route.ID,
		Direction:     best.dir.Direction,
		Progress:      best.proj.Progress,
		PerpDistM:     best.proj.PerpDistM,
		Lat:           best.proj.Lat,
		Lon:           best.proj.Lon,
		DistanceAlong: best.proj.DistanceAlong,
	}
}

// angularDelta is the shortest difference between two bearings in
// degrees, normalized to [0, 180]
func angularDelta(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}
