package atlas

import "sort"

// Detection is the stop context around a position on one direction
type Detection struct {
	PrevStop  *RouteStop
	NextStops []RouteStop
}

// Direction returns the path for a direction index, or nil
func (r *Route) Direction(direction int) *DirectionPath {
	for _, dir := range r.Directions {
		if dir.Direction == direction {
			return dir
		}
	}
	return nil
}

// DetectStops returns the last named stop at or behind distanceAlong and
// up to maxNext named stops ahead of it. Unnamed stops are skipped; they
// only shape the geometry
func (r *Route) DetectStops(direction int, distanceAlong float64, maxNext int) Detection {
	var det Detection
	dir := r.Direction(direction)
	if dir == nil {
		return det
	}

	stops := dir.Stops
	idx := sort.Search(len(stops), func(i int) bool {
		return stops[i].DistanceAlong > distanceAlong
	})

	for i := idx - 1; i >= 0; i-- {
		if stops[i].Name != "" {
			prev := stops[i]
			det.PrevStop = &prev
			break
		}
	}
	for i := idx; i < len(stops) && len(det.NextStops) < maxNext; i++ {
		if stops[i].Name != "" {
			det.NextStops = append(det.NextStops, stops[i])
		}
	}
	return det
}
