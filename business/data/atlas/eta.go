package atlas

import "math"

const (
	// minSpeedKmh floors the speed used for estimates so stopped trams
	// still produce arrival times
	minSpeedKmh = 5.0

	// maxETASeconds caps the estimate horizon. Stops further out are
	// reported without a time
	maxETASeconds = 3600
)

// StopETA pairs an upcoming stop with its arrival estimate. Seconds is
// nil when the stop is beyond the estimate horizon
type StopETA struct {
	Stop    RouteStop
	Seconds *int
}

// EstimateArrivals computes a first-order time estimate for each
// upcoming stop from the vehicle's distance along the direction and its
// reported speed in km/h
func EstimateArrivals(distanceAlong, speedKmh float64, next []RouteStop) []StopETA {
	out := make([]StopETA, 0, len(next))
	for _, stop := range next {
		out = append(out, StopETA{
			Stop:    stop,
			Seconds: ETASeconds(stop.DistanceAlong-distanceAlong, speedKmh),
		})
	}
	return out
}

// ETASeconds is the first-order arrival estimate for covering remainingM
// meters at a reported speed. Returns nil beyond the estimate horizon
func ETASeconds(remainingM, speedKmh float64) *int {
	if remainingM < 0 {
		remainingM = 0
	}
	mps := math.Max(speedKmh, minSpeedKmh) / 3.6
	eta := int(remainingM / mps)
	if eta > maxETASeconds {
		return nil
	}
	return &eta
}
