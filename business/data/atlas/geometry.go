package atlas

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ekb-transit/tramcast/foundation/httpclient"
)

// GeometryCache keeps fetched street geometries between atlas builds so
// rebuild cycles don't hammer the router. Straight-line fallbacks are
// never cached
type GeometryCache interface {
	GetGeometry(ctx context.Context, routeNumber string) ([]Point, bool)
	PutGeometry(ctx context.Context, routeNumber string, line []Point)
}

// OSRMFetcher obtains road-following polylines from an OSRM instance.
// Requests are serialized with a pause between them to respect the
// public server's rate limits
type OSRMFetcher struct {
	log     *log.Logger
	http    *httpclient.Client
	baseURL string
	cache   GeometryCache
	pause   time.Duration
	last    time.Time
}

// NewOSRMFetcher creates a fetcher against baseURL. cache may be nil
func NewOSRMFetcher(log *log.Logger, baseURL string, cache GeometryCache) *OSRMFetcher {
	h := httpclient.New(log, 10*time.Second)
	h.MaxRetries = 1
	h.Backoff = []time.Duration{time.Second}
	return &OSRMFetcher{
		log:     log,
		http:    h,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   cache,
		pause:   300 * time.Millisecond,
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Line implements LineFetcher. Cached geometry wins when present;
// otherwise a single routing request lists every waypoint and the decoded
// LineString is stored for later builds. Any failure reports ok=false so
// the caller falls back to straight segments
func (f *OSRMFetcher) Line(ctx context.Context, routeNumber string, waypoints []Point) ([]Point, bool) {
	if len(waypoints) < 2 {
		return nil, false
	}
	if f.cache != nil {
		if line, ok := f.cache.GetGeometry(ctx, routeNumber); ok && len(line) >= 2 {
			return line, true
		}
	}

	f.throttle(ctx)

	var coords strings.Builder
	for i, wp := range waypoints {
		if i > 0 {
			coords.WriteByte(';')
		}
		fmt.Fprintf(&coords, "%.6f,%.6f", wp.Lon, wp.Lat)
	}
	requestURL := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson",
		f.baseURL, coords.String())

	var resp osrmResponse
	if err := f.http.GetJSON(ctx, requestURL, &resp); err != nil {
		f.log.Printf("osrm: route %s geometry fetch failed, using straight segments: %v", routeNumber, err)
		return nil, false
	}
	if resp.Code != "Ok" || len(resp.Routes) == 0 {
		f.log.Printf("osrm: route %s returned code %q, using straight segments", routeNumber, resp.Code)
		return nil, false
	}

	// GeoJSON positions are lon,lat
	raw := resp.Routes[0].Geometry.Coordinates
	line := make([]Point, 0, len(raw))
	for _, c := range raw {
		if len(c) < 2 {
			continue
		}
		line = append(line, Point{Lat: c[1], Lon: c[0]})
	}
	if len(line) < 2 {
		return nil, false
	}

	if f.cache != nil {
		f.cache.PutGeometry(ctx, routeNumber, line)
	}
	return line, true
}

func (f *OSRMFetcher) throttle(ctx context.Context) {
	if !f.last.IsZero() {
		if wait := f.pause - time.Since(f.last); wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	}
	f.last = time.Now()
}
