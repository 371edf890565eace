// Package atlas builds and serves the tram route network: resolved stop
// sequences per direction, street-following geometry, and the cumulative
// arc-length tables the matcher and stop detector work against.
//
// A built Index is immutable. The Catalog publishes one generation at a
// time; readers capture a generation and use it for the whole operation
// while the refresh loop builds and installs replacements.
package atlas

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ekb-transit/tramcast/business/data/ettu"
)

// routeColor is the line color clients render tram routes with
const routeColor = "#e53935"

// Point is a WGS84 coordinate. On the wire it is the two element array
// [lat, lon]
type Point struct {
	Lat float64
	Lon float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lat, p.Lon})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	p.Lat = pair[0]
	p.Lon = pair[1]
	return nil
}

// RouteStop is one stop on one direction of a route, annotated with its
// distance from the direction's start along the geometry. Name is empty
// for stops the points catalog carries without a display name
type RouteStop struct {
	ID            int
	Name          string
	Lat           float64
	Lon           float64
	Order         int
	Direction     int
	DistanceAlong float64
}

// Route is a resolved tram route ready for matching
type Route struct {
	ID              int
	Number          string
	Name            string
	Color           string
	Directions      []*DirectionPath
	HasOSRMGeometry bool

	// resolution diagnostics, reported through the query api
	PathStopCount int
	ResolvedCount int
	NamedCount    int
	UnnamedCount  int
	UnresolvedIDs []int
}

// Geometry returns the forward direction polyline, or nil when the route
// resolved no usable path
func (r *Route) Geometry() []Point {
	if len(r.Directions) == 0 {
		return nil
	}
	return r.Directions[0].Line
}

// NamedStopIDs returns the ids of named stops across all directions,
// sorted ascending
func (r *Route) NamedStopIDs() []int {
	seen := make(map[int]bool)
	for _, dir := range r.Directions {
		for _, s := range dir.Stops {
			if s.Name != "" {
				seen[s.ID] = true
			}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Index is one immutable generation of the atlas
type Index struct {
	BuiltAt    time.Time
	Routes     []*Route
	ByID       map[int]*Route
	ByNumber   map[string]*Route
	Stops      map[int]ettu.Stop
	StopRoutes map[int][]string
}

// Catalog hands out the current Index generation
type Catalog struct {
	current atomic.Pointer[Index]
}

func NewCatalog() *Catalog {
	return &Catalog{}
}

// Current returns the installed generation, or nil before the first
// successful build
func (c *Catalog) Current() *Index {
	return c.current.Load()
}

// Install publishes idx as the current generation
func (c *Catalog) Install(idx *Index) {
	c.current.Store(idx)
}

// Source supplies the upstream route and stop catalogs
type Source interface {
	GetRoutes(ctx context.Context) ([]ettu.RawRoute, error)
	GetPoints(ctx context.Context) ([]ettu.Stop, error)
}

// LineFetcher returns a street-following polyline through the waypoints.
// ok is false when the caller should fall back to straight segments
type LineFetcher interface {
	Line(ctx context.Context, routeNumber string, waypoints []Point) (line []Point, ok bool)
}

// Build fetches the upstream catalogs and assembles a new Index. The
// result is not installed anywhere. An error means the generation must
// not be used and any previous one should stay in service
func Build(ctx context.Context, log *log.Logger, src Source, lines LineFetcher) (*Index, error) {
	rawRoutes, err := src.GetRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading routes: %w", err)
	}
	points, err := src.GetPoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading points: %w", err)
	}
	if len(rawRoutes) == 0 {
		return nil, fmt.Errorf("route catalog is empty")
	}

	idx := &Index{
		BuiltAt:    time.Now().UTC(),
		ByID:       make(map[int]*Route, len(rawRoutes)),
		ByNumber:   make(map[string]*Route, len(rawRoutes)),
		Stops:      make(map[int]ettu.Stop, len(points)),
		StopRoutes: make(map[int][]string),
	}
	for _, s := range points {
		idx.Stops[s.ID] = s
	}

	stopRoutes := make(map[int]map[string]bool)

	for _, raw := range rawRoutes {
		route, paths := resolveRoute(log, raw, idx.Stops)
		if err := attachGeometry(ctx, log, route, paths, lines); err != nil {
			return nil, fmt.Errorf("route %s: %w", route.Number, err)
		}

		idx.Routes = append(idx.Routes, route)
		idx.ByID[route.ID] = route
		idx.ByNumber[route.Number] = route

		for _, dir := range route.Directions {
			for _, s := range dir.Stops {
				set := stopRoutes[s.ID]
				if set == nil {
					set = make(map[string]bool)
					stopRoutes[s.ID] = set
				}
				set[route.Number] = true
			}
		}
	}

	for id, set := range stopRoutes {
		numbers := make([]string, 0, len(set))
		for number := range set {
			numbers = append(numbers, number)
		}
		sort.Strings(numbers)
		idx.StopRoutes[id] = numbers
	}

	sort.Slice(idx.Routes, func(i, j int) bool {
		return idx.Routes[i].Number < idx.Routes[j].Number
	})

	log.Printf("atlas built: %d routes, %d stops", len(idx.Routes), len(idx.Stops))
	return idx, nil
}

// attachGeometry builds the per-direction linear referencing for a
// resolved route. The first usable direction gets a street-following line
// when the fetcher can supply one; the opposite direction reuses that
// line reversed and projects its own stops onto it. An error here poisons
// the whole generation
func attachGeometry(ctx context.Context, log *log.Logger, route *Route, paths [][]ettu.Stop, lines LineFetcher) error {
	forward := firstUsablePath(paths)
	if forward < 0 {
		log.Printf("route %s (%s): no resolvable path, matching disabled", route.Number, route.Name)
		return nil
	}

	waypoints := stopPoints(paths[forward])
	line := waypoints
	if lines != nil {
		if fetched, ok := lines.Line(ctx, route.Number, waypoints); ok && len(fetched) >= 2 {
			line = fetched
			route.HasOSRMGeometry = true
		}
	}
	reversed := reversePoints(line)

	for direction := range paths {
		dirLine := reversed
		if direction == forward {
			dirLine = line
		}
		stops := paths[direction]
		if len(stops) == 0 {
			stops = reverseStops(paths[forward])
		}
		dirPath, err := NewDirectionPath(direction, dirLine, routeStops(stops, direction))
		if err != nil {
			return err
		}
		route.Directions = append(route.Directions, dirPath)
	}

	// a single-element route still gets a reverse direction so trams
	// heading back toward the start can match
	if len(paths) == 1 {
		dirPath, err := NewDirectionPath(1, reversed, routeStops(reverseStops(paths[forward]), 1))
		if err != nil {
			return err
		}
		route.Directions = append(route.Directions, dirPath)
	}

	for _, dir := range route.Directions {
		for _, warning := range dir.OrderWarnings() {
			log.Printf("route %s direction %d: %s", route.Number, dir.Direction, warning)
		}
	}
	return nil
}

func firstUsablePath(paths [][]ettu.Stop) int {
	for i, p := range paths {
		if len(p) >= 2 {
			return i
		}
	}
	return -1
}

func stopPoints(stops []ettu.Stop) []Point {
	pts := make([]Point, len(stops))
	for i, s := range stops {
		pts[i] = Point{Lat: s.Lat, Lon: s.Lon}
	}
	return pts
}

func routeStops(stops []ettu.Stop, direction int) []RouteStop {
	out := make([]RouteStop, len(stops))
	for i, s := range stops {
		out[i] = RouteStop{
			ID:        s.ID,
			Name:      displayName(s),
			Lat:       s.Lat,
			Lon:       s.Lon,
			Order:     i,
			Direction: direction,
		}
	}
	return out
}

// displayName combines the stop name with its direction label,
// e.g. "1-й км (на Пионерскую)"
func displayName(s ettu.Stop) string {
	if s.Name == "" {
		return ""
	}
	if s.Direction != "" {
		return s.Name + " (" + s.Direction + ")"
	}
	return s.Name
}

func reversePoints(line []Point) []Point {
	out := make([]Point, len(line))
	for i, p := range line {
		out[len(line)-1-i] = p
	}
	return out
}

func reverseStops(stops []ettu.Stop) []ettu.Stop {
	out := make([]ettu.Stop, len(stops))
	for i, s := range stops {
		out[len(stops)-1-i] = s
	}
	return out
}
