// Package history persists catalog snapshots, raw vehicle positions and
// stop-to-stop travel time statistics to Postgres, and backs the route
// geometry cache. The live pipeline treats all of it as best effort and
// never blocks on it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rickar/cal/v2"

	"github.com/ekb-transit/tramcast/business/data/atlas"
)

const schema = `
create table if not exists routes (
	id integer primary key,
	number varchar(10) not null,
	name varchar(255) not null default '',
	color varchar(7) not null default '#e53935'
);

create table if not exists stops (
	id integer primary key,
	name varchar(255) not null,
	direction varchar(255) not null default '',
	lat double precision not null,
	lon double precision not null
);

create table if not exists route_stops (
	id serial primary key,
	route_id integer not null,
	stop_id integer not null,
	direction integer not null default 0,
	stop_order integer not null,
	distance_along double precision,
	unique (route_id, stop_id, direction, stop_order)
);

create table if not exists vehicle_positions (
	id bigserial primary key,
	vehicle_id varchar(64) not null,
	route_id integer,
	lat double precision not null,
	lon double precision not null,
	speed double precision,
	course double precision,
	progress double precision,
	recorded_at timestamptz not null
);
create index if not exists ix_vp_vehicle_ts on vehicle_positions (vehicle_id, recorded_at);
create index if not exists ix_vp_route_ts on vehicle_positions (route_id, recorded_at);

create table if not exists travel_time_segments (
	id serial primary key,
	route_id integer not null,
	from_stop_id integer not null,
	to_stop_id integer not null,
	day_type varchar(10) not null,
	hour integer not null,
	mean_seconds double precision not null,
	sample_count integer not null default 0,
	updated_at timestamptz not null,
	unique (route_id, from_stop_id, to_stop_id, day_type, hour)
);

create table if not exists route_geometry_cache (
	route_number varchar(10) primary key,
	coords_json jsonb not null,
	fetched_at timestamptz not null
);
`

// travel time observations outside these bounds are GPS glitches or
// vehicles parked at a terminus
const (
	minPassageSeconds = 10
	maxPassageSeconds = 1800
)

// geometryTTL bounds how long cached street geometry is trusted
const geometryTTL = 24 * time.Hour

// Recorder writes history rows and serves the route geometry cache
type Recorder struct {
	log *log.Logger
	db  *sqlx.DB
	cal *cal.BusinessCalendar

	mu       sync.Mutex
	passages map[string]passage
}

// passage remembers the last named stop a vehicle was seen behind, for
// stop-to-stop travel time measurement
type passage struct {
	stopID  int
	routeID int
	at      time.Time
}

// NewRecorder creates a Recorder over an open database
func NewRecorder(log *log.Logger, db *sqlx.DB) *Recorder {
	return &Recorder{
		log:      log,
		db:       db,
		cal:      serviceCalendar(),
		passages: make(map[string]passage),
	}
}

// Ensure creates the history tables when missing
func (r *Recorder) Ensure(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating history tables: %w", err)
	}
	return nil
}

// RecordCatalog upserts the routes, named stops and per-direction stop
// sequences of an atlas generation
func (r *Recorder) RecordCatalog(ctx context.Context, idx *atlas.Index) error {
	routeStmt := r.db.Rebind("insert into routes " +
		"(id, number, name, color) " +
		"values (?, ?, ?, ?) " +
		"on conflict (id) do update set " +
		"number = excluded.number, name = excluded.name, color = excluded.color")
	for _, route := range idx.Routes {
		if _, err := r.db.ExecContext(ctx, routeStmt, route.ID, route.Number, route.Name, route.Color); err != nil {
			return fmt.Errorf("recording route %s: %w", route.Number, err)
		}
	}

	stopStmt := r.db.Rebind("insert into stops " +
		"(id, name, direction, lat, lon) " +
		"values (?, ?, ?, ?, ?) " +
		"on conflict (id) do update set " +
		"name = excluded.name, direction = excluded.direction, lat = excluded.lat, lon = excluded.lon")
	for _, stop := range idx.Stops {
		if stop.Name == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stopStmt, stop.ID, stop.Name, stop.Direction, stop.Lat, stop.Lon); err != nil {
			return fmt.Errorf("recording stop %d: %w", stop.ID, err)
		}
	}

	seqStmt := r.db.Rebind("insert into route_stops " +
		"(route_id, stop_id, direction, stop_order, distance_along) " +
		"values (?, ?, ?, ?, ?) " +
		"on conflict (route_id, stop_id, direction, stop_order) do update set " +
		"distance_along = excluded.distance_along")
	for _, route := range idx.Routes {
		for _, dir := range route.Directions {
			for _, s := range dir.Stops {
				if s.Name == "" {
					continue
				}
				if _, err := r.db.ExecContext(ctx, seqStmt, route.ID, s.ID, s.Direction, s.Order, s.DistanceAlong); err != nil {
					return fmt.Errorf("recording route %s stop %d: %w", route.Number, s.ID, err)
				}
			}
		}
	}

	r.log.Printf("history: recorded %d routes and their stop sequences", len(idx.Routes))
	return nil
}

// PositionRow is one vehicle observation as stored per tick
type PositionRow struct {
	VehicleID  string    `db:"vehicle_id"`
	RouteID    *int      `db:"route_id"`
	Lat        float64   `db:"lat"`
	Lon        float64   `db:"lon"`
	Speed      float64   `db:"speed"`
	Course     float64   `db:"course"`
	Progress   *float64  `db:"progress"`
	RecordedAt time.Time `db:"recorded_at"`

	// PrevStopID is the last named stop passed when the vehicle is
	// matched. It is not stored directly; it drives travel time
	// measurement
	PrevStopID *int `db:"-"`
}

// RecordTick appends the tick's positions and folds detected stop
// passages into the travel time statistics
func (r *Recorder) RecordTick(ctx context.Context, at time.Time, rows []PositionRow) error {
	if len(rows) == 0 {
		return nil
	}

	posStmt := r.db.Rebind("insert into vehicle_positions " +
		"(vehicle_id, " +
		"route_id, " +
		"lat, " +
		"lon, " +
		"speed, " +
		"course, " +
		"progress, " +
		"recorded_at) " +
		"values " +
		"(:vehicle_id, " +
		":route_id, " +
		":lat, " +
		":lon, " +
		":speed, " +
		":course, " +
		":progress, " +
		":recorded_at)")
	for i := range rows {
		rows[i].RecordedAt = at
		if _, err := r.db.NamedExecContext(ctx, posStmt, &rows[i]); err != nil {
			return fmt.Errorf("recording position of %s: %w", rows[i].VehicleID, err)
		}
	}

	return r.recordPassages(ctx, at, rows)
}

type travelObservation struct {
	RouteID    int       `db:"route_id"`
	FromStopID int       `db:"from_stop_id"`
	ToStopID   int       `db:"to_stop_id"`
	DayType    string    `db:"day_type"`
	Hour       int       `db:"hour"`
	Seconds    float64   `db:"seconds"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *Recorder) recordPassages(ctx context.Context, at time.Time, rows []PositionRow) error {
	stmt := r.db.Rebind("insert into travel_time_segments " +
		"(route_id, " +
		"from_stop_id, " +
		"to_stop_id, " +
		"day_type, " +
		"hour, " +
		"mean_seconds, " +
		"sample_count, " +
		"updated_at) " +
		"values " +
		"(:route_id, " +
		":from_stop_id, " +
		":to_stop_id, " +
		":day_type, " +
		":hour, " +
		":seconds, " +
		"1, " +
		":updated_at) " +
		"on conflict (route_id, from_stop_id, to_stop_id, day_type, hour) do update set " +
		"mean_seconds = travel_time_segments.mean_seconds + " +
		"(excluded.mean_seconds - travel_time_segments.mean_seconds) / (travel_time_segments.sample_count + 1), " +
		"sample_count = travel_time_segments.sample_count + 1, " +
		"updated_at = excluded.updated_at")

	for _, row := range rows {
		obs := r.observePassage(row, at)
		if obs == nil {
			continue
		}
		obs.UpdatedAt = at
		if _, err := r.db.NamedExecContext(ctx, stmt, obs); err != nil {
			return fmt.Errorf("recording travel time %d to %d: %w", obs.FromStopID, obs.ToStopID, err)
		}
	}
	return nil
}

// observePassage updates the per-vehicle passage state and returns a
// travel time observation when the vehicle moved between two named stops
// on the same route within sane bounds
func (r *Recorder) observePassage(row PositionRow, at time.Time) *travelObservation {
	if row.PrevStopID == nil || row.RouteID == nil {
		return nil
	}
	stopID := *row.PrevStopID
	routeID := *row.RouteID

	r.mu.Lock()
	prev, seen := r.passages[row.VehicleID]
	r.passages[row.VehicleID] = passage{stopID: stopID, routeID: routeID, at: at}
	r.mu.Unlock()

	if !seen || prev.stopID == stopID || prev.routeID != routeID {
		return nil
	}

	elapsed := at.Sub(prev.at).Seconds()
	if elapsed <= minPassageSeconds || elapsed >= maxPassageSeconds {
		return nil
	}

	local := at.In(yekaterinburg)
	if isNightHour(local.Hour()) {
		return nil
	}

	return &travelObservation{
		RouteID:    routeID,
		FromStopID: prev.stopID,
		ToStopID:   stopID,
		DayType:    r.DayType(at),
		Hour:       local.Hour(),
		Seconds:    elapsed,
	}
}

// GetGeometry implements atlas.GeometryCache over the
// route_geometry_cache table. Rows older than 24 hours are misses
func (r *Recorder) GetGeometry(ctx context.Context, routeNumber string) ([]atlas.Point, bool) {
	var row struct {
		Coords    []byte    `db:"coords_json"`
		FetchedAt time.Time `db:"fetched_at"`
	}
	stmt := r.db.Rebind("select coords_json, fetched_at from route_geometry_cache where route_number = ?")
	if err := r.db.GetContext(ctx, &row, stmt, routeNumber); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.log.Printf("history: reading geometry cache for route %s: %v", routeNumber, err)
		}
		return nil, false
	}
	if time.Since(row.FetchedAt) > geometryTTL {
		return nil, false
	}

	var line []atlas.Point
	if err := json.Unmarshal(row.Coords, &line); err != nil || len(line) < 2 {
		return nil, false
	}
	return line, true
}

// PutGeometry stores a fetched line. The cache is advisory, so failures
// are only logged
func (r *Recorder) PutGeometry(ctx context.Context, routeNumber string, line []atlas.Point) {
	coords, err := json.Marshal(line)
	if err != nil {
		return
	}
	stmt := r.db.Rebind("insert into route_geometry_cache " +
		"(route_number, coords_json, fetched_at) " +
		"values (?, cast(? as jsonb), ?) " +
		"on conflict (route_number) do update set " +
		"coords_json = excluded.coords_json, fetched_at = excluded.fetched_at")
	if _, err := r.db.ExecContext(ctx, stmt, routeNumber, string(coords), time.Now().UTC()); err != nil {
		r.log.Printf("history: caching geometry for route %s: %v", routeNumber, err)
	}
}
