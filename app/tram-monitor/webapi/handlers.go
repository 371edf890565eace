package webapi

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ekb-transit/tramcast/app/tram-monitor/monitor"
	"github.com/ekb-transit/tramcast/business/data/atlas"
)

// maxArrivals caps one stop's arrivals board
const maxArrivals = 15

// apiHandlers answers the REST side of the query api. Every handler
// reads the installed atlas generation and the tracker's state table,
// nothing here ever calls upstream
type apiHandlers struct {
	log     *log.Logger
	catalog *atlas.Catalog
	tracker *monitor.Tracker
	hub     *Hub
}

type routeInfo struct {
	ID       int           `json:"id"`
	Number   string        `json:"number"`
	Name     string        `json:"name"`
	Color    string        `json:"color"`
	StopIDs  []int         `json:"stop_ids"`
	Geometry []atlas.Point `json:"geometry"`
}

type routeStopDetail struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Order     int     `json:"order"`
	Direction int     `json:"direction"`
}

type routeDetail struct {
	ID       int               `json:"id"`
	Number   string            `json:"number"`
	Name     string            `json:"name"`
	Color    string            `json:"color"`
	Stops    []routeStopDetail `json:"stops"`
	Geometry []atlas.Point     `json:"geometry"`
}

type stopInfo struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Direction string  `json:"direction"`
}

type arrival struct {
	VehicleID  string `json:"vehicle_id"`
	BoardNum   string `json:"board_num"`
	Route      string `json:"route"`
	RouteID    *int   `json:"route_id"`
	ETASeconds *int   `json:"eta_seconds"`
}

type stopArrivals struct {
	StopID   int       `json:"stop_id"`
	StopName string    `json:"stop_name"`
	Arrivals []arrival `json:"arrivals"`
}

type routeDiagnostics struct {
	RouteID           int            `json:"route_id"`
	RouteNumber       string         `json:"route_number"`
	PathStopCount     int            `json:"path_stop_count"`
	ResolvedCount     int            `json:"resolved_count"`
	NamedCount        int            `json:"named_count"`
	UnnamedCount      int            `json:"unnamed_count"`
	UnresolvedIDs     []int          `json:"unresolved_ids"`
	HasOSRMGeometry   bool           `json:"has_osrm_geometry"`
	GeometryPoints    int            `json:"geometry_points"`
	RouteLengthM      float64        `json:"route_length_m"`
	StopsByDirection  map[string]int `json:"stops_by_direction"`
	StopOrderWarnings []string       `json:"stop_order_warnings"`
	VehiclesMatched   int64          `json:"vehicles_matched"`
}

type diagnosticsResponse struct {
	TotalRoutes       int                `json:"total_routes"`
	TotalStops        int                `json:"total_stops"`
	TotalVehicles     int                `json:"total_vehicles"`
	VehiclesMatched   int                `json:"vehicles_matched"`
	VehiclesUnmatched int                `json:"vehicles_unmatched"`
	Ticks             int64              `json:"ticks"`
	FailedTicks       int64              `json:"failed_ticks"`
	Evictions         int64              `json:"evictions"`
	SubscriberCount   int                `json:"subscriber_count"`
	LossySubscribers  int                `json:"lossy_subscribers"`
	AtlasBuiltAt      *time.Time         `json:"atlas_built_at"`
	Routes            []routeDiagnostics `json:"routes"`
}

// respond writes v as the JSON response body
func (h *apiHandlers) respond(w http.ResponseWriter, status int, v interface{}) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		h.log.Printf("error marshaling response: %v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(jsonData); err != nil {
		h.log.Printf("error writing response: %v", err)
	}
}

func (h *apiHandlers) respondError(w http.ResponseWriter, status int, msg string) {
	h.respond(w, status, map[string]string{"error": msg})
}

// gate returns the current atlas generation and whether the service can
// answer data requests at all. With no generation installed the request
// still proceeds on vehicle state alone; only a service that has neither
// turns clients away
func (h *apiHandlers) gate(w http.ResponseWriter) (*atlas.Index, bool) {
	idx := h.catalog.Current()
	if idx != nil {
		return idx, true
	}
	if total, _ := h.tracker.Counts(); total > 0 {
		return nil, true
	}
	h.respondError(w, http.StatusServiceUnavailable, "service starting, no data yet")
	return nil, false
}

func (h *apiHandlers) listRoutes(w http.ResponseWriter, r *http.Request) {
	idx, ok := h.gate(w)
	if !ok {
		return
	}

	infos := make([]routeInfo, 0)
	if idx != nil {
		for _, route := range idx.Routes {
			infos = append(infos, routeInfo{
				ID:       route.ID,
				Number:   route.Number,
				Name:     route.Name,
				Color:    route.Color,
				StopIDs:  route.NamedStopIDs(),
				Geometry: geometryOrEmpty(route),
			})
		}
	}
	h.respond(w, http.StatusOK, infos)
}

func (h *apiHandlers) getRoute(w http.ResponseWriter, r *http.Request) {
	idx, ok := h.gate(w)
	if !ok {
		return
	}

	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	var route *atlas.Route
	if idx != nil {
		route = idx.ByID[id]
	}
	if route == nil {
		h.respondError(w, http.StatusNotFound, "route not found")
		return
	}

	detail := routeDetail{
		ID:       route.ID,
		Number:   route.Number,
		Name:     route.Name,
		Color:    route.Color,
		Stops:    make([]routeStopDetail, 0),
		Geometry: geometryOrEmpty(route),
	}
	for _, dir := range route.Directions {
		for _, s := range dir.Stops {
			if s.Name == "" {
				continue
			}
			detail.Stops = append(detail.Stops, routeStopDetail{
				ID:        s.ID,
				Name:      s.Name,
				Lat:       s.Lat,
				Lon:       s.Lon,
				Order:     s.Order,
				Direction: s.Direction,
			})
		}
	}
	h.respond(w, http.StatusOK, detail)
}

func (h *apiHandlers) listStops(w http.ResponseWriter, r *http.Request) {
	idx, ok := h.gate(w)
	if !ok {
		return
	}

	stops := make([]stopInfo, 0)
	if idx != nil {
		for _, s := range idx.Stops {
			if s.Name == "" {
				continue
			}
			stops = append(stops, stopInfo{
				ID:        s.ID,
				Name:      s.Name,
				Lat:       s.Lat,
				Lon:       s.Lon,
				Direction: s.Direction,
			})
		}
		sort.Slice(stops, func(i, j int) bool {
			if stops[i].Name != stops[j].Name {
				return stops[i].Name < stops[j].Name
			}
			return stops[i].ID < stops[j].ID
		})
	}
	h.respond(w, http.StatusOK, stops)
}

func (h *apiHandlers) getArrivals(w http.ResponseWriter, r *http.Request) {
	idx, ok := h.gate(w)
	if !ok {
		return
	}

	stopID, _ := strconv.Atoi(mux.Vars(r)["id"])
	if idx == nil {
		h.respondError(w, http.StatusNotFound, "stop not found")
		return
	}
	stop, found := idx.Stops[stopID]
	if !found {
		h.respondError(w, http.StatusNotFound, "stop not found")
		return
	}

	h.respond(w, http.StatusOK, stopArrivals{
		StopID:   stop.ID,
		StopName: stop.Name,
		Arrivals: h.collectArrivals(idx, stopID, r.URL.Query().Get("route")),
	})
}

// collectArrivals builds one stop's arrivals board. Vehicles heading for
// the stop contribute their pipeline estimate directly. Routes that
// serve the stop without any such vehicle fall back to a straight-line
// estimate from each active vehicle's raw position, so the board still
// shows something useful when the stop is outside every match horizon
func (h *apiHandlers) collectArrivals(idx *atlas.Index, stopID int, routeFilter string) []arrival {
	states := h.tracker.Snapshot()

	arrivals := make([]arrival, 0)
	direct := make(map[string]bool)
	for i := range states {
		st := &states[i]
		if st.RouteID == nil || st.SignalLost || skipRoute(st, routeFilter) {
			continue
		}
		for _, ns := range st.NextStops {
			if ns.ID != stopID {
				continue
			}
			arrivals = append(arrivals, arrival{
				VehicleID:  st.ID,
				BoardNum:   st.BoardNum,
				Route:      st.Route,
				RouteID:    st.RouteID,
				ETASeconds: ns.ETASeconds,
			})
			direct[st.Route] = true
			break
		}
	}

	stop := idx.Stops[stopID]
	for _, number := range idx.StopRoutes[stopID] {
		if direct[number] {
			continue
		}
		for i := range states {
			st := &states[i]
			if st.Route != number || st.SignalLost || skipRoute(st, routeFilter) {
				continue
			}
			eta := atlas.ETASeconds(atlas.HaversineM(st.Lat, st.Lon, stop.Lat, stop.Lon), st.Speed)
			if eta == nil {
				continue
			}
			arrivals = append(arrivals, arrival{
				VehicleID:  st.ID,
				BoardNum:   st.BoardNum,
				Route:      st.Route,
				RouteID:    st.RouteID,
				ETASeconds: eta,
			})
		}
	}

	sort.SliceStable(arrivals, func(i, j int) bool {
		return etaRank(arrivals[i].ETASeconds) < etaRank(arrivals[j].ETASeconds)
	})
	if len(arrivals) > maxArrivals {
		arrivals = arrivals[:maxArrivals]
	}
	return arrivals
}

func etaRank(eta *int) int {
	if eta == nil {
		return math.MaxInt32
	}
	return *eta
}

// skipRoute applies the ?route= query filter. The filter matches the
// display number, or the internal route id when it parses as one
func skipRoute(st *monitor.VehicleState, filter string) bool {
	if filter == "" || st.Route == filter {
		return false
	}
	if id, err := strconv.Atoi(filter); err == nil && st.RouteID != nil && *st.RouteID == id {
		return false
	}
	return true
}

func (h *apiHandlers) listVehicles(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.gate(w); !ok {
		return
	}

	routeFilter := r.URL.Query().Get("route")
	states := h.tracker.Snapshot()
	filtered := make([]monitor.VehicleState, 0, len(states))
	for i := range states {
		if skipRoute(&states[i], routeFilter) {
			continue
		}
		filtered = append(filtered, states[i])
	}
	h.respond(w, http.StatusOK, filtered)
}

func (h *apiHandlers) getVehicle(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.gate(w); !ok {
		return
	}

	st, found := h.tracker.Get(mux.Vars(r)["id"])
	if !found {
		h.respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}
	h.respond(w, http.StatusOK, st)
}

func (h *apiHandlers) getDiagnostics(w http.ResponseWriter, r *http.Request) {
	idx, ok := h.gate(w)
	if !ok {
		return
	}

	total, matched := h.tracker.Counts()
	diag := h.tracker.Diag()
	subscribers, lossy := h.hub.Stats()

	resp := diagnosticsResponse{
		TotalVehicles:     total,
		VehiclesMatched:   matched,
		VehiclesUnmatched: total - matched,
		Ticks:             diag.Ticks,
		FailedTicks:       diag.FailedTicks,
		Evictions:         diag.Evictions,
		SubscriberCount:   subscribers,
		LossySubscribers:  lossy,
		Routes:            make([]routeDiagnostics, 0),
	}
	if idx != nil {
		resp.TotalRoutes = len(idx.Routes)
		resp.TotalStops = len(idx.Stops)
		builtAt := idx.BuiltAt
		resp.AtlasBuiltAt = &builtAt
		for _, route := range idx.Routes {
			resp.Routes = append(resp.Routes, routeDiag(route, diag))
		}
	}
	h.respond(w, http.StatusOK, resp)
}

func (h *apiHandlers) getRouteDiagnostics(w http.ResponseWriter, r *http.Request) {
	idx, ok := h.gate(w)
	if !ok {
		return
	}

	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	var route *atlas.Route
	if idx != nil {
		route = idx.ByID[id]
	}
	if route == nil {
		h.respondError(w, http.StatusNotFound, "route not found")
		return
	}
	h.respond(w, http.StatusOK, routeDiag(route, h.tracker.Diag()))
}

func (h *apiHandlers) health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func routeDiag(route *atlas.Route, diag monitor.Diagnostics) routeDiagnostics {
	d := routeDiagnostics{
		RouteID:           route.ID,
		RouteNumber:       route.Number,
		PathStopCount:     route.PathStopCount,
		ResolvedCount:     route.ResolvedCount,
		NamedCount:        route.NamedCount,
		UnnamedCount:      route.UnnamedCount,
		UnresolvedIDs:     route.UnresolvedIDs,
		HasOSRMGeometry:   route.HasOSRMGeometry,
		GeometryPoints:    len(route.Geometry()),
		StopsByDirection:  make(map[string]int),
		StopOrderWarnings: []string{},
		VehiclesMatched:   diag.MatchedByRoute[route.Number],
	}
	if d.UnresolvedIDs == nil {
		d.UnresolvedIDs = []int{}
	}
	if len(route.Directions) > 0 {
		d.RouteLengthM = math.Round(route.Directions[0].Length*10) / 10
	}
	for _, dir := range route.Directions {
		d.StopsByDirection[strconv.Itoa(dir.Direction)] = len(dir.Stops)
		d.StopOrderWarnings = append(d.StopOrderWarnings, dir.OrderWarnings()...)
	}
	return d
}

func geometryOrEmpty(route *atlas.Route) []atlas.Point {
	if geom := route.Geometry(); geom != nil {
		return geom
	}
	return []atlas.Point{}
}
