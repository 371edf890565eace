// Package ettu provides access to the ETTU tram telemetry api at map.ettu.ru
package ettu

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ekb-transit/tramcast/foundation/httpclient"
)

const (
	boardsPath = "/api/v2/tram/boards/"
	routesPath = "/api/v2/tram/routes/"
	pointsPath = "/api/v2/tram/points/"
)

// atimeLayout is the format of board ATIME values, reported in local
// Yekaterinburg time (UTC+5)
const atimeLayout = "2006-01-02 15:04:05"

var yekaterinburg = time.FixedZone("Asia/Yekaterinburg", 5*60*60)

// RawVehicle is one live board record from the boards feed
type RawVehicle struct {
	DeviceID  string
	BoardNum  string
	RouteNum  string
	Lat       float64
	Lon       float64
	Speed     float64
	Course    float64
	OnRoute   bool
	Timestamp *time.Time
}

// Stop is one catalog entry from the points feed. Name may be empty, Active
// is false when the upstream STATUS field marks the stop out of service
type Stop struct {
	ID        int
	Name      string
	Lat       float64
	Lon       float64
	Direction string
	Active    bool
}

// RawRoute carries a route's identity and the ordered stop ids of each
// traversal direction. Paths[0] is the forward direction, Paths[1] reverse
type RawRoute struct {
	ID     int
	Number string
	Name   string
	Paths  [][]int
}

// Client fetches vehicles, routes and stops from the ETTU api
type Client struct {
	log     *log.Logger
	http    *httpclient.Client
	baseURL string
	apiKey  string
}

// NewClient creates an ETTU api Client
func NewClient(log *log.Logger, baseURL string, apiKey string) *Client {
	return &Client{
		log:     log,
		http:    httpclient.New(log, 10*time.Second),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + path + "?apiKey=" + url.QueryEscape(c.apiKey)
}

// GetVehicles retrieves all current tram positions. Records with zero
// coordinates or no route assignment are dropped
func (c *Client) GetVehicles(ctx context.Context) ([]RawVehicle, error) {
	var payload json.RawMessage
	if err := c.http.GetJSON(ctx, c.endpoint(boardsPath), &payload); err != nil {
		return nil, fmt.Errorf("fetching vehicles: %w", err)
	}

	items, err := itemList(payload, "vehicles", "boards")
	if err != nil {
		return nil, fmt.Errorf("parsing vehicles: %w", err)
	}

	vehicles := make([]RawVehicle, 0, len(items))
	for _, item := range items {
		v := RawVehicle{
			DeviceID:  fieldString(item, "DEV_ID", "dev_id", "id"),
			BoardNum:  fieldString(item, "BOARD_NUM", "board_num"),
			RouteNum:  fieldString(item, "ROUTE", "route"),
			Lat:       fieldFloat(item, "LAT", "lat"),
			Lon:       fieldFloat(item, "LON", "lon"),
			Speed:     fieldFloat(item, "VELOCITY", "speed"),
			Course:    fieldFloat(item, "COURSE", "course"),
			OnRoute:   fieldFloat(item, "ON_ROUTE", "on_route") != 0,
			Timestamp: parseATime(fieldString(item, "ATIME", "timestamp")),
		}
		if v.Lat == 0 || v.Lon == 0 || v.RouteNum == "" {
			continue
		}
		vehicles = append(vehicles, v)
	}
	c.log.Printf("fetched %d active trams from ettu", len(vehicles))
	return vehicles, nil
}

// GetRoutes retrieves the tram route catalog. Each routes element holds the
// ordered stop ids of one traversal direction; element position is the
// direction index
func (c *Client) GetRoutes(ctx context.Context) ([]RawRoute, error) {
	var payload json.RawMessage
	if err := c.http.GetJSON(ctx, c.endpoint(routesPath), &payload); err != nil {
		return nil, fmt.Errorf("fetching routes: %w", err)
	}

	items, err := itemList(payload, "routes")
	if err != nil {
		return nil, fmt.Errorf("parsing routes: %w", err)
	}

	routes := make([]RawRoute, 0, len(items))
	for _, item := range items {
		route := RawRoute{
			ID:     fieldInt(item, "id", "ID"),
			Number: fieldString(item, "num", "NUM", "number"),
			Name:   fieldString(item, "name", "NAME", "title"),
		}

		elements, _ := item["elements"].([]interface{})
		for _, rawElem := range elements {
			elem, ok := rawElem.(map[string]interface{})
			if !ok {
				continue
			}
			// full_path carries every stop, path only the major ones
			path := stopIDList(elem["full_path"])
			if path == nil {
				path = stopIDList(elem["path"])
			}
			route.Paths = append(route.Paths, path)
		}

		if len(route.Paths) == 0 {
			c.log.Printf("route %s (%s): no path elements in payload", route.Number, route.Name)
		}
		routes = append(routes, route)
	}
	c.log.Printf("fetched %d tram routes from ettu", len(routes))
	return routes, nil
}

// GetPoints retrieves the full stop catalog. Entries without an id or with
// zero coordinates are dropped
func (c *Client) GetPoints(ctx context.Context) ([]Stop, error) {
	var payload json.RawMessage
	if err := c.http.GetJSON(ctx, c.endpoint(pointsPath), &payload); err != nil {
		return nil, fmt.Errorf("fetching points: %w", err)
	}

	items, err := itemList(payload, "points", "stops")
	if err != nil {
		return nil, fmt.Errorf("parsing points: %w", err)
	}

	stops := make([]Stop, 0, len(items))
	for _, item := range items {
		s := Stop{
			ID:        fieldInt(item, "ID", "id"),
			Name:      strings.TrimSpace(fieldString(item, "NAME", "name")),
			Lat:       fieldFloat(item, "LAT", "lat"),
			Lon:       fieldFloat(item, "LON", "lon"),
			Direction: strings.TrimSpace(fieldString(item, "DIRECTION", "direction")),
		}
		status := fieldString(item, "STATUS", "status")
		s.Active = status != "0"
		if s.ID == 0 || s.Lat == 0 || s.Lon == 0 {
			continue
		}
		stops = append(stops, s)
	}
	c.log.Printf("fetched %d tram stops from ettu", len(stops))
	return stops, nil
}

// itemList accepts a payload that is either a bare JSON array or an object
// wrapping the array under one of the given keys
func itemList(payload json.RawMessage, keys ...string) ([]map[string]interface{}, error) {
	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, err
	}

	var raw []interface{}
	switch d := decoded.(type) {
	case []interface{}:
		raw = d
	case map[string]interface{}:
		for _, key := range keys {
			if list, ok := d[key].([]interface{}); ok {
				raw = list
				break
			}
		}
		if raw == nil {
			return nil, fmt.Errorf("payload object has none of the keys %v", keys)
		}
	default:
		return nil, fmt.Errorf("unexpected payload type %T", decoded)
	}

	items := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]interface{}); ok {
			items = append(items, m)
		}
	}
	return items, nil
}

// stopIDList extracts stop ids from a path entry list. Entries are either
// bare numbers or objects carrying an id field
func stopIDList(raw interface{}) []int {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	ids := make([]int, 0, len(list))
	for _, entry := range list {
		switch e := entry.(type) {
		case float64:
			ids = append(ids, int(e))
		case string:
			if id, err := strconv.Atoi(e); err == nil {
				ids = append(ids, id)
			}
		case map[string]interface{}:
			if id := fieldInt(e, "id", "ID"); id != 0 {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func fieldString(item map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		switch v := item[key].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func fieldFloat(item map[string]interface{}, keys ...string) float64 {
	for _, key := range keys {
		switch v := item[key].(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func fieldInt(item map[string]interface{}, keys ...string) int {
	return int(fieldFloat(item, keys...))
}

// parseATime converts an ATIME value to UTC, returning nil when it is
// missing or malformed
func parseATime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	local, err := time.ParseInLocation(atimeLayout, raw, yekaterinburg)
	if err != nil {
		return nil
	}
	utc := local.UTC()
	return &utc
}
