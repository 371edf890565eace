package atlas

import (
	"log"

	"github.com/ekb-transit/tramcast/business/data/ettu"
)

// resolveRoute joins a raw route's path stop ids against the points
// catalog. Path entries missing from the catalog are dropped and recorded
// in the route diagnostics. Unnamed or inactive stops stay in the
// sequence since their coordinates still shape the geometry
func resolveRoute(log *log.Logger, raw ettu.RawRoute, catalog map[int]ettu.Stop) (*Route, [][]ettu.Stop) {
	route := &Route{
		ID:     raw.ID,
		Number: raw.Number,
		Name:   raw.Name,
		Color:  routeColor,
	}

	named := make(map[int]bool)
	paths := make([][]ettu.Stop, len(raw.Paths))
	for direction, ids := range raw.Paths {
		resolved := make([]ettu.Stop, 0, len(ids))
		for _, id := range ids {
			route.PathStopCount++
			stop, ok := catalog[id]
			if !ok {
				route.UnresolvedIDs = append(route.UnresolvedIDs, id)
				continue
			}
			route.ResolvedCount++
			if stop.Name == "" || !stop.Active {
				route.UnnamedCount++
			}
			if stop.Name != "" {
				named[stop.ID] = true
			}
			resolved = append(resolved, stop)
		}
		paths[direction] = resolved
	}
	route.NamedCount = len(named)

	if len(route.UnresolvedIDs) > 0 {
		log.Printf("route %s (%s): %d/%d path stops unresolved: %v",
			route.Number, route.Name, len(route.UnresolvedIDs), route.PathStopCount,
			head(route.UnresolvedIDs, 10))
	}
	return route, paths
}

func head(ids []int, n int) []int {
	if len(ids) <= n {
		return ids
	}
	return ids[:n]
}
