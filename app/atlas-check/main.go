// atlas-check builds the route atlas once and prints a per-route
// resolution report. Run it before pointing the monitor at a new
// upstream, or whenever routes look wrong on the map.
package main

import (
	"context"
	"fmt"
	"github.com/ardanlabs/conf"
	"github.com/ekb-transit/tramcast/business/data/atlas"
	"github.com/ekb-transit/tramcast/business/data/ettu"
	"github.com/joho/godotenv"
	logger "log"
	"os"
	"time"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "ATLAS_CHECK : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {

	_ = godotenv.Load()

	var cfg struct {
		conf.Version
		Args        conf.Args
		EttuBaseURL string `conf:"default:https://map.ettu.ru"`
		EttuAPIKey  string `conf:"default:111,noprint"`
		OSRMBaseURL string `conf:"default:https://router.project-osrm.org"`
		SkipOSRM    bool   `conf:"default:false"`
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Build the tram route atlas once and report per-route resolution"

	const prefix = ""
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	client := ettu.NewClient(log, cfg.EttuBaseURL, cfg.EttuAPIKey)
	var lines atlas.LineFetcher
	if !cfg.SkipOSRM {
		lines = atlas.NewOSRMFetcher(log, cfg.OSRMBaseURL, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	idx, err := atlas.Build(ctx, log, client, lines)
	if err != nil {
		return fmt.Errorf("building atlas: %w", err)
	}

	report(idx)
	return nil
}

func report(idx *atlas.Index) {
	fmt.Printf("atlas built %s: %d routes, %d stops\n\n",
		idx.BuiltAt.Format(time.RFC3339), len(idx.Routes), len(idx.Stops))

	for _, route := range idx.Routes {
		geometry := "straight lines"
		if route.HasOSRMGeometry {
			geometry = "osrm"
		}
		var length float64
		if len(route.Directions) > 0 {
			length = route.Directions[0].Length
		}
		fmt.Printf("route %-4s %-40s %6.1f km  geometry: %s (%d points)\n",
			route.Number, route.Name, length/1000, geometry, len(route.Geometry()))
		fmt.Printf("  path stops %d, resolved %d, named %d, unnamed %d\n",
			route.PathStopCount, route.ResolvedCount, route.NamedCount, route.UnnamedCount)
		if len(route.UnresolvedIDs) > 0 {
			fmt.Printf("  unresolved ids: %v\n", route.UnresolvedIDs)
		}
		for _, dir := range route.Directions {
			fmt.Printf("  direction %d: %d stops over %.0f m\n",
				dir.Direction, len(dir.Stops), dir.Length)
		}
		fmt.Println()
	}
}
