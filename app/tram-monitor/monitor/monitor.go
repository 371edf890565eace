// Package monitor drives the telemetry enrichment pipeline. The poll
// loop pulls live tram positions, runs each through route matching, stop
// detection and arrival estimation, and publishes the results; the
// refresh loop rebuilds the route atlas.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ekb-transit/tramcast/business/data/atlas"
	"github.com/ekb-transit/tramcast/business/data/ettu"
)

// emptyCatalogRetry is how soon the refresh loop tries again while no
// atlas generation is installed yet. Waiting out the full refresh period
// would leave a failed boot unmatched for hours
const emptyCatalogRetry = time.Minute

// buildTimeout bounds one atlas build, which issues a routing request
// per route with pauses between them
const buildTimeout = 10 * time.Minute

// VehicleSource supplies the live tram positions for each tick
type VehicleSource interface {
	GetVehicles(ctx context.Context) ([]ettu.RawVehicle, error)
}

// RunPollLoop drives the fast cycle: fetch positions, enrich them
// through the tracker against the current atlas generation, publish the
// results. A failed fetch skips the tick and keeps prior state. Runs
// until a shutdown signal arrives
func RunPollLoop(log *log.Logger,
	wg *sync.WaitGroup,
	source VehicleSource,
	tracker *Tracker,
	catalog *atlas.Catalog,
	publisher *Publisher,
	pollEvery time.Duration,
	shutdownSignal chan bool) {

	wg.Add(1)
	defer wg.Done()

	sleepChan := make(chan bool)
	// first tick runs immediately
	sleep := time.Duration(0)

	for {
		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdownSignal:
			log.Printf("exiting poll loop on shutdown signal")
			return
		case <-sleepChan:
		}

		start := time.Now()

		// the fetch gets the tick period as its budget, retries
		// included. Exhausting it skips the tick
		ctx, cancel := context.WithTimeout(context.Background(), pollEvery)
		raws, err := source.GetVehicles(ctx)
		cancel()
		if err != nil {
			log.Printf("poll: fetching vehicles failed, keeping prior state: %v", err)
			tracker.RecordFailedTick()
			sleep = pollEvery
			continue
		}

		now := time.Now().UTC()
		updated := tracker.ProcessTick(now, raws, catalog.Current())
		publisher.Publish(now, updated, tracker.Snapshot())

		workTook := time.Since(start)
		log.Printf("poll: tick with %d vehicles, work took %s", len(updated), fmtDuration(workTook))
		if workTook >= pollEvery {
			sleep = 0
		} else {
			sleep = pollEvery - workTook
		}
	}
}

// RunRefreshLoop drives the slow cycle: rebuild the route atlas and
// install it as the new generation. The previous generation stays in
// service whenever a build fails. Runs until a shutdown signal arrives
func RunRefreshLoop(log *log.Logger,
	wg *sync.WaitGroup,
	source atlas.Source,
	lines atlas.LineFetcher,
	catalog *atlas.Catalog,
	publisher *Publisher,
	refreshEvery time.Duration,
	shutdownSignal chan bool) {

	wg.Add(1)
	defer wg.Done()

	sleepChan := make(chan bool)
	sleep := nextRefreshSleep(catalog, refreshEvery)

	for {
		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdownSignal:
			log.Printf("exiting refresh loop on shutdown signal")
			return
		case <-sleepChan:
		}

		start := time.Now()
		if err := RefreshAtlas(log, source, lines, catalog, publisher); err != nil {
			log.Printf("refresh: atlas build failed, keeping previous generation: %v", err)
		}
		log.Printf("refresh: work took %s", fmtDuration(time.Since(start)))

		sleep = nextRefreshSleep(catalog, refreshEvery)
	}
}

// RefreshAtlas builds a new atlas generation and installs it when the
// build succeeds. Installed generations are handed to the publisher so
// the optional history store stays current
func RefreshAtlas(log *log.Logger, source atlas.Source, lines atlas.LineFetcher, catalog *atlas.Catalog, publisher *Publisher) error {
	ctx, cancel := context.WithTimeout(context.Background(), buildTimeout)
	defer cancel()

	idx, err := atlas.Build(ctx, log, source, lines)
	if err != nil {
		return err
	}
	catalog.Install(idx)
	if publisher != nil {
		publisher.PublishRefresh(idx)
	}
	return nil
}

func nextRefreshSleep(catalog *atlas.Catalog, refreshEvery time.Duration) time.Duration {
	if catalog.Current() == nil {
		return emptyCatalogRetry
	}
	return refreshEvery
}

// fmtDuration formats a duration for loop timing logs
func fmtDuration(d time.Duration) string {
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}
