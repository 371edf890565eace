package main

import (
	"context"
	"fmt"
	"github.com/ardanlabs/conf"
	"github.com/ekb-transit/tramcast/app/tram-monitor/monitor"
	"github.com/ekb-transit/tramcast/app/tram-monitor/webapi"
	"github.com/ekb-transit/tramcast/business/data/atlas"
	"github.com/ekb-transit/tramcast/business/data/ettu"
	"github.com/ekb-transit/tramcast/business/data/history"
	"github.com/ekb-transit/tramcast/foundation/database"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	logger "log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "TRAM_MONITOR : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {

	// local overrides for development, absent in production
	_ = godotenv.Load()

	var cfg struct {
		conf.Version
		Args                conf.Args
		EttuBaseURL         string  `conf:"default:https://map.ettu.ru"`
		EttuAPIKey          string  `conf:"default:111,noprint"`
		OSRMBaseURL         string  `conf:"default:https://router.project-osrm.org"`
		ListenAddr          string  `conf:"default:0.0.0.0:8000"`
		PollIntervalSeconds int     `conf:"default:10"`
		RouteRefreshHours   int     `conf:"default:6"`
		MaxSnapDistanceM    float64 `conf:"default:300"`
		VehicleTTLSeconds   int     `conf:"default:120"`
		SignalLostSeconds   int     `conf:"default:60"`
		DatabaseURL         string  `conf:"noprint"`
		RedisURL            string  `conf:"noprint"`
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Enrich live tram telemetry and serve it over websocket and REST"

	// env names are flat, ETTU_BASE_URL and friends, no app prefix
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

	// =========================================================================
	// App Starting

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	// =========================================================================
	// Start Database (optional history store)

	var recorder *history.Recorder
	if cfg.DatabaseURL != "" {
		log.Println("main: Initializing database support")

		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to db: %w", err)
		}
		defer func() {
			log.Println("main: Database Stopping")
			if err := db.Close(); err != nil {
				log.Printf("main: error closing database: %v", err)
			}
		}()

		statusCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = database.StatusCheck(statusCtx, db)
		cancel()
		if err != nil {
			return fmt.Errorf("database not ready: %w", err)
		}

		recorder = history.NewRecorder(log, db)
		ensureCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = recorder.Ensure(ensureCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("preparing history schema: %w", err)
		}
	}

	// =========================================================================
	// Start Redis (optional state mirror)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		log.Println("main: Initializing redis support")

		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Printf("main: error closing redis: %v", err)
			}
		}()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("main: redis not reachable yet, mirroring will retry: %v", err)
		}
		cancel()
	}

	// =========================================================================
	// Build Pipeline Components

	source := ettu.NewClient(log, cfg.EttuBaseURL, cfg.EttuAPIKey)
	catalog := atlas.NewCatalog()

	var geometryCache atlas.GeometryCache
	if recorder != nil {
		geometryCache = recorder
	}
	lines := atlas.NewOSRMFetcher(log, cfg.OSRMBaseURL, geometryCache)

	tracker := monitor.NewTracker(log, cfg.MaxSnapDistanceM,
		time.Duration(cfg.SignalLostSeconds)*time.Second,
		time.Duration(cfg.VehicleTTLSeconds)*time.Second)
	hub := webapi.NewHub(log)
	publisher := monitor.NewPublisher(log, hub, rdb, recorder)

	// one build attempt up front so the api has routes from the first
	// request. A failure here is not fatal, the refresh loop retries and
	// vehicles go out unmatched until it succeeds
	log.Println("main: Building initial route atlas")
	if err := monitor.RefreshAtlas(log, source, lines, catalog, publisher); err != nil {
		log.Printf("main: initial atlas build failed, continuing without matches: %v", err)
	}

	// =========================================================================
	// Start Services

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	wg := sync.WaitGroup{}
	pollShutdown := make(chan bool, 1)
	refreshShutdown := make(chan bool, 1)
	webShutdown := make(chan bool, 1)

	go monitor.RunPollLoop(log, &wg, source, tracker, catalog, publisher,
		time.Duration(cfg.PollIntervalSeconds)*time.Second, pollShutdown)
	go monitor.RunRefreshLoop(log, &wg, source, lines, catalog, publisher,
		time.Duration(cfg.RouteRefreshHours)*time.Hour, refreshShutdown)
	go webapi.RunWebService(log, &wg, catalog, tracker, hub, cfg.ListenAddr, webShutdown)

	<-shutdown
	log.Println("main: Shutdown signal received, stopping services")
	pollShutdown <- true
	refreshShutdown <- true
	webShutdown <- true
	wg.Wait()
	log.Println("main: Services stopped")
	return nil
}
