package webapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/ekb-transit/tramcast/app/tram-monitor/monitor"
	"github.com/ekb-transit/tramcast/business/data/atlas"
)

// createServer wires the query api routes and the vehicle stream into a
// configured http.Server
func createServer(log *log.Logger, catalog *atlas.Catalog, tracker *monitor.Tracker, hub *Hub, listenAddr string) *http.Server {
	api := &apiHandlers{
		log:     log,
		catalog: catalog,
		tracker: tracker,
		hub:     hub,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/routes", api.listRoutes).Methods(http.MethodGet)
	router.HandleFunc("/api/routes/{id:[0-9]+}", api.getRoute).Methods(http.MethodGet)
	router.HandleFunc("/api/stops", api.listStops).Methods(http.MethodGet)
	router.HandleFunc("/api/stops/{id:[0-9]+}/arrivals", api.getArrivals).Methods(http.MethodGet)
	router.HandleFunc("/api/vehicles", api.listVehicles).Methods(http.MethodGet)
	router.HandleFunc("/api/vehicles/{id}", api.getVehicle).Methods(http.MethodGet)
	router.HandleFunc("/api/diagnostics", api.getDiagnostics).Methods(http.MethodGet)
	router.HandleFunc("/api/diagnostics/routes/{id:[0-9]+}", api.getRouteDiagnostics).Methods(http.MethodGet)
	router.HandleFunc("/api/health", api.health).Methods(http.MethodGet)
	router.Handle("/ws/vehicles", &vehicleStreamHandler{log: log, hub: hub})

	// the map frontend is served from a different origin
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)

	srv := &http.Server{
		Addr: listenAddr,
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      cors(router),
	}
	return srv
}

// RunWebService serves the query api and the websocket stream until a
// shutdown signal arrives, then drains connections
func RunWebService(log *log.Logger,
	wg *sync.WaitGroup,
	catalog *atlas.Catalog,
	tracker *monitor.Tracker,
	hub *Hub,
	listenAddr string,
	shutdownSignal chan bool) {

	wg.Add(1)
	defer wg.Done()

	srv := createServer(log, catalog, tracker, hub, listenAddr)
	log.Printf("starting web service on %s", listenAddr)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("web service ListenAndServe ended: %s", err)
		}
	}()

	<-shutdownSignal
	log.Printf("ending web service on shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down web service: %s", err)
	}
}
