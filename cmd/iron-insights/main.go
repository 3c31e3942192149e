// Command iron-insights boots the dataset loader, both query engines,
// the result cache, the websocket broadcaster and the HTTP surface, in
// this order: loader -> engines -> cache -> router -> broadcaster and
// its scheduled tick -> HTTP/WS listener. The broadcaster tick and the
// cache sweep are running before the listener opens.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/iron-insights/iron-insights/internal/activity"
	"github.com/iron-insights/iron-insights/internal/broadcaster"
	"github.com/iron-insights/iron-insights/internal/config"
	"github.com/iron-insights/iron-insights/internal/dataset"
	"github.com/iron-insights/iron-insights/internal/httpapi"
	"github.com/iron-insights/iron-insights/internal/resultcache"
	"github.com/iron-insights/iron-insights/internal/router"
	"github.com/iron-insights/iron-insights/internal/sqlengine"
	"github.com/iron-insights/iron-insights/pkg/log"
)

func main() {
	var configFile string
	var datasetPath string
	var listenAddr string
	flag.StringVar(&configFile, "config", "", "path to a JSON config file overriding the defaults")
	flag.StringVar(&datasetPath, "dataset", "", "path to the powerlifting CSV dataset (overrides config)")
	flag.StringVar(&listenAddr, "listen", "", "address to listen on, e.g. :3000 (overrides config.server_port)")
	flag.Parse()

	if err := config.Init(configFile); err != nil {
		log.Fatalf("CONFIG: %s", err.Error())
	}
	if datasetPath != "" {
		config.Keys.DatasetPath = datasetPath
	}
	if listenAddr == "" {
		listenAddr = ":" + strconv.Itoa(config.Keys.ServerPort)
	}

	d, err := dataset.Load(config.Keys.DatasetPath)
	if err != nil {
		log.Fatalf("DATASET: %s", err.Error())
	}

	sql, err := sqlengine.Open(d, sqlengine.Options{
		MemoryLimit: config.Keys.SQLMemoryLimit,
		Threads:     config.Keys.SQLThreads,
	})
	if err != nil {
		// EngineUnavailable (spec.md §7): vector endpoints keep working,
		// SQL-shaped endpoints answer 503 until a reload succeeds.
		log.Warnf("SQLENGINE: failed to open, SQL endpoints unavailable: %v", err)
		sql = nil
	}

	cache := resultcache.New(int(config.Keys.CacheMaxCapacity), time.Duration(config.Keys.CacheTTLSeconds)*time.Second)
	cache.SetDatasetFingerprint(d.Fingerprint)
	cache.SetSingleFlightTimeout(time.Duration(config.Keys.SingleFlightTimeoutSeconds) * time.Second)

	rt := router.New(d, sql, cache, config.Keys.SampleSize, config.Keys.HistogramBins)

	act := activity.New(config.Keys.ActivityRingBufferSize)
	b := broadcaster.New(act, time.Duration(config.Keys.SessionHeartbeatTimeoutSeconds)*time.Second)

	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("SCHEDULER: %s", err.Error())
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			n := cache.Sweep()
			if n > 0 {
				log.Infof("CACHE: swept %d expired entries", n)
			}
		}),
	); err != nil {
		log.Fatalf("SCHEDULER: register cache sweep: %s", err.Error())
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(time.Duration(config.Keys.BroadcastTickSeconds)*time.Second),
		gocron.NewTask(func() {
			b.Tick(config.Keys.MaxConcurrentSessions)
		}),
	); err != nil {
		log.Fatalf("SCHEDULER: register broadcaster tick: %s", err.Error())
	}
	sched.Start()

	api := httpapi.New(rt, b, time.Now())
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	api.MountRoutes(r)
	r.Use(handlers.CompressHandler)
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"}),
	))
	logged := handlers.CombinedLoggingHandler(log.InfoWriter, r)

	server := http.Server{
		Addr:         listenAddr,
		Handler:      logged,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatalf("SERVER: listen on %s: %s", listenAddr, err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("SERVER: listening at %s (dataset fingerprint %s, %d rows)", listenAddr, d.Fingerprint, d.Len())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Print("SERVER: shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnf("SERVER: shutdown: %v", err)
	}

	if err := sched.Shutdown(); err != nil {
		log.Warnf("SCHEDULER: shutdown: %v", err)
	}
	if sql != nil {
		if err := sql.Close(); err != nil {
			log.Warnf("SQLENGINE: close: %v", err)
		}
	}

	wg.Wait()
	log.Print("SERVER: graceful shutdown complete")
}
