package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ownyourposts/migrator/internal/blossom"
	"github.com/ownyourposts/migrator/internal/config"
	"github.com/ownyourposts/migrator/internal/handlers"
	"github.com/ownyourposts/migrator/internal/notify"
	"github.com/ownyourposts/migrator/internal/relay"
	"github.com/ownyourposts/migrator/internal/store"
	"github.com/ownyourposts/migrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	// Root context for the scheduler and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	// Run migrations on startup
	driver, err := sqlite3.WithInstance(st.DB(), &sqlite3.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "sqlite3", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	log.Printf("Blossom server: %s", cfg.BlossomServer)
	log.Printf("Relays: %v", cfg.Relays)
	if cfg.BackendURL != "" {
		log.Printf("Backend URL: %s", cfg.BackendURL)
	}

	w := worker.New(st, blossom.New(cfg.BlossomServer, cfg.BackendURL), relay.NewPublisher(cfg.Relays))
	w.MaxRetries = cfg.MaxRetries
	if cfg.PrimalCacheURL != "" {
		w.Importer = relay.NewImporter(cfg.PrimalCacheURL)
	}
	if cfg.ResendAPIKey != "" {
		w.Emailer = notify.NewEmailer(cfg.ResendAPIKey, cfg.BaseURL)
	}

	sched := worker.NewScheduler(w, cfg.Concurrency, cfg.PollInterval)
	go sched.Run(rootCtx)

	// Status API
	h := handlers.New(st)
	r := mux.NewRouter()
	h.Routes(r)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Handler:      c.Handler(r),
		Addr:         ":" + cfg.Port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-stop
		log.Println("Shutting down...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}
