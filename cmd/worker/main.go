package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/efebarandurmaz/imagesearch/internal/app"
	"github.com/efebarandurmaz/imagesearch/internal/config"
	"github.com/efebarandurmaz/imagesearch/internal/server"
	"github.com/efebarandurmaz/imagesearch/internal/temporal"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, os.Stderr)
	if err != nil {
		log.Fatalf("app: %v", err)
	}
	if err := a.EnsureSchema(ctx); err != nil {
		_ = a.Close(ctx)
		log.Fatalf("schema: %v", err)
	}

	temporal.SetDependencies(&temporal.Dependencies{Ingester: a.Service})

	c, err := temporal.Dial(cfg.Temporal.Host, cfg.Temporal.Namespace, a.Logger)
	if err != nil {
		_ = a.Close(ctx)
		log.Fatalf("temporal client: %v", err)
	}

	w, err := temporal.StartWorker(c, cfg.Temporal.TaskQueue)
	if err != nil {
		c.Close()
		_ = a.Close(ctx)
		log.Fatalf("worker: %v", err)
	}

	fmt.Printf("Worker started on task queue: %s\n", cfg.Temporal.TaskQueue)

	shutdown := server.NewShutdownHandler(&server.ShutdownConfig{
		Timeout: cfg.Server.ShutdownTimeout,
		Logger:  a.Logger,
	})
	shutdown.Add(server.TemporalWorkerShutdownHook(w.Stop))
	shutdown.RegisterHook("temporal-client", server.PriorityWorker+1, func(context.Context) error {
		c.Close()
		return nil
	})
	shutdown.Add(server.TracingShutdownHook(a.Tracing.Shutdown))
	shutdown.Add(server.StoreShutdownHook(a.Store.Close))
	shutdown.Start()
	shutdown.Wait()

	fmt.Println("Worker stopped")
}
