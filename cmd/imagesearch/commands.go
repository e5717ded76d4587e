package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.temporal.io/sdk/client"

	"github.com/efebarandurmaz/imagesearch/internal/app"
	"github.com/efebarandurmaz/imagesearch/internal/config"
	"github.com/efebarandurmaz/imagesearch/internal/imagesearch"
	"github.com/efebarandurmaz/imagesearch/internal/metrics"
	"github.com/efebarandurmaz/imagesearch/internal/observability"
	"github.com/efebarandurmaz/imagesearch/internal/results"
	"github.com/efebarandurmaz/imagesearch/internal/server"
	"github.com/efebarandurmaz/imagesearch/internal/temporal"
	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

// openApp loads config, wires the app and ensures the store schema. The
// caller closes it. Unless strict is set, an unreachable store only logs a
// warning so searches and ingests can report it per call.
func openApp(ctx context.Context, configPath string, strict bool) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a, err := app.New(ctx, cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	if err := a.EnsureSchema(ctx); err != nil {
		if !strict && errors.Is(err, vector.ErrConnectionUnavailable) {
			a.Logger.Warn("store unavailable, continuing", observability.StoreErrorAttrs(err)...)
			return a, nil
		}
		_ = a.Close(ctx)
		return nil, fmt.Errorf("schema: %w", err)
	}
	return a, nil
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Logger.Warn("close failed", "error", err)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runSchema(ctx context.Context, configPath string) error {
	a, err := openApp(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer closeApp(a)

	fmt.Printf("%s %s collection %q (%d dimensions)\n",
		color.GreenString("✓"), a.Config.Store.Backend, a.Config.Store.Collection, a.Config.Store.Dimensions)
	return nil
}

func runStore(ctx context.Context, configPath, path string) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	a, err := openApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	stored, err := a.Service.StoreImage(ctx, path)
	if err != nil && !vector.IsStoreError(err) {
		return err
	}
	if !stored {
		fmt.Printf("%s %s was not stored: %v\n", color.YellowString("!"), path, err)
		return nil
	}
	fmt.Printf("%s stored %s\n", color.GreenString("✓"), path)
	return nil
}

func runStoreDataset(ctx context.Context, w io.Writer, configPath, dir string, jsonOut, useTemporal bool) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	a, err := openApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if dir == "" {
		dir = a.Config.Dataset.Path
	}

	report := metrics.New(dir)
	report.SetModels(a.Captioner.Name(), a.Embedder.Name())
	if paths, err := a.Service.ListImages(dir); err == nil {
		report.CollectDataset(a.Fs, paths)
	}

	if !jsonOut {
		fmt.Fprintf(w, "Storing %d images from %s\n", report.Dataset.ImageCount, color.CyanString(dir))
	}

	var notStored []string
	var runErr error
	if useTemporal {
		notStored, runErr = ingestWithTemporal(ctx, a, dir)
	} else {
		notStored, runErr = a.Service.StoreDataset(ctx, dir)
	}

	moved := 0
	if len(notStored) > 0 {
		exporter := results.NewExporter(a.Fs, dir, a.Config.Dataset.ResultsDir)
		exporter.Logger = a.Logger
		var mvErr error
		moved, mvErr = exporter.MoveNotStored(notStored)
		if mvErr != nil {
			a.Logger.Warn("could not move every image", "error", mvErr)
		}
	}
	report.Finish(a.Config.Store.Backend, notStored, moved, runErr)

	if jsonOut {
		data, err := report.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	} else {
		report.PrintSummary(w)
	}
	return runErr
}

func ingestWithTemporal(ctx context.Context, a *app.App, dir string) ([]string, error) {
	c, err := temporal.Dial(a.Config.Temporal.Host, a.Config.Temporal.Namespace, a.Logger)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	out, err := temporal.RunIngest(ctx, c, a.Config.Temporal.TaskQueue, dir)
	if err != nil {
		return nil, err
	}
	return out.NotStored, nil
}

func runSearch(ctx context.Context, w io.Writer, configPath, query string, size int, export bool) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	a, err := openApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	return search(ctx, a, w, query, size, export)
}

// search runs one query, prints the hits and optionally exports them.
func search(ctx context.Context, a *app.App, w io.Writer, query string, size int, export bool) error {
	hits, err := a.Service.SearchByText(ctx, query, size)
	switch {
	case errors.Is(err, imagesearch.ErrEmptyQuery):
		fmt.Fprintln(w, color.YellowString("Query is empty."))
		return nil
	case err != nil && vector.IsStoreError(err):
		fmt.Fprintln(w, color.YellowString("No images found."))
		return nil
	case err != nil:
		return err
	}

	if len(hits) == 0 {
		fmt.Fprintln(w, color.YellowString("No images found."))
		return nil
	}
	for i, h := range hits {
		fmt.Fprintf(w, "%2d. %s  %s  %s\n", i+1, color.GreenString(results.FormatScore(h.Score)), color.CyanString(h.Name), h.Caption)
	}

	if export {
		dir, err := a.Exporter.Export(query, hits)
		if err != nil {
			a.Logger.Warn("export incomplete", "error", err)
		}
		if dir != "" {
			fmt.Fprintf(w, "Results copied to %s\n", dir)
		}
	}
	return nil
}

func runInteractive(ctx context.Context, configPath string, size int, in io.Reader) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	a, err := openApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer closeApp(a)
	defer a.Exporter.Clear(a.Config.Dataset.ResultsDir)

	fmt.Println(color.CyanString("Type a query and press enter. :size N changes the result count, :q quits."))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("query> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok = <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
		}

		cmd := strings.TrimSpace(line)
		switch {
		case cmd == ":q" || cmd == "exit":
			return nil
		case strings.HasPrefix(cmd, ":size"):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(cmd, ":size")))
			if err != nil {
				fmt.Println(color.RedString("usage: :size N"))
				continue
			}
			size = server.ClampSize(n)
			fmt.Printf("Returning up to %d results\n", size)
			continue
		}

		if err := search(ctx, a, os.Stdout, line, size, true); err != nil {
			fmt.Println(color.RedString("Error: %v", err))
		}
	}
}

func runWatch(ctx context.Context, configPath, dir string) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	a, err := openApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if dir == "" {
		dir = a.Config.Dataset.Path
	}
	exporter := results.NewExporter(a.Fs, dir, a.Config.Dataset.ResultsDir)
	exporter.Logger = a.Logger

	fmt.Printf("Watching %s (Ctrl+C to stop)\n", color.CyanString(dir))
	return a.Service.Watch(ctx, dir, func(path string, stored bool, err error) {
		switch {
		case stored:
			fmt.Printf("%s stored %s\n", color.GreenString("✓"), path)
		case err != nil && !vector.IsStoreError(err):
			fmt.Printf("%s %s: %v\n", color.RedString("✗"), path, err)
		default:
			fmt.Printf("%s %s was not stored\n", color.YellowString("!"), path)
			if _, mvErr := exporter.MoveNotStored([]string{path}); mvErr != nil {
				a.Logger.Warn("could not move image", "path", path, "error", mvErr)
			}
		}
	})
}

// embedCheckTTL bounds how often health checks spend an embedding call.
const embedCheckTTL = 5 * time.Minute

func runServe(ctx context.Context, configPath, addr string, withTemporal bool) error {
	a, err := openApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = a.Config.Server.Addr
	}

	srv := server.New(server.Config{
		Addr:            addr,
		Version:         app.Version,
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
		Logger:          a.Logger,
	})
	server.NewAPI(a.Service, a.Config.Dataset.Path, a.Logger).Register(srv.Mux())
	srv.Handle("GET /metrics", a.Metrics.Handler())

	srv.Health.RegisterCheck("store", server.StoreHealthChecker(a.Config.Store.Backend, a.Store))
	srv.Health.RegisterCheck("caption_model", server.ModelHealthChecker(a.Captioner.Name(), nil))
	srv.Health.RegisterCheck("embedding_model", server.ModelHealthChecker(a.Embedder.Name(),
		server.CachedCheck(embedCheckTTL, func(ctx context.Context) error {
			_, err := a.Embedder.Embed(ctx, []string{"health"})
			return err
		})))
	srv.Health.RegisterCheck("dataset", server.DatasetHealthChecker(a.Fs, a.Config.Dataset.Path))

	if withTemporal {
		c, err := temporal.Dial(a.Config.Temporal.Host, a.Config.Temporal.Namespace, a.Logger)
		if err != nil {
			closeApp(a)
			return err
		}
		srv.Health.RegisterCheck("temporal", server.TemporalHealthChecker(func(ctx context.Context) error {
			_, err := c.CheckHealth(ctx, &client.CheckHealthRequest{})
			return err
		}))
		srv.RegisterHook(server.ShutdownHook{Name: "temporal-client", Priority: server.PriorityWorker, Fn: func(context.Context) error {
			c.Close()
			return nil
		}})
	}

	srv.RegisterHook(server.TracingShutdownHook(a.Tracing.Shutdown))
	srv.RegisterHook(server.StoreShutdownHook(a.Store.Close))

	if err := srv.Start(); err != nil {
		closeApp(a)
		return err
	}
	fmt.Printf("Listening on %s\n", color.CyanString(srv.Addr()))
	srv.Wait()
	return nil
}
