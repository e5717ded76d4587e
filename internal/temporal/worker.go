package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
)

// Registry is satisfied by worker.Worker and the test workflow environment.
type Registry interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
}

// Register adds the ingest workflow and activities to w.
func Register(w Registry) {
	w.RegisterWorkflow(IngestDatasetWorkflow)
	w.RegisterActivity(ListImagesActivity)
	w.RegisterActivity(StoreImageActivity)
}

// Dial connects to the Temporal frontend at host. SDK logs go through logger.
func Dial(host, namespace string, logger *slog.Logger) (client.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client %s: %w", host, err)
	}
	return c, nil
}

// StartWorker creates and starts a Temporal worker. Ingest runs images one
// at a time, so the worker executes a single activity at once.
func StartWorker(c client.Client, taskQueue string) (worker.Worker, error) {
	w := worker.New(c, taskQueue, worker.Options{MaxConcurrentActivityExecutionSize: 1})
	Register(w)

	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return w, nil
}

// RunIngest starts IngestDatasetWorkflow for dir and waits for its result.
func RunIngest(ctx context.Context, c client.Client, taskQueue, dir string) (*IngestOutput, error) {
	opts := client.StartWorkflowOptions{
		ID:        "ingest-" + uuid.NewString(),
		TaskQueue: taskQueue,
	}
	run, err := c.ExecuteWorkflow(ctx, opts, IngestDatasetWorkflow, IngestInput{Dir: dir})
	if err != nil {
		return nil, fmt.Errorf("start ingest workflow: %w", err)
	}

	var out IngestOutput
	if err := run.Get(ctx, &out); err != nil {
		return nil, fmt.Errorf("ingest workflow %s: %w", run.GetID(), err)
	}
	return &out, nil
}
