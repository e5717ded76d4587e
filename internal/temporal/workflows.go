package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// IngestInput holds the workflow parameters.
type IngestInput struct {
	Dir string
}

// IngestOutput holds the workflow result.
type IngestOutput struct {
	Dir       string
	Total     int
	Stored    int
	NotStored []string
}

// IngestDatasetWorkflow lists the images in a dataset directory and stores
// them one at a time. Images the store rejects are collected in NotStored;
// a read or model failure fails the workflow.
func IngestDatasetWorkflow(ctx workflow.Context, input IngestInput) (*IngestOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		// A failed caption is not retried, same as the synchronous path.
		RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	var paths []string
	if err := workflow.ExecuteActivity(ctx, ListImagesActivity, input.Dir).Get(ctx, &paths); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	output := &IngestOutput{
		Dir:       input.Dir,
		Total:     len(paths),
		NotStored: []string{},
	}

	for _, p := range paths {
		var res StoreResult
		if err := workflow.ExecuteActivity(ctx, StoreImageActivity, p).Get(ctx, &res); err != nil {
			return output, fmt.Errorf("store %s: %w", p, err)
		}
		if !res.Stored {
			logger.Warn("image not stored", "path", p, "kind", res.ErrorKind)
			output.NotStored = append(output.NotStored, p)
			continue
		}
		output.Stored++
	}

	return output, nil
}
