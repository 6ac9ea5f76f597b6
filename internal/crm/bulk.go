package crm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Bulk 1.0 job and batch states.
const (
	batchQueued       = "Queued"
	batchInProgress   = "InProgress"
	batchCompleted    = "Completed"
	batchFailed       = "Failed"
	batchNotProcessed = "Not Processed"
)

type jobRequest struct {
	Operation       string `json:"operation,omitempty"`
	Object          string `json:"object,omitempty"`
	ContentType     string `json:"contentType,omitempty"`
	ConcurrencyMode string `json:"concurrencyMode,omitempty"`
	State           string `json:"state,omitempty"`
}

type jobInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type batchInfo struct {
	ID           string `json:"id"`
	JobID        string `json:"jobId"`
	State        string `json:"state"`
	StateMessage string `json:"stateMessage"`
}

type deleteRecord struct {
	ID string `json:"Id"`
}

// BulkDelete submits ids as one Bulk API delete job, one batch per
// BatchSize ids, and collects every batch result. No ids means no job.
//
// Once the job is closed its deletes are committed server-side. If waiting
// for the batches then fails or exceeds BulkWait, the results of the
// batches collected so far are returned together with the error.
func (c *Client) BulkDelete(ctx context.Context, objectType string, ids []string, opts BulkOptions) ([]BulkResult, error) {
	if err := ValidateObjectType(objectType); err != nil {
		return nil, c.fail("bulk_delete", objectType, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if opts.BatchSize <= 0 || opts.BatchSize > DefaultBatchSize {
		opts.BatchSize = DefaultBatchSize
	}

	log := c.log.With("object_type", objectType)

	job, err := c.createJob(ctx, objectType, opts.Serial)
	if err != nil {
		return nil, c.fail("bulk_delete", objectType, fmt.Errorf("create job: %w", err))
	}
	log = log.With("job_id", job.ID)

	var batches []batchInfo
	for _, part := range chunk(ids, opts.BatchSize) {
		records := make([]deleteRecord, len(part))
		for i, id := range part {
			records[i] = deleteRecord{ID: id}
		}

		var b batchInfo
		if err := c.doJSON(ctx, "POST", c.bulkPath("/job/"+job.ID+"/batch"), authSession, records, &b); err != nil {
			c.abortJob(job.ID)
			return nil, c.fail("bulk_delete", objectType, fmt.Errorf("add batch: %w", err))
		}
		batches = append(batches, b)
	}

	if err := c.closeJob(ctx, job.ID); err != nil {
		return nil, c.fail("bulk_delete", objectType, fmt.Errorf("close job %s: %w", job.ID, err))
	}
	log.Info("bulk job submitted", "batches", len(batches), "records", len(ids), "serial", opts.Serial)

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.BulkWait)
	defer cancel()

	results := make([]BulkResult, 0, len(ids))
	for i, b := range batches {
		batchResults, err := c.collectBatch(waitCtx, job.ID, b)
		if err != nil {
			pending := make([]string, 0, len(batches)-i)
			for _, p := range batches[i:] {
				pending = append(pending, p.ID)
			}
			log.Error("bulk job closed but results incomplete, fetch pending batches from the job later",
				"pending_batches", pending, "collected", len(results), "error", err)
			return results, c.fail("bulk_delete", objectType, fmt.Errorf("job %s: %w", job.ID, err))
		}
		results = append(results, batchResults...)
	}

	log.Info("bulk job finished", "results", len(results))
	return results, nil
}

// collectBatch waits for one batch to finish and fetches its results.
func (c *Client) collectBatch(ctx context.Context, jobID string, b batchInfo) ([]BulkResult, error) {
	if err := c.waitBatch(ctx, jobID, &b); err != nil {
		return nil, err
	}

	var results []BulkResult
	err := c.withRetry(ctx, "bulk_result", func() error {
		return c.doJSON(ctx, "GET", c.bulkPath("/job/"+jobID+"/batch/"+b.ID+"/result"), authSession, nil, &results)
	})
	if err != nil {
		return nil, fmt.Errorf("batch %s results: %w", b.ID, err)
	}
	return results, nil
}

func (c *Client) createJob(ctx context.Context, objectType string, serial bool) (*jobInfo, error) {
	mode := "Parallel"
	if serial {
		mode = "Serial"
	}
	var job jobInfo
	err := c.doJSON(ctx, "POST", c.bulkPath("/job"), authSession, jobRequest{
		Operation:       "delete",
		Object:          objectType,
		ContentType:     "JSON",
		ConcurrencyMode: mode,
	}, &job)
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, errors.New("job response has no id")
	}
	return &job, nil
}

func (c *Client) closeJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, "POST", c.bulkPath("/job/"+jobID), authSession, jobRequest{State: "Closed"}, nil)
}

// abortJob is best effort; the job is already lost to the caller.
func (c *Client) abortJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.doJSON(ctx, "POST", c.bulkPath("/job/"+jobID), authSession, jobRequest{State: "Aborted"}, nil); err != nil {
		c.log.Warn("failed to abort bulk job", "job_id", jobID, "error", err)
	}
}

// waitBatch polls a batch until it leaves the Queued/InProgress states.
func (c *Client) waitBatch(ctx context.Context, jobID string, b *batchInfo) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		switch b.State {
		case batchCompleted:
			return nil
		case batchFailed, batchNotProcessed:
			return fmt.Errorf("batch %s %s: %s", b.ID, b.State, b.StateMessage)
		case batchQueued, batchInProgress:
		default:
			c.log.Debug("unexpected batch state", "batch_id", b.ID, "state", b.State)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("batch %s still %s: %w", b.ID, b.State, ctx.Err())
		case <-ticker.C:
		}

		err := c.withRetry(ctx, "bulk_status", func() error {
			return c.doJSON(ctx, "GET", c.bulkPath("/job/"+jobID+"/batch/"+b.ID), authSession, nil, b)
		})
		if err != nil {
			return fmt.Errorf("batch %s status: %w", b.ID, err)
		}
	}
}
