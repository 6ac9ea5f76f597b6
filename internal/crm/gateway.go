// Package crm talks to the Salesforce REST and Bulk APIs.
package crm

import (
	"context"
	"fmt"
)

// Gateway is the set of CRM operations the purge jobs depend on.
type Gateway interface {
	// FetchIDs returns up to limit record ids of objectType.
	FetchIDs(ctx context.Context, objectType string, limit int) ([]string, error)

	// BulkDelete deletes ids as one logical bulk job and returns one result
	// per submitted id. Per-record failures are results, not errors. When
	// the job was committed but not every batch could be collected, the
	// results gathered so far come back alongside the error.
	BulkDelete(ctx context.Context, objectType string, ids []string, opts BulkOptions) ([]BulkResult, error)

	// ExistsAny returns the subset of ids that still exist.
	ExistsAny(ctx context.Context, objectType string, ids []string) ([]string, error)
}

// BulkOptions tunes a bulk delete.
type BulkOptions struct {
	BatchSize int  // ids per batch; <= 0 uses DefaultBatchSize
	Serial    bool // process batches serially on the server
}

// DefaultBatchSize is the Bulk API maximum records per batch.
const DefaultBatchSize = 10000

// BulkResult is the outcome of one record in a bulk operation.
type BulkResult struct {
	Success bool          `json:"success"`
	Created bool          `json:"created"`
	ID      string        `json:"id"`
	Errors  []RecordError `json:"errors"`
}

// RecordError describes why one record failed.
type RecordError struct {
	StatusCode string   `json:"statusCode"`
	Message    string   `json:"message"`
	Fields     []string `json:"fields,omitempty"`
}

// GatewayError wraps any failure of a gateway operation.
type GatewayError struct {
	Op         string // "fetch_ids" | "bulk_delete" | "exists_any" | "login"
	ObjectType string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.ObjectType == "" {
		return fmt.Sprintf("crm %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("crm %s %s: %v", e.Op, e.ObjectType, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// APIError is a non-2xx response from Salesforce.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d) %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}
