package crm

import (
	"context"
	"errors"
	"net/url"

	"github.com/withObsrvr/crm-purge/internal/metrics"
)

// DefaultFetchLimit caps the ids returned by one extraction query.
const DefaultFetchLimit = 100

type queryResponse struct {
	TotalSize      int    `json:"totalSize"`
	Done           bool   `json:"done"`
	NextRecordsURL string `json:"nextRecordsUrl"`
	Records        []struct {
		ID string `json:"Id"`
	} `json:"records"`
}

func (r *queryResponse) ids() []string {
	out := make([]string, 0, len(r.Records))
	for _, rec := range r.Records {
		out = append(out, rec.ID)
	}
	return out
}

// FetchIDs issues SELECT Id FROM objectType LIMIT limit and returns the
// first page of ids.
func (c *Client) FetchIDs(ctx context.Context, objectType string, limit int) ([]string, error) {
	if err := ValidateObjectType(objectType); err != nil {
		return nil, c.fail("fetch_ids", objectType, err)
	}
	if limit <= 0 {
		limit = DefaultFetchLimit
	}

	var resp queryResponse
	err := c.withRetry(ctx, "fetch_ids", func() error {
		return c.doJSON(ctx, "GET", c.queryPath(fetchQuery(objectType, limit)), authBearer, nil, &resp)
	})
	if err != nil {
		return nil, c.fail("fetch_ids", objectType, err)
	}

	ids := resp.ids()
	c.log.Debug("fetched ids", "object_type", objectType, "count", len(ids), "total_size", resp.TotalSize)
	return ids, nil
}

// ExistsAny queries ids in chunks and returns those still present, in the
// order the backend reports them. An empty id list makes no request.
func (c *Client) ExistsAny(ctx context.Context, objectType string, ids []string) ([]string, error) {
	if err := ValidateObjectType(objectType); err != nil {
		return nil, c.fail("exists_any", objectType, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var present []string
	for _, part := range chunk(ids, c.cfg.ExistsChunkSize) {
		soql, err := inQuery(objectType, part)
		if err != nil {
			return nil, c.fail("exists_any", objectType, err)
		}
		found, err := c.queryAll(ctx, c.queryPath(soql))
		if err != nil {
			return nil, c.fail("exists_any", objectType, err)
		}
		present = append(present, found...)
	}
	return present, nil
}

// queryAll follows nextRecordsUrl until the result set is exhausted.
func (c *Client) queryAll(ctx context.Context, path string) ([]string, error) {
	var ids []string
	for path != "" {
		var resp queryResponse
		err := c.withRetry(ctx, "query", func() error {
			return c.doJSON(ctx, "GET", path, authBearer, nil, &resp)
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, resp.ids()...)
		if resp.Done {
			break
		}
		path = resp.NextRecordsURL
	}
	return ids, nil
}

func (c *Client) queryPath(soql string) string {
	return c.restPath("/query?q=" + url.QueryEscape(soql))
}

func (c *Client) fail(op, objectType string, err error) error {
	if m := metrics.Get(); m != nil {
		m.IncGatewayErrors(op)
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		if ge.ObjectType == "" {
			ge.ObjectType = objectType
		}
		return ge
	}
	return &GatewayError{Op: op, ObjectType: objectType, Err: err}
}
