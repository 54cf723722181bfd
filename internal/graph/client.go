// Package graph queries Microsoft Graph style directories over the JSON batch protocol.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/project-kessel/dirfed/internal/directory"
)

const (
	// DefaultEndpoint is the public Microsoft Graph v1.0 endpoint
	DefaultEndpoint = "https://graph.microsoft.com/v1.0"

	consistencyHeader = "ConsistencyLevel"
	consistencyValue  = "eventual"
)

// collections maps entity kinds to their collection path and batch request id.
var collections = map[directory.EntityKind]string{
	directory.EntityKindUser:  "users",
	directory.EntityKindGroup: "groups",
}

// Client implements directory.Client against one tenant's directory endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	maxPages   int
}

// ClientConfig configures a Client
type ClientConfig struct {
	// Endpoint is the versioned API root. Defaults to DefaultEndpoint.
	Endpoint string

	// HTTPClient sends the requests. It is expected to add authentication.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// MaxPages optionally bounds the pages read per query, the batch page
	// included. Zero or less follows continuation links until exhausted.
	MaxPages int
}

// NewClient creates a directory client for one tenant
func NewClient(cfg ClientConfig) *Client {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		maxPages:   max(cfg.MaxPages, 0),
	}
}

// Endpoint returns the API root this client talks to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Search sends all queries in one batch round trip, then follows continuation
// links for each query concurrently. Failures of individual queries are joined.
func (c *Client) Search(ctx context.Context, queries []directory.Query) ([]directory.Entity, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	batch, err := newBatchRequest(queries)
	if err != nil {
		return nil, err
	}

	responses, err := c.sendBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	acc := &accumulator{}
	var wg sync.WaitGroup

	for _, q := range queries {
		id := collections[q.Kind]
		resp, ok := responses[id]
		if !ok {
			acc.fail(&RemoteError{Request: id, Code: "MissingResponse", Message: "batch reply has no response for request"})
			continue
		}
		if resp.Status < 200 || resp.Status > 299 {
			acc.fail(newRemoteError(id, resp.Status, resp.Body))
			continue
		}

		first, err := decodePage(id, resp.Body)
		if err != nil {
			acc.fail(err)
			continue
		}
		acc.add(q.Kind, first.Value)

		if first.NextLink != "" {
			wg.Go(func() {
				c.paginate(ctx, q.Kind, id, first.NextLink, acc)
			})
		}
	}
	wg.Wait()

	return acc.result()
}

// paginate follows continuation links for one query until exhausted or, when
// a page limit is set, until the limit is reached. Hitting the limit keeps the
// entities read so far and is reported through the context.
func (c *Client) paginate(ctx context.Context, kind directory.EntityKind, id, next string, acc *accumulator) {
	for pages := 1; next != ""; pages++ {
		if c.maxPages > 0 && pages >= c.maxPages {
			directory.ReportTruncation(ctx, kind, pages)
			return
		}

		p, err := c.fetchPage(ctx, id, next)
		if err != nil {
			acc.fail(err)
			return
		}
		acc.add(kind, p.Value)
		next = p.NextLink
	}
}

func (c *Client) sendBatch(ctx context.Context, batch *batchRequest) (map[string]batchResponseItem, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/$batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	raw, err := c.do(req, "batch")
	if err != nil {
		return nil, err
	}

	var reply batchResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, &RemoteError{Request: "batch", StatusCode: http.StatusOK, Code: "InvalidResponse", Message: err.Error()}
	}

	byID := make(map[string]batchResponseItem, len(reply.Responses))
	for _, item := range reply.Responses {
		byID[item.ID] = item
	}
	return byID, nil
}

func (c *Client) fetchPage(ctx context.Context, id, link string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("create page request: %w", err)
	}
	req.Header.Set(consistencyHeader, consistencyValue)
	req.Header.Set("Accept", "application/json")

	raw, err := c.do(req, id)
	if err != nil {
		return nil, err
	}
	return decodePage(id, raw)
}

// do sends the request and returns the body of a 2xx response.
func (c *Client) do(req *http.Request, id string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(id, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newRemoteError(id, resp.StatusCode, body)
	}
	return body, nil
}

// accumulator collects entities and errors from concurrent page fetches.
type accumulator struct {
	mu       sync.Mutex
	entities []directory.Entity
	errs     []error
}

func (a *accumulator) add(kind directory.EntityKind, items []map[string]any) {
	converted := make([]directory.Entity, 0, len(items))
	for _, item := range items {
		converted = append(converted, toEntity(kind, item))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entities = append(a.entities, converted...)
}

func (a *accumulator) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, err)
}

func (a *accumulator) result() ([]directory.Entity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch len(a.errs) {
	case 0:
		return a.entities, nil
	case 1:
		return nil, a.errs[0]
	default:
		return nil, errors.Join(a.errs...)
	}
}

// toEntity converts a directory object to an Entity. OData annotations are dropped.
func toEntity(kind directory.EntityKind, item map[string]any) directory.Entity {
	props := make(map[string]any, len(item))
	for k, v := range item {
		if strings.HasPrefix(k, "@odata.") {
			continue
		}
		props[k] = v
	}
	id, _ := item[directory.PropertyID].(string)
	return directory.Entity{
		Kind:       kind,
		ID:         id,
		Properties: props,
	}
}

// queryURL renders the relative collection URL for a query.
func queryURL(q directory.Query) (string, error) {
	collection, ok := collections[q.Kind]
	if !ok {
		return "", fmt.Errorf("unsupported entity kind %q", q.Kind)
	}

	params := url.Values{}
	params.Set("$filter", q.Filter)
	if len(q.Select) > 0 {
		params.Set("$select", strings.Join(q.Select, ","))
	}
	params.Set("$count", "true")

	return "/" + collection + "?" + params.Encode(), nil
}
