package graph

import (
	"encoding/json"

	"github.com/project-kessel/dirfed/internal/directory"
)

type batchRequest struct {
	Requests []batchRequestItem `json:"requests"`
}

type batchRequestItem struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type batchResponse struct {
	Responses []batchResponseItem `json:"responses"`
}

type batchResponseItem struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type page struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"@odata.nextLink,omitempty"`
}

func newBatchRequest(queries []directory.Query) (*batchRequest, error) {
	batch := &batchRequest{Requests: make([]batchRequestItem, 0, len(queries))}
	for _, q := range queries {
		u, err := queryURL(q)
		if err != nil {
			return nil, err
		}
		batch.Requests = append(batch.Requests, batchRequestItem{
			ID:      collections[q.Kind],
			Method:  "GET",
			URL:     u,
			Headers: map[string]string{consistencyHeader: consistencyValue},
		})
	}
	return batch, nil
}

func decodePage(id string, body []byte) (*page, error) {
	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &RemoteError{Request: id, StatusCode: 200, Code: "InvalidResponse", Message: err.Error()}
	}
	return &p, nil
}
