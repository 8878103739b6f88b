package client

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ZYQFXY/xiapi/internal/task"
)

// PullClient fetches candidate task descriptors from the source system.
type PullClient struct {
	httpClient
}

// NewPullClient builds a client for the source collaborator.
func NewPullClient(opts Options) *PullClient {
	return &PullClient{newHTTPClient(opts)}
}

type pullResponse struct {
	Success bool `json:"success"`
	Task    *struct {
		Type string `json:"type"`
		Data struct {
			ShopKey   string `json:"shop_key"`
			ItemKey   string `json:"item_key"`
			Locale    string `json:"locale"`
			TraceID   string `json:"trace_id"`
			CreatedAt string `json:"created_at"`
		} `json:"data"`
	} `json:"task"`
}

// PullOne fetches at most one task descriptor. Absence of work is a normal
// outcome and returns (nil, nil).
func (c *PullClient) PullOne(ctx context.Context) (*task.Task, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/get/newtask", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Status: status}
	}
	var resp pullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Task == nil {
		return nil, nil
	}
	d := resp.Task.Data
	t := &task.Task{
		ShopKey: d.ShopKey,
		ItemKey: d.ItemKey,
		Locale:  d.Locale,
		TraceID: d.TraceID,
	}
	if t.TraceID == "" {
		// Sources that predate trace propagation send no trace id.
		t.TraceID = uuid.NewString()
	}
	if d.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
			t.CreatedAt = ts
		}
	}
	return t, nil
}

// StatusError reports a non-2xx collaborator response with no usable body
// contract.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return http.StatusText(e.Status)
}
