package client

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ZYQFXY/xiapi/internal/task"
)

// CallbackClient delivers enriched results to the consumer system.
type CallbackClient struct {
	httpClient
}

// NewCallbackClient builds a client for the consumer collaborator.
func NewCallbackClient(opts Options) *CallbackClient {
	return &CallbackClient{newHTTPClient(opts)}
}

type callbackRequest struct {
	ShopKey string          `json:"shop_key"`
	ItemKey string          `json:"item_key"`
	Locale  string          `json:"locale"`
	TraceID string          `json:"trace_id"`
	Result  json.RawMessage `json:"result"`
}

// Deliver submits one enriched result. Any non-2xx acknowledgement or
// transport failure is an error; the caller routes it to the retry governor.
func (c *CallbackClient) Deliver(ctx context.Context, t task.Task, payload []byte) error {
	status, _, err := c.do(ctx, http.MethodPost, "/api/task/submit/v2", callbackRequest{
		ShopKey: t.ShopKey,
		ItemKey: t.ItemKey,
		Locale:  t.Locale,
		TraceID: t.TraceID,
		Result:  json.RawMessage(payload),
	})
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &StatusError{Status: status}
	}
	return nil
}
