package client

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ZYQFXY/xiapi/internal/task"
)

// EnrichClient calls the enrichment service and classifies its responses.
type EnrichClient struct {
	httpClient
	quotaCode int
}

// NewEnrichClient builds a client for the enrichment collaborator.
func NewEnrichClient(opts Options) *EnrichClient {
	quotaCode := opts.QuotaCode
	if quotaCode == 0 {
		quotaCode = CodeQuotaExhausted
	}
	return &EnrichClient{httpClient: newHTTPClient(opts), quotaCode: quotaCode}
}

type enrichRequest struct {
	ShopKey string `json:"shop_key"`
	ItemKey string `json:"item_key"`
	Locale  string `json:"locale"`
}

type enrichEnvelope struct {
	Success *bool `json:"_success"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Enrich issues one lookup. The returned outcome is always meaningful; the
// error inside it is informational for logging, never a control signal.
func (c *EnrichClient) Enrich(ctx context.Context, t task.Task) task.Outcome {
	status, body, err := c.do(ctx, http.MethodPost, "/request/enrich", enrichRequest{
		ShopKey: t.ShopKey,
		ItemKey: t.ItemKey,
		Locale:  t.Locale,
	})
	if err != nil {
		// Network failure or timeout: transient by definition.
		return task.Outcome{Class: task.OutcomeRetry, Err: err}
	}

	var env enrichEnvelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
		if status >= 200 && status < 300 {
			// 2xx with an unparseable body is unusable: retry.
			return task.Outcome{Class: task.OutcomeRetry, Err: jsonErr}
		}
		return task.Outcome{Class: task.OutcomeRetry, Err: &StatusError{Status: status}}
	}

	if env.Error != nil {
		switch env.Error.Code {
		case CodeUnknownError:
			return task.Outcome{Class: task.OutcomeRetry, Code: env.Error.Code}
		case c.quotaCode:
			return task.Outcome{Class: task.OutcomeQuota, Code: env.Error.Code}
		default:
			// Any other coded error is a terminal business result; the body
			// is delivered downstream as-is.
			return task.Outcome{Class: task.OutcomeResolved, Payload: body, Code: env.Error.Code}
		}
	}

	if status < 200 || status >= 300 {
		return task.Outcome{Class: task.OutcomeRetry, Err: &StatusError{Status: status}}
	}
	if env.Success != nil && !*env.Success {
		// HTTP 200 with _success=false carries a definite answer.
		return task.Outcome{Class: task.OutcomeResolved, Payload: body}
	}
	return task.Outcome{Class: task.OutcomeSuccess, Payload: body}
}
