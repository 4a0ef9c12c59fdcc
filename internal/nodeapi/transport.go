package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/teranos/syncd/errors"
)

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("X-Emby-Token", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Keep the caller's cancellation in the chain so it is not
			// mistaken for a node-side transient failure.
			return errors.Wrap(err, "request canceled")
		}
		return errors.WithMessage(errors.ErrTransientNode, err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(err, "unmarshal response body")
	}
	return nil
}

// classifyStatus maps an HTTP status to the §4.2 failure taxonomy. A nil
// return means success (2xx).
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return errors.WithDetail(errors.ErrItemAbsent, string(body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.WithDetail(errors.ErrUnauthorized, string(body))
	case status >= 500:
		return errors.WithDetailf(errors.ErrTransientNode, "status %d: %s", status, string(body))
	default:
		return errors.WithDetailf(errors.ErrPermanentNode, "status %d: %s", status, string(body))
	}
}
