package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

// maxResponseBody caps how much of a platform response is read.
const maxResponseBody = 1 << 20

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) ok() bool {
	return r.status >= 200 && r.status < 300
}

// doJSON sends payload as JSON (nil for no body) and reads the response.
// Transport failures come back as Transient for platform.
func doJSON(ctx context.Context, client *http.Client, platform models.Platform, method, url string, payload any, header http.Header) (apiResponse, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return apiResponse{}, models.NewInternal(fmt.Errorf("marshal payload: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return apiResponse{}, models.NewInternal(fmt.Errorf("create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return send(client, platform, req)
}

func send(client *http.Client, platform models.Platform, req *http.Request) (apiResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return apiResponse{}, models.NewTransient(platform, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return apiResponse{}, models.NewTransient(platform, fmt.Errorf("read response: %w", err))
	}
	return apiResponse{status: resp.StatusCode, body: data}, nil
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
