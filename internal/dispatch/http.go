package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// TriggerPath is the worker route that runs one batch of a stage.
func TriggerPath(pipeline, stage string) string {
	return "/v1/workers/" + url.PathEscape(pipeline) + "/" + url.PathEscape(stage) + "/trigger"
}

func (d *Dispatcher) sendHTTP(ctx context.Context, r Route) error {
	target := strings.TrimRight(r.Endpoint, "/") + TriggerPath(r.Pipeline, r.Stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", target, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trigger %s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
