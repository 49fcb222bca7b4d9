package transports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPTransport implements Transport against the node's HTTP API.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport returns a transport rooted at baseURL. A nil client uses
// http.DefaultClient.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("http error: %d %s", e.Status, e.Message)
}

func (t *HTTPTransport) Submit(ctx context.Context, req SubmitRequest) (json.RawMessage, error) {
	return t.doJSON(ctx, http.MethodPost, "/v1/jobs", req)
}

func (t *HTTPTransport) Status(ctx context.Context, req StatusRequest) (json.RawMessage, error) {
	q := url.Values{}
	if req.Events != 0 {
		q.Set("events", strconv.Itoa(req.Events))
	}
	if req.Filter != "" {
		q.Set("filter", req.Filter)
	}
	return t.doJSON(ctx, http.MethodGet, withQuery("/v1/jobs/"+url.PathEscape(req.JobID), q), nil)
}

func (t *HTTPTransport) Artifact(ctx context.Context, jobID, stage string) ([]byte, string, error) {
	resp, err := t.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/artifacts/"+url.PathEscape(stage), nil)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return b, resp.Header.Get("Content-Type"), nil
}

// Enqueue returns the server body for both 201 and 409; on 409 the body still
// carries the msg_id of the message already queued for the job and stage.
func (t *HTTPTransport) Enqueue(ctx context.Context, req EnqueueRequest) (json.RawMessage, error) {
	body, err := t.doJSON(ctx, http.MethodPost, "/v1/queues/"+url.PathEscape(req.Queue)+"/messages", req)
	var he *HTTPError
	if err != nil && (!errors.As(err, &he) || he.Status != http.StatusConflict) {
		return nil, err
	}
	return body, err
}

func (t *HTTPTransport) Trigger(ctx context.Context, pipeline, stage string, async bool) (json.RawMessage, error) {
	q := url.Values{}
	if async {
		q.Set("async", "true")
	}
	p := "/v1/workers/" + url.PathEscape(pipeline) + "/" + url.PathEscape(stage) + "/trigger"
	return t.doJSON(ctx, http.MethodPost, withQuery(p, q), nil)
}

func (t *HTTPTransport) Backlog(ctx context.Context) (json.RawMessage, error) {
	return t.doJSON(ctx, http.MethodGet, "/v1/backlog", nil)
}

func (t *HTTPTransport) DeadLetters(ctx context.Context, dq DeadLetterQuery) (json.RawMessage, error) {
	q := url.Values{}
	if dq.Queue != "" {
		q.Set("queue", dq.Queue)
	}
	if dq.JobID != "" {
		q.Set("job_id", dq.JobID)
	}
	if dq.Limit > 0 {
		q.Set("limit", strconv.Itoa(dq.Limit))
	}
	return t.doJSON(ctx, http.MethodGet, withQuery("/v1/deadletters", q), nil)
}

// doJSON sends body as JSON and returns the response body. On non-2xx the
// body is returned alongside an *HTTPError.
func (t *HTTPTransport) doJSON(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return b, newHTTPError(resp.StatusCode, b)
	}
	return b, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, newHTTPError(resp.StatusCode, b)
	}
	return resp, nil
}

func newHTTPError(status int, body []byte) *HTTPError {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return &HTTPError{Status: status, Message: e.Error}
	}
	return &HTTPError{Status: status, Message: strings.TrimSpace(string(body))}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
