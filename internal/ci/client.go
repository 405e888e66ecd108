package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Build results as reported by the CI server. An empty result means the build
// has not finished.
const (
	ResultSuccess  = "SUCCESS"
	ResultFailure  = "FAILURE"
	ResultAborted  = "ABORTED"
	ResultUnstable = "UNSTABLE"
)

// BuildStatus is the ephemeral state of one CI build.
type BuildStatus struct {
	BuildNumber int
	Building    bool
	Result      string
	Timestamp   time.Time
	URL         string
}

// QueryError wraps transient failures reaching the CI server. Callers treat
// these as retryable on the next sync cycle.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("ci: %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Client queries a Jenkins-compatible CI server read-only.
type Client struct {
	baseURL string
	user    string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New constructs a CI client with a bounded request timeout.
func New(baseURL, user, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type buildPayload struct {
	Number    int    `json:"number"`
	Building  bool   `json:"building"`
	Result    string `json:"result"`
	Timestamp int64  `json:"timestamp"`
	URL       string `json:"url"`
}

type buildListPayload struct {
	Builds []buildPayload `json:"builds"`
}

// GetBuildStatus returns the status of the job's most recent build.
func (c *Client) GetBuildStatus(ctx context.Context, job string) (*BuildStatus, error) {
	endpoint := fmt.Sprintf("%s/job/%s/lastBuild/api/json", c.baseURL, url.PathEscape(job))
	var payload buildPayload
	if err := c.getJSON(ctx, "last build", endpoint, &payload); err != nil {
		return nil, err
	}
	status := toBuildStatus(payload)
	return &status, nil
}

// GetBuild returns the status of a specific build number.
func (c *Client) GetBuild(ctx context.Context, job string, number int) (*BuildStatus, error) {
	endpoint := fmt.Sprintf("%s/job/%s/%d/api/json", c.baseURL, url.PathEscape(job), number)
	var payload buildPayload
	if err := c.getJSON(ctx, fmt.Sprintf("build %d", number), endpoint, &payload); err != nil {
		return nil, err
	}
	status := toBuildStatus(payload)
	return &status, nil
}

// GetRecentBuilds returns up to count recent builds for a job, newest first.
func (c *Client) GetRecentBuilds(ctx context.Context, job string, count int) ([]BuildStatus, error) {
	if count <= 0 {
		count = 10
	}
	endpoint := fmt.Sprintf("%s/job/%s/api/json?tree=builds[number,building,result,timestamp,url]{0,%d}",
		c.baseURL, url.PathEscape(job), count)
	var payload buildListPayload
	if err := c.getJSON(ctx, "recent builds", endpoint, &payload); err != nil {
		return nil, err
	}
	statuses := make([]BuildStatus, 0, len(payload.Builds))
	for _, b := range payload.Builds {
		statuses = append(statuses, toBuildStatus(b))
	}
	return statuses, nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &QueryError{Op: op, Err: err}
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &QueryError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &QueryError{Op: op, Err: fmt.Errorf("build not found: %s", resp.Status)}
	}
	if resp.StatusCode >= 400 {
		return &QueryError{Op: op, Err: fmt.Errorf("unexpected status: %s", resp.Status)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &QueryError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func toBuildStatus(payload buildPayload) BuildStatus {
	status := BuildStatus{
		BuildNumber: payload.Number,
		Building:    payload.Building,
		Result:      payload.Result,
		URL:         payload.URL,
	}
	if payload.Timestamp > 0 {
		status.Timestamp = time.UnixMilli(payload.Timestamp).UTC()
	}
	return status
}
