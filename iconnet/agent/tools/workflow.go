package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// TriggerETLSchema defines the JSON schema for trigger_spreadsheet_etl.
const TriggerETLSchema = `{
  "type": "object",
  "properties": {
    "idempotency_key": {
      "type": "string",
      "description": "Optional key; repeating a key reuses the run it started instead of starting another"
    }
  },
  "additionalProperties": false
}`

const (
	xcomTaskID = "load"
	xcomKey    = "new_data_count"
)

var (
	idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:+-]{1,200}$`)

	errRunPending = errors.New("pipeline run still in progress")
)

// WorkflowConfig configures the Airflow client.
type WorkflowConfig struct {
	BaseURL      string
	Username     string
	Password     string
	DagID        string
	PollInterval time.Duration
	MaxWait      time.Duration
	TokenTTL     time.Duration
}

// DagRun is the subset of an Airflow DAG run the tool reports.
type DagRun struct {
	DagRunID string `json:"dag_run_id"`
	State    string `json:"state"`
}

// ETLResult is the tool output.
type ETLResult struct {
	DagRunID     string `json:"dag_run_id"`
	State        string `json:"state"`
	NewDataCount *int64 `json:"new_data_count"`
	Duration     string `json:"duration"`
	Reused       bool   `json:"reused,omitempty"`
}

// AirflowClient talks to the Airflow REST API v2 with bearer tokens.
type AirflowClient struct {
	http  *resty.Client
	cfg   WorkflowConfig
	cache ports.Cache
	group singleflight.Group

	// used only when no shared cache is configured
	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now func() time.Time
}

// NewAirflowClient creates a client. cache may be nil.
func NewAirflowClient(cfg WorkflowConfig, cache ports.Cache) *AirflowClient {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 300 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 50 * time.Minute
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &AirflowClient{http: client, cfg: cfg, cache: cache, now: time.Now}
}

func (c *AirflowClient) tokenKey() string { return "airflow:token:" + c.cfg.Username }

func (c *AirflowClient) cachedToken(ctx context.Context) (string, bool) {
	if c.cache != nil {
		raw, ok := c.cache.Get(ctx, c.tokenKey())
		return string(raw), ok && len(raw) > 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, true
	}
	return "", false
}

func (c *AirflowClient) storeToken(ctx context.Context, token string) {
	if c.cache != nil {
		_ = c.cache.Set(ctx, c.tokenKey(), []byte(token), c.cfg.TokenTTL)
		return
	}
	c.mu.Lock()
	c.token, c.expiresAt = token, c.now().Add(c.cfg.TokenTTL)
	c.mu.Unlock()
}

func (c *AirflowClient) invalidateToken(ctx context.Context) {
	if c.cache != nil {
		_ = c.cache.Delete(ctx, c.tokenKey())
		return
	}
	c.mu.Lock()
	c.token, c.expiresAt = "", time.Time{}
	c.mu.Unlock()
}

// Token returns a bearer token, fetching one when none is cached.
// Concurrent callers share a single fetch.
func (c *AirflowClient) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cachedToken(ctx); ok {
		return tok, nil
	}
	v, err, _ := c.group.Do(c.tokenKey(), func() (any, error) {
		var out struct {
			AccessToken string `json:"access_token"`
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password}).
			SetResult(&out).
			Post("/auth/token")
		if err != nil {
			return "", fmt.Errorf("airflow auth: %w", err)
		}
		if resp.IsError() {
			return "", fmt.Errorf("airflow auth failed: status %d", resp.StatusCode())
		}
		if out.AccessToken == "" {
			return "", errors.New("airflow auth: response has no access_token")
		}
		c.storeToken(ctx, out.AccessToken)
		return out.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// do sends an authorized request and retries once with a fresh token on 401.
func (c *AirflowClient) do(ctx context.Context, build func(*resty.Request) *resty.Request, method, path string) (*resty.Response, error) {
	for attempt := 0; ; attempt++ {
		tok, err := c.Token(ctx)
		if err != nil {
			return nil, err
		}
		req := build(c.http.R().SetContext(ctx).SetAuthToken(tok))
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, fmt.Errorf("airflow %s %s: %w", method, path, err)
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.invalidateToken(ctx)
			continue
		}
		return resp, nil
	}
}

// Unpause makes sure the DAG is schedulable.
func (c *AirflowClient) Unpause(ctx context.Context) error {
	resp, err := c.do(ctx, func(r *resty.Request) *resty.Request {
		return r.SetPathParam("dag", c.cfg.DagID).SetBody(map[string]bool{"is_paused": false})
	}, http.MethodPatch, "/api/v2/dags/{dag}")
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("pipeline %s not found", c.cfg.DagID)
	}
	if resp.IsError() {
		return fmt.Errorf("unpause pipeline %s: status %d", c.cfg.DagID, resp.StatusCode())
	}
	return nil
}

// Trigger creates runID. reused is true when the run already existed.
func (c *AirflowClient) Trigger(ctx context.Context, runID string) (run DagRun, reused bool, err error) {
	body := map[string]any{
		"dag_run_id":   runID,
		"logical_date": c.now().UTC().Format(time.RFC3339),
		"conf":         map[string]any{},
	}
	resp, err := c.do(ctx, func(r *resty.Request) *resty.Request {
		return r.SetPathParam("dag", c.cfg.DagID).SetBody(body).SetResult(&run)
	}, http.MethodPost, "/api/v2/dags/{dag}/dagRuns")
	if err != nil {
		return DagRun{}, false, err
	}
	switch {
	case resp.StatusCode() == http.StatusConflict:
		return DagRun{DagRunID: runID}, true, nil
	case resp.IsError():
		return DagRun{}, false, fmt.Errorf("trigger pipeline %s: status %d", c.cfg.DagID, resp.StatusCode())
	}
	if run.DagRunID == "" {
		run.DagRunID = runID
	}
	return run, false, nil
}

// Run fetches the current state of runID.
func (c *AirflowClient) Run(ctx context.Context, runID string) (DagRun, error) {
	var run DagRun
	resp, err := c.do(ctx, func(r *resty.Request) *resty.Request {
		return r.SetPathParams(map[string]string{"dag": c.cfg.DagID, "run": runID}).SetResult(&run)
	}, http.MethodGet, "/api/v2/dags/{dag}/dagRuns/{run}")
	if err != nil {
		return DagRun{}, err
	}
	if resp.IsError() {
		return DagRun{}, fmt.Errorf("get run %s: status %d", runID, resp.StatusCode())
	}
	return run, nil
}

// Wait polls runID until it succeeds, fails or MaxWait passes.
func (c *AirflowClient) Wait(ctx context.Context, runID string) (DagRun, error) {
	var last DagRun
	backoff := retry.WithMaxDuration(c.cfg.MaxWait, retry.NewConstant(c.cfg.PollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		run, err := c.Run(ctx, runID)
		if err != nil {
			return retry.RetryableError(err)
		}
		last = run
		switch run.State {
		case "success", "failed":
			return nil
		default:
			return retry.RetryableError(errRunPending)
		}
	})
	if errors.Is(err, errRunPending) {
		return last, fmt.Errorf("pipeline run %s did not finish within %s (state %s)", runID, c.cfg.MaxWait, last.State)
	}
	if err != nil {
		return last, err
	}
	return last, nil
}

// NewDataCount reads the row count the load task pushed to XCom. A missing
// entry yields nil.
func (c *AirflowClient) NewDataCount(ctx context.Context, runID string) (*int64, error) {
	var entry struct {
		Value json.RawMessage `json:"value"`
	}
	resp, err := c.do(ctx, func(r *resty.Request) *resty.Request {
		return r.SetPathParams(map[string]string{
			"dag": c.cfg.DagID, "run": runID, "task": xcomTaskID, "key": xcomKey,
		}).SetResult(&entry)
	}, http.MethodGet, "/api/v2/dags/{dag}/dagRuns/{run}/taskInstances/{task}/xcomEntries/{key}")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("read xcom %s: status %d", xcomKey, resp.StatusCode())
	}
	return parseCount(entry.Value), nil
}

func parseCount(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return &v
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return &v
		}
	}
	return nil
}

// TriggerETLTool runs the spreadsheet ingestion pipeline and waits for it.
type TriggerETLTool struct {
	client *AirflowClient
}

func NewTriggerETLTool(client *AirflowClient) *TriggerETLTool {
	return &TriggerETLTool{client: client}
}

func (t *TriggerETLTool) Name() ports.ToolName { return ports.ToolTriggerETL }

func (t *TriggerETLTool) Description() string {
	return "Start the spreadsheet ETL pipeline that loads new asset rows into the database and report how many rows were added."
}

func (t *TriggerETLTool) Schema() []byte { return []byte(TriggerETLSchema) }

func (t *TriggerETLTool) Timeout() time.Duration { return t.client.cfg.MaxWait + 30*time.Second }

func (t *TriggerETLTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, &ports.InvalidArgumentsError{Reason: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}
	key := strings.TrimSpace(params.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	if !idempotencyKeyPattern.MatchString(key) {
		return nil, &ports.InvalidArgumentsError{Reason: "idempotency_key may only contain letters, digits and _.:+-"}
	}
	runID := "manual__" + key

	start := t.client.now()
	if err := t.client.Unpause(ctx); err != nil {
		return nil, err
	}
	run, reused, err := t.client.Trigger(ctx, runID)
	if err != nil {
		return nil, err
	}
	run, err = t.client.Wait(ctx, run.DagRunID)
	if err != nil {
		return nil, err
	}
	if run.State != "success" {
		return nil, fmt.Errorf("pipeline run %s finished with state %s", run.DagRunID, run.State)
	}
	count, err := t.client.NewDataCount(ctx, run.DagRunID)
	if err != nil {
		return nil, err
	}
	return ETLResult{
		DagRunID:     run.DagRunID,
		State:        run.State,
		NewDataCount: count,
		Duration:     t.client.now().Sub(start).Round(time.Millisecond).String(),
		Reused:       reused,
	}, nil
}

var _ ports.Tool = (*TriggerETLTool)(nil)
