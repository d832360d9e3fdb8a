// Package platform implements the External Platform Adapter: a typed
// HTTP+JSON client over the external query platform's REST API, with
// session initialization and retry/backoff layered on top. The client keeps
// no boolean-search cache: CreateCombinedStep looks the boolean search up on
// every call. The request/response/typed-error
// shape follows a provider-client pattern common across HTTP-backed agent
// runtimes; rate limiting uses golang.org/x/time/rate directly rather than
// an adaptive AIMD budget, since simple request-rate limiting (not
// LLM-token-cost-aware throttling) is all this adapter needs.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veupathdb/strategy-orchestration-core/internal/compiler"
	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/platform/retry"
	"github.com/veupathdb/strategy-orchestration-core/internal/telemetry"
	"github.com/veupathdb/strategy-orchestration-core/internal/toolerrors"
)

// InternalNamePrefix tags strategies the core creates purely for internal
// bookkeeping (count evaluation, control tests) rather than for direct user
// consumption.
const InternalNamePrefix = "__internal__:"

// IsInternal reports whether name carries the internal bookkeeping prefix.
func IsInternal(name string) bool {
	return strings.HasPrefix(name, InternalNamePrefix)
}

// TagInternalName prefixes name with InternalNamePrefix, unless already tagged.
func TagInternalName(name string) string {
	if IsInternal(name) {
		return name
	}
	return InternalNamePrefix + name
}

// StripInternalName removes the internal bookkeeping prefix from name, if
// present, returning name unchanged otherwise.
func StripInternalName(name string) string {
	return strings.TrimPrefix(name, InternalNamePrefix)
}

const (
	defaultTimeout      = 90 * time.Second
	getStrategyTimeout  = 180 * time.Second
	defaultRateLimitRPS = 10
)

// Client is a typed HTTP+JSON client for the external query platform. The
// zero value is not usable; construct with New.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer

	mu          sync.Mutex
	resolvedUID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (e.g. for tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithLogger attaches a structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics attaches a metrics recorder; request duration and retry
// attempts are recorded against it.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer attaches a tracer; each request is wrapped in its own span.
func WithTracer(t telemetry.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithRateLimit bounds outstanding request rate (requests per second); used
// to keep the adapter's external concurrency within the fan-in the
// scheduler imposes.
func WithRateLimit(rps float64) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1) }
}

// New constructs a Client targeting baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimitRPS), defaultRateLimitRPS+1),
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		tracer:     telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ensureSession resolves "/users/current" into a concrete user id once and
// caches it, since mutation endpoints are path-scoped to a concrete id even
// when reads accept the "current" placeholder.
func (c *Client) ensureSession(ctx context.Context) (string, *toolerrors.CodedError) {
	c.mu.Lock()
	if c.resolvedUID != "" {
		defer c.mu.Unlock()
		return c.resolvedUID, nil
	}
	c.mu.Unlock()

	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/current", nil, &resp, defaultTimeout); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.resolvedUID = strconv.FormatInt(resp.ID, 10)
	uid := c.resolvedUID
	c.mu.Unlock()
	return uid, nil
}

// do performs one HTTP request against path (relative to baseURL), applying
// the adapter's retry/backoff policy and decoding a JSON response body into
// out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, out any, timeout time.Duration) *toolerrors.CodedError {
	ctx, span := c.tracer.Start(ctx, "platform."+method+" "+path)
	defer span.End()
	start := time.Now()

	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return toolerrors.New(toolerrors.CodeFatal, fmt.Sprintf("failed to encode request body: %v", err))
		}
		bodyBytes = b
	}

	err := retry.Do(ctx, func(attemptCtx context.Context, attempt int) error {
		if attempt > 1 {
			c.metrics.IncCounter("platform_request_retry", 1, "method", method)
		}
		if err := c.limiter.Wait(attemptCtx); err != nil {
			return err
		}

		reqCtx, cancel := context.WithTimeout(attemptCtx, timeout)
		defer cancel()

		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 400 {
			c.logger.Warn(reqCtx, "external platform call failed", "method", method, "path", path,
				"status", resp.StatusCode, "attempt", attempt)
			return &retry.StatusError{StatusCode: resp.StatusCode, Message: string(respBody)}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decoding response from %s %s: %w", method, path, err)
			}
		}
		return nil
	})

	c.metrics.RecordTimer("platform_request_duration", time.Since(start), "method", method)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	return toCodedError(method, path, err)
}

func toCodedError(method, path string, err error) *toolerrors.CodedError {
	var statusErr *retry.StatusError
	if e, ok := asStatusError(err); ok {
		statusErr = e
	}
	if statusErr != nil {
		return (&toolerrors.ExternalError{StatusCode: statusErr.StatusCode, Body: statusErr.Message, Err: err}).AsCoded()
	}
	var exhausted *retry.ExhaustedError
	if e, ok := asExhaustedError(err); ok {
		exhausted = e
		if inner, ok := asStatusError(exhausted.LastError); ok {
			return (&toolerrors.ExternalError{StatusCode: inner.StatusCode, Body: inner.Message, Err: err}).AsCoded()
		}
		return toolerrors.New(toolerrors.CodeExternal, fmt.Sprintf("%s %s: %v", method, path, err))
	}
	if err == context.Canceled {
		return toolerrors.New(toolerrors.CodeCancelled, "request cancelled")
	}
	return toolerrors.New(toolerrors.CodeExternal, fmt.Sprintf("%s %s: %v", method, path, err))
}

func asStatusError(err error) (*retry.StatusError, bool) {
	se, ok := err.(*retry.StatusError)
	return se, ok
}

func asExhaustedError(err error) (*retry.ExhaustedError, bool) {
	ee, ok := err.(*retry.ExhaustedError)
	return ee, ok
}

// RecordType is the shape returned by ListRecordTypes.
type RecordType struct {
	URLSegment  string   `json:"urlSegment"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description"`
	Searches    []string `json:"searches,omitempty"`
}

// ListRecordTypes returns every record type the platform exposes.
func (c *Client) ListRecordTypes(ctx context.Context) ([]RecordType, error) {
	var resp struct {
		RecordTypes []RecordType `json:"recordTypes"`
	}
	if err := c.do(ctx, http.MethodGet, "/record-types?expanded=true", nil, &resp, defaultTimeout); err != nil {
		return nil, err
	}
	return resp.RecordTypes, nil
}

// ListSearches implements compiler.Platform.
func (c *Client) ListSearches(ctx context.Context, recordType string) ([]compiler.SearchSummary, error) {
	var resp struct {
		Searches []compiler.SearchSummary `json:"searches"`
	}
	path := fmt.Sprintf("/record-types/%s/searches", url.PathEscape(recordType))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, defaultTimeout); err != nil {
		return nil, err
	}
	return resp.Searches, nil
}

// GetSearchDetails implements compiler.Platform.
func (c *Client) GetSearchDetails(ctx context.Context, recordType, search string) (compiler.SearchDetails, error) {
	var details compiler.SearchDetails
	path := fmt.Sprintf("/record-types/%s/searches/%s?expanded=true", url.PathEscape(recordType), url.PathEscape(search))
	if err := c.do(ctx, http.MethodGet, path, nil, &details, defaultTimeout); err != nil {
		return compiler.SearchDetails{}, err
	}
	return details, nil
}

type stepResponse struct {
	ID int64 `json:"id"`
}

// CreateStep implements compiler.Platform.
func (c *Client) CreateStep(ctx context.Context, searchName string, parameters map[string]string, customName string) (int64, error) {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return 0, err
	}
	body := map[string]any{
		"searchName": searchName,
		"searchConfig": map[string]any{
			"parameters": parameters,
		},
	}
	if customName != "" {
		body["customName"] = customName
	}
	var resp stepResponse
	if derr := c.do(ctx, http.MethodPost, fmt.Sprintf("/users/%s/steps", uid), body, &resp, defaultTimeout); derr != nil {
		return 0, derr
	}
	return resp.ID, nil
}

// CreateTransformStep implements compiler.Platform. Transform steps name the
// transform in searchName and pass the upstream step's parameters by name;
// the upstream linkage itself is expressed later via the stepTree, not here.
func (c *Client) CreateTransformStep(ctx context.Context, inputExternalID int64, searchName string, parameters map[string]string, customName string) (int64, error) {
	return c.CreateStep(ctx, searchName, parameters, customName)
}

// CreateCombinedStep implements compiler.Platform: names the per-record-type
// boolean meta-search and passes the operator plus empty operands via the
// bq_left_op*/bq_right_op*/bq_operator* parameters; the real primary/
// secondary wiring happens through the stepTree at strategy creation time.
func (c *Client) CreateCombinedStep(ctx context.Context, primaryExternalID, secondaryExternalID int64, operator graph.Operator, recordType string, colocation *graph.ColocationParams, customName string) (int64, error) {
	searches, err := c.ListSearches(ctx, recordType)
	if err != nil {
		return 0, err
	}
	var booleanSearch string
	for _, s := range searches {
		if strings.HasPrefix(s.URLSegment, "boolean_question") {
			booleanSearch = s.URLSegment
			break
		}
	}
	if booleanSearch == "" {
		return 0, toolerrors.New(toolerrors.CodeSearchNotFound,
			fmt.Sprintf("no boolean-combine search for record type %q", recordType))
	}
	details, err := c.GetSearchDetails(ctx, recordType, booleanSearch)
	if err != nil {
		return 0, err
	}
	params := map[string]string{}
	for _, p := range details.ParamNames {
		switch {
		case strings.HasPrefix(p, "bq_left_op"):
			params[p] = ""
		case strings.HasPrefix(p, "bq_right_op"):
			params[p] = ""
		case strings.HasPrefix(p, "bq_operator"):
			params[p] = string(operator)
		}
	}
	if operator == graph.OpColocate && colocation != nil {
		params["upstream"] = strconv.Itoa(colocation.Upstream)
		params["downstream"] = strconv.Itoa(colocation.Downstream)
		params["strand"] = colocation.Strand
	}
	return c.CreateStep(ctx, booleanSearch, params, customName)
}

// SetStepFilter implements compiler.Platform.
func (c *Client) SetStepFilter(ctx context.Context, externalStepID int64, filter graph.Filter) error {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{"value": filter.Value, "disabled": filter.Disabled}
	path := fmt.Sprintf("/users/%s/steps/%d/filters/%s", uid, externalStepID, url.PathEscape(filter.Name))
	if derr := c.do(ctx, http.MethodPut, path, body, nil, defaultTimeout); derr != nil {
		return derr
	}
	return nil
}

// DeleteStepFilter removes a previously-set filter from a step.
func (c *Client) DeleteStepFilter(ctx context.Context, externalStepID int64, filterName string) error {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/users/%s/steps/%d/filters/%s", uid, externalStepID, url.PathEscape(filterName))
	if derr := c.do(ctx, http.MethodDelete, path, nil, nil, defaultTimeout); derr != nil {
		return derr
	}
	return nil
}

// RunStepAnalysis implements compiler.Platform.
func (c *Client) RunStepAnalysis(ctx context.Context, externalStepID int64, analysis graph.Analysis) error {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{"analysisName": analysis.Name, "parameters": analysis.Params}
	path := fmt.Sprintf("/users/%s/steps/%d/analyses", uid, externalStepID)
	if derr := c.do(ctx, http.MethodPost, path, body, nil, defaultTimeout); derr != nil {
		return derr
	}
	return nil
}

// RunStepReport implements compiler.Platform.
func (c *Client) RunStepReport(ctx context.Context, externalStepID int64, report graph.Report) error {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{"reportName": report.Name, "reportConfig": report.Config}
	path := fmt.Sprintf("/users/%s/steps/%d/reports", uid, externalStepID)
	if derr := c.do(ctx, http.MethodPost, path, body, nil, defaultTimeout); derr != nil {
		return derr
	}
	return nil
}

// GetStepCount returns the step's result cardinality.
func (c *Client) GetStepCount(ctx context.Context, externalStepID int64) (int64, error) {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return 0, err
	}
	body := map[string]any{
		"reportConfig": map[string]any{
			"pagination": map[string]any{"offset": 0, "numRecords": 0},
		},
	}
	var resp struct {
		Meta struct {
			TotalCount int64 `json:"totalCount"`
		} `json:"meta"`
	}
	path := fmt.Sprintf("/users/%s/steps/%d/reports/standard", uid, externalStepID)
	if derr := c.do(ctx, http.MethodPost, path, body, &resp, defaultTimeout); derr != nil {
		return 0, derr
	}
	return resp.Meta.TotalCount, nil
}

// GetStepAnswer fetches the step's standard-report answer page.
func (c *Client) GetStepAnswer(ctx context.Context, externalStepID int64, offset, numRecords int) (json.RawMessage, error) {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"reportConfig": map[string]any{
			"pagination": map[string]any{"offset": offset, "numRecords": numRecords},
		},
	}
	var resp json.RawMessage
	path := fmt.Sprintf("/users/%s/steps/%d/reports/standard", uid, externalStepID)
	if derr := c.do(ctx, http.MethodPost, path, body, &resp, defaultTimeout); derr != nil {
		return nil, derr
	}
	return resp, nil
}

// CreateDataset creates an id-list dataset from explicit record ids.
func (c *Client) CreateDataset(ctx context.Context, ids []string) (int64, error) {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return 0, err
	}
	body := map[string]any{
		"sourceType":    "idList",
		"sourceContent": map[string]any{"ids": ids},
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if derr := c.do(ctx, http.MethodPost, fmt.Sprintf("/users/%s/datasets", uid), body, &resp, defaultTimeout); derr != nil {
		return 0, derr
	}
	return resp.ID, nil
}

// CreateStrategy pushes a compiled step tree as a new strategy. Internal
// strategies are named with InternalNamePrefix and isSaved=false so
// cleanup routines can find and discard them without listing them to
// users.
func (c *Client) CreateStrategy(ctx context.Context, name, description string, recordType string, tree compiler.TreeNode, isInternal bool) (int64, error) {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return 0, err
	}
	if isInternal {
		name = TagInternalName(name)
	}
	body := map[string]any{
		"name":        name,
		"description": description,
		"isPublic":    false,
		"isSaved":     !isInternal,
		"stepTree":    tree,
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if derr := c.do(ctx, http.MethodPost, fmt.Sprintf("/users/%s/strategies", uid), body, &resp, defaultTimeout); derr != nil {
		return 0, derr
	}
	return resp.ID, nil
}

// UpdateStrategy replaces the step tree (and optionally the name/
// description) of an existing strategy.
func (c *Client) UpdateStrategy(ctx context.Context, strategyID int64, name, description string, tree *compiler.TreeNode) error {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	if tree != nil {
		path := fmt.Sprintf("/users/%s/strategies/%d/step-tree", uid, strategyID)
		if derr := c.do(ctx, http.MethodPut, path, map[string]any{"stepTree": *tree}, nil, defaultTimeout); derr != nil {
			return derr
		}
	}
	if name != "" || description != "" {
		body := map[string]any{}
		if name != "" {
			body["name"] = name
		}
		if description != "" {
			body["description"] = description
		}
		path := fmt.Sprintf("/users/%s/strategies/%d", uid, strategyID)
		if derr := c.do(ctx, http.MethodPatch, path, body, nil, defaultTimeout); derr != nil {
			return derr
		}
	}
	return nil
}

// DeleteStrategy deletes a strategy from the platform.
func (c *Client) DeleteStrategy(ctx context.Context, strategyID int64) error {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/users/%s/strategies/%d", uid, strategyID)
	if derr := c.do(ctx, http.MethodDelete, path, nil, nil, defaultTimeout); derr != nil {
		return derr
	}
	return nil
}

// Strategy is the detail shape returned by GetStrategy.
type Strategy struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	IsSaved     bool            `json:"isSaved"`
	StepTree    json.RawMessage `json:"stepTree"`
}

// GetStrategy fetches full strategy details, using a longer 180s soft
// timeout for this call since details can be large.
func (c *Client) GetStrategy(ctx context.Context, strategyID int64) (Strategy, error) {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return Strategy{}, err
	}
	var s Strategy
	path := fmt.Sprintf("/users/%s/strategies/%d", uid, strategyID)
	if derr := c.do(ctx, http.MethodGet, path, nil, &s, getStrategyTimeout); derr != nil {
		return Strategy{}, derr
	}
	return s, nil
}

// ListStrategies lists the current user's strategies.
func (c *Client) ListStrategies(ctx context.Context) ([]Strategy, error) {
	uid, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Strategies []Strategy `json:"strategies"`
	}
	if derr := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%s/strategies", uid), nil, &resp, defaultTimeout); derr != nil {
		return nil, derr
	}
	return resp.Strategies, nil
}
