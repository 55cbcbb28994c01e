// Package authz wraps a relationship-graph (ReBAC) authorization backend
// speaking the OpenFGA-style HTTP API. Every call runs through a circuit
// breaker; permission checks carry a criticality flag that decides whether a
// tripped breaker fails open or closed.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/agentgrid/authcore/breaker"
)

// BreakerName identifies this dependency in the breaker registry.
const BreakerName = "openfga"

// ErrRetriesExhausted is surfaced after the retry budget is spent on a call
// that never got a definitive backend answer. Callers are responsible for
// converting it into a fail-closed authorization outcome.
var ErrRetriesExhausted = errors.New("authz: retries exhausted")

// Config for the authorization backend client.
type Config struct {
	// APIURL is the backend base URL. ENV: FGA_API_URL
	APIURL string `env:"FGA_API_URL,default=http://localhost:8080"`
	// StoreID selects the authorization store. ENV: FGA_STORE_ID
	StoreID string `env:"FGA_STORE_ID"`
	// AuthorizationModelID optionally pins a model version. ENV: FGA_MODEL_ID
	AuthorizationModelID string `env:"FGA_MODEL_ID"`
	// Timeout bounds every backend round-trip. ENV: FGA_TIMEOUT
	Timeout time.Duration `env:"FGA_TIMEOUT,default=5s"`
	// MaxRetries is the per-call retry budget after the initial attempt.
	// ENV: FGA_MAX_RETRIES
	MaxRetries int `env:"FGA_MAX_RETRIES,default=3"`
}

// Client calls the relationship-graph backend. Safe for concurrent use; the
// breaker it consults is shared across all callers of this dependency.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *breaker.Breaker
	log     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Intended for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the decision/error logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New constructs a Client whose calls run through the registry's breaker for
// this dependency.
func New(cfg Config, reg *breaker.Registry, opts ...Option) (*Client, error) {
	if cfg.StoreID == "" {
		return nil, errors.New("authz: store id is required")
	}
	if reg == nil {
		return nil, errors.New("authz: breaker registry is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: reg.Get(BreakerName),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromEnv builds a Client using envdecode to populate Config.
func NewFromEnv(reg *breaker.Registry, opts ...Option) (*Client, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("authz: decode env: %w", err)
	}
	return New(cfg, reg, opts...)
}

// CheckOptions carries per-check behavior.
type CheckOptions struct {
	// Critical selects fail-closed (true) or fail-open (false) behavior when
	// the breaker is open. Defaults to true: deny when we cannot verify.
	Critical bool
	// Context is forwarded to the backend for contextual evaluation.
	Context map[string]any
}

// CheckOption configures a single Check call.
type CheckOption func(*CheckOptions)

// NonCritical marks the resource low-value: a tripped breaker grants access
// to preserve availability over strict enforcement.
func NonCritical() CheckOption {
	return func(o *CheckOptions) { o.Critical = false }
}

// WithContext forwards contextual data to the backend evaluation.
func WithContext(c map[string]any) CheckOption {
	return func(o *CheckOptions) { o.Context = c }
}

// Check asks the backend whether user has relation on object. When the
// breaker is open the criticality flag decides the answer; when the backend
// answers, its answer is used verbatim regardless of criticality.
func (c *Client) Check(ctx context.Context, user, relation, object string, opts ...CheckOption) (bool, error) {
	co := CheckOptions{Critical: true}
	for _, opt := range opts {
		opt(&co)
	}

	body := map[string]any{
		"tuple_key": Tuple{User: user, Relation: relation, Object: object},
	}
	if c.cfg.AuthorizationModelID != "" {
		body["authorization_model_id"] = c.cfg.AuthorizationModelID
	}
	if co.Context != nil {
		body["context"] = co.Context
	}

	var resp struct {
		Allowed bool `json:"allowed"`
	}
	err := c.call(ctx, "check", body, &resp)
	if errors.Is(err, breaker.ErrOpen) {
		if co.Critical {
			c.log.Warn("authorization backend circuit open; denying critical check",
				slog.String("user", user), slog.String("relation", relation), slog.String("object", object))
			return false, nil
		}
		c.log.Warn("authorization backend circuit open; allowing non-critical check",
			slog.String("user", user), slog.String("relation", relation), slog.String("object", object))
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Allowed, nil
}

// WriteTuples adds relationship tuples. Writes are idempotent at the
// semantic level; there is no update, replace means delete + write.
func (c *Client) WriteTuples(ctx context.Context, tuples []Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	body := map[string]any{
		"writes": map[string]any{"tuple_keys": tuples},
	}
	if c.cfg.AuthorizationModelID != "" {
		body["authorization_model_id"] = c.cfg.AuthorizationModelID
	}
	return c.call(ctx, "write", body, nil)
}

// DeleteTuples removes relationship tuples.
func (c *Client) DeleteTuples(ctx context.Context, tuples []Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	body := map[string]any{
		"deletes": map[string]any{"tuple_keys": tuples},
	}
	if c.cfg.AuthorizationModelID != "" {
		body["authorization_model_id"] = c.cfg.AuthorizationModelID
	}
	return c.call(ctx, "write", body, nil)
}

// ListObjects returns the ids of objects of objType on which user holds
// relation.
func (c *Client) ListObjects(ctx context.Context, user, relation, objType string) ([]string, error) {
	body := map[string]any{
		"user":     user,
		"relation": relation,
		"type":     objType,
	}
	if c.cfg.AuthorizationModelID != "" {
		body["authorization_model_id"] = c.cfg.AuthorizationModelID
	}
	var resp struct {
		Objects []string `json:"objects"`
	}
	if err := c.call(ctx, "list-objects", body, &resp); err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// Expand resolves relation on object into a user-set tree. Flattening the
// returned node yields every user holding the relation, including through
// nested unions.
func (c *Client) Expand(ctx context.Context, relation, object string) (*Node, error) {
	body := map[string]any{
		"tuple_key": map[string]string{"relation": relation, "object": object},
	}
	if c.cfg.AuthorizationModelID != "" {
		body["authorization_model_id"] = c.cfg.AuthorizationModelID
	}
	var resp struct {
		Tree struct {
			Root wireNode `json:"root"`
		} `json:"tree"`
	}
	if err := c.call(ctx, "expand", body, &resp); err != nil {
		return nil, err
	}
	return resp.Tree.Root.toNode(), nil
}

// wireNode mirrors the backend's userset-tree shape. It is converted to the
// package's Node variant at the boundary.
type wireNode struct {
	Leaf *struct {
		Users struct {
			Users []string `json:"users"`
		} `json:"users"`
	} `json:"leaf,omitempty"`
	Union *struct {
		Nodes []wireNode `json:"nodes"`
	} `json:"union,omitempty"`
}

func (w *wireNode) toNode() *Node {
	if w == nil {
		return nil
	}
	if w.Leaf != nil {
		return Leaf(w.Leaf.Users.Users...)
	}
	if w.Union != nil {
		children := make([]*Node, 0, len(w.Union.Nodes))
		for i := range w.Union.Nodes {
			children = append(children, w.Union.Nodes[i].toNode())
		}
		return Union(children...)
	}
	return Leaf()
}

// call posts body to the named endpoint with retries. Every attempt runs
// through the breaker so timeouts and transport failures count toward its
// threshold; an open breaker aborts the retry loop immediately.
func (c *Client) call(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("authz: encode request: %w", err)
	}
	url := fmt.Sprintf("%s/stores/%s/%s", c.cfg.APIURL, c.cfg.StoreID, endpoint)

	operation := func() ([]byte, error) {
		var raw []byte
		err := c.breaker.Do(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Request-Id", uuid.NewString())
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("authz: backend %s returned %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(b))
			}
			raw = b
			return nil
		})
		if errors.Is(err, breaker.ErrOpen) {
			// No point retrying while the circuit is open.
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		return raw, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Debug("authorization backend call retrying",
				slog.String("endpoint", endpoint),
				slog.Duration("after", d),
				slog.String("err", err.Error()))
		}),
	)
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, endpoint, err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("authz: decode %s response: %w", endpoint, err)
		}
	}
	return nil
}
