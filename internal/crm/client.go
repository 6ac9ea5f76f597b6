package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Config holds the connection settings for a Salesforce org.
type Config struct {
	LoginURL       string // e.g. https://login.salesforce.com
	Username       string
	Password       string
	SecurityToken  string // appended to Password when set
	ConsumerKey    string
	ConsumerSecret string
	APIVersion     string // e.g. "59.0"

	Timeout         time.Duration // bound on each HTTP request
	BulkWait        time.Duration // bound on waiting for a closed bulk job
	PollInterval    time.Duration // bulk batch status polling
	MaxAttempts     int           // attempts for transient failures
	ExistsChunkSize int           // ids per existence query
}

func (c *Config) setDefaults() {
	if c.LoginURL == "" {
		c.LoginURL = "https://login.salesforce.com"
	}
	c.LoginURL = strings.TrimRight(c.LoginURL, "/")
	if c.APIVersion == "" {
		c.APIVersion = "59.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.BulkWait <= 0 {
		c.BulkWait = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.ExistsChunkSize <= 0 {
		c.ExistsChunkSize = 200
	}
}

// session is an authenticated Salesforce session.
type session struct {
	accessToken string
	instanceURL string
}

// Client implements Gateway against the Salesforce REST and Bulk 1.0 APIs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	oauth      *oauth2.Config
	log        *slog.Logger

	mu   sync.Mutex
	sess *session
}

// NewClient creates a client. Authentication happens on first use.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	cfg.setDefaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		oauth: &oauth2.Config{
			ClientID:     cfg.ConsumerKey,
			ClientSecret: cfg.ConsumerSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.LoginURL + "/services/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		log: slog.With("component", "crm"),
	}
}

// Login authenticates with the OAuth2 username-password flow and caches
// the session.
func (c *Client) Login(ctx context.Context) error {
	_, err := c.currentSession(ctx)
	return err
}

func (c *Client) currentSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		return c.sess, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.PasswordCredentialsToken(tokenCtx, c.cfg.Username, c.cfg.Password+c.cfg.SecurityToken)
	if err != nil {
		return nil, &GatewayError{Op: "login", Err: err}
	}

	instanceURL, _ := tok.Extra("instance_url").(string)
	if instanceURL == "" {
		return nil, &GatewayError{Op: "login", Err: errors.New("token response has no instance_url")}
	}

	c.sess = &session{
		accessToken: tok.AccessToken,
		instanceURL: strings.TrimRight(instanceURL, "/"),
	}
	c.log.Info("authenticated", "instance_url", c.sess.instanceURL)
	return c.sess, nil
}

// invalidate drops the cached session if it is still the given one.
func (c *Client) invalidate(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == s {
		c.sess = nil
	}
}

// authStyle selects how the session token is presented.
type authStyle int

const (
	authBearer  authStyle = iota // REST API
	authSession                  // Bulk 1.0 (X-SFDC-Session)
)

// doJSON sends a request relative to the instance URL (or an absolute
// instance path) and decodes a JSON response into out. A 401 drops the
// session and retries once with a fresh login.
func (c *Client) doJSON(ctx context.Context, method, path string, style authStyle, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		sess, err := c.currentSession(ctx)
		if err != nil {
			return err
		}

		respBody, err := c.send(ctx, sess, method, path, style, payload)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized && attempt == 0 {
			c.log.Warn("session rejected, logging in again", "path", path)
			c.invalidate(sess)
			continue
		}
		if err != nil {
			return err
		}

		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response from %s: %w", path, err)
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, sess *session, method, path string, style authStyle, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, sess.instanceURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}
	switch style {
	case authSession:
		req.Header.Set("X-SFDC-Session", sess.accessToken)
	default:
		req.Header.Set("Authorization", "Bearer "+sess.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// parseAPIError understands both the REST error array and the Bulk
// exception object.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Message: strings.TrimSpace(string(body))}

	var restErrs []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &restErrs); err == nil && len(restErrs) > 0 {
		apiErr.Code = restErrs[0].ErrorCode
		apiErr.Message = restErrs[0].Message
		return apiErr
	}

	var bulkErr struct {
		ExceptionCode    string `json:"exceptionCode"`
		ExceptionMessage string `json:"exceptionMessage"`
	}
	if err := json.Unmarshal(body, &bulkErr); err == nil && bulkErr.ExceptionCode != "" {
		apiErr.Code = bulkErr.ExceptionCode
		apiErr.Message = bulkErr.ExceptionMessage
		if bulkErr.ExceptionCode == "InvalidSessionId" {
			apiErr.Status = http.StatusUnauthorized
		}
	}
	return apiErr
}

// withRetry runs fn up to MaxAttempts times with exponential backoff while
// the failure looks transient.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	delay := 500 * time.Millisecond

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetriable(err) || attempt == c.cfg.MaxAttempts {
			break
		}

		c.log.Warn("transient failure, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
	return lastErr
}

// isRetriable determines if the error is worth retrying.
func isRetriable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func (c *Client) restPath(suffix string) string {
	return fmt.Sprintf("/services/data/v%s%s", c.cfg.APIVersion, suffix)
}

func (c *Client) bulkPath(suffix string) string {
	return fmt.Sprintf("/services/async/%s%s", c.cfg.APIVersion, suffix)
}

// Verify Client implements Gateway.
var _ Gateway = (*Client)(nil)
