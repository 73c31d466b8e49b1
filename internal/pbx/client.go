// Package pbx implements the PBX vendor's recording-download protocol: a
// single HTTP endpoint speaking a JSON action envelope with challenge-response
// authentication and an opaque in-body session token.
package pbx

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sentinel errors surfaced to the pipeline.
var (
	// ErrRecordingNotFound means the vendor reports the file as gone.
	// Terminal for the vendor path; the caller falls back to the cache.
	ErrRecordingNotFound = errors.New("pbx: recording not found")

	// ErrVendorUnavailable covers transient vendor failures, including a
	// session rejection that persisted through one re-authentication.
	ErrVendorUnavailable = errors.New("pbx: vendor unavailable")

	// ErrMissingCredentials means the tenant has no vendor credentials
	// configured. A configuration error, never retried.
	ErrMissingCredentials = errors.New("pbx: tenant vendor credentials not configured")

	// errSessionRejected is internal: the fetch step reported an
	// invalid/expired session token.
	errSessionRejected = errors.New("pbx: session rejected")
)

// Vendor protocol status codes.
const (
	statusOK             = 0
	statusSessionInvalid = -6
	statusFileNotFound   = -761
)

// Credentials identify one tenant against its PBX vendor endpoint.
type Credentials struct {
	Host     string // vendor endpoint URL
	Identity string // API identity
	Secret   string // shared secret, only ever sent hashed
}

func (c Credentials) complete() bool {
	return c.Host != "" && c.Identity != "" && c.Secret != ""
}

// Client downloads call recordings from PBX vendor endpoints. Safe for
// concurrent use; per-tenant sessions are cached and establishment is
// single-flighted so parallel workers on one tenant share a login.
type Client struct {
	httpClient *http.Client
	sessions   *sessionCache
}

// NewClient creates a Client. requestTimeout bounds each vendor round-trip;
// sessionTTL bounds how long a cached session token is trusted without the
// vendor having rejected it.
func NewClient(requestTimeout, sessionTTL time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		sessions:   newSessionCache(sessionTTL),
	}
}

// LoginHash computes the challenge-response credential proof:
// lowercase hex sha256 of the challenge concatenated with the secret.
func LoginHash(challenge, secret string) string {
	sum := sha256.Sum256([]byte(challenge + secret))
	return hex.EncodeToString(sum[:])
}

// FetchRecording obtains raw recording bytes for recordingRef from the
// tenant's vendor endpoint. On a session rejection the cached token is purged
// and the full challenge→login→fetch sequence is retried exactly once.
func (c *Client) FetchRecording(ctx context.Context, tenantID string, creds Credentials, recordingRef string) ([]byte, error) {
	if !creds.complete() {
		return nil, fmt.Errorf("%w (tenant %s)", ErrMissingCredentials, tenantID)
	}

	token, err := c.sessions.get(ctx, tenantID, func(ctx context.Context) (string, error) {
		return c.login(ctx, creds)
	})
	if err != nil {
		return nil, err
	}

	audio, err := c.fetch(ctx, creds, token, recordingRef)
	if errors.Is(err, errSessionRejected) {
		c.sessions.purge(tenantID)
		token, err = c.sessions.get(ctx, tenantID, func(ctx context.Context) (string, error) {
			return c.login(ctx, creds)
		})
		if err != nil {
			return nil, err
		}
		audio, err = c.fetch(ctx, creds, token, recordingRef)
		if errors.Is(err, errSessionRejected) {
			return nil, fmt.Errorf("%w: session rejected twice", ErrVendorUnavailable)
		}
	}
	if err != nil {
		return nil, err
	}
	return audio, nil
}

// login performs the challenge→login sequence and returns a session token.
func (c *Client) login(ctx context.Context, creds Credentials) (string, error) {
	env, _, err := c.post(ctx, creds.Host, map[string]any{
		"action":   "challenge",
		"identity": creds.Identity,
	})
	if err != nil {
		return "", err
	}
	if env.Status != statusOK {
		return "", vendorStatusError("challenge", env)
	}
	if env.Response.Challenge == "" {
		return "", fmt.Errorf("%w: challenge response missing token", ErrVendorUnavailable)
	}

	env, _, err = c.post(ctx, creds.Host, map[string]any{
		"action":   "login",
		"identity": creds.Identity,
		"hash":     LoginHash(env.Response.Challenge, creds.Secret),
	})
	if err != nil {
		return "", err
	}
	if env.Status != statusOK {
		return "", vendorStatusError("login", env)
	}
	if env.Response.Session == "" {
		return "", fmt.Errorf("%w: login response missing session token", ErrVendorUnavailable)
	}
	return env.Response.Session, nil
}

// fetch requests one recording. The vendor answers with raw audio bytes on
// success and a JSON envelope on failure.
func (c *Client) fetch(ctx context.Context, creds Credentials, session, recordingRef string) ([]byte, error) {
	env, raw, err := c.post(ctx, creds.Host, map[string]any{
		"action":  "fetch",
		"session": session,
		"file":    recordingRef,
	})
	if err != nil {
		return nil, err
	}
	if env == nil {
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: fetch returned empty body", ErrVendorUnavailable)
		}
		// Non-JSON body: the recording itself.
		return raw, nil
	}
	if env.Status == statusOK {
		// A well-formed fetch success is raw audio bytes; a status-ok JSON
		// envelope carries no recording and is a vendor malfunction.
		return nil, fmt.Errorf("%w: fetch answered with an envelope instead of audio", ErrVendorUnavailable)
	}
	return nil, vendorStatusError("fetch", env)
}

// envelope is the vendor's uniform response shape.
type envelope struct {
	Response struct {
		Challenge string `json:"challenge"`
		Session   string `json:"session"`
		Message   string `json:"message"`
	} `json:"response"`
	Status int `json:"status"`
}

// post sends one envelope request. It returns (env, nil, nil) for JSON
// responses and (nil, body, nil) for binary ones. Transport errors and 5xx
// responses are retried briefly with exponential backoff before being
// surfaced as transient.
func (c *Client) post(ctx context.Context, host string, fields map[string]any) (*envelope, []byte, error) {
	payload, err := json.Marshal(map[string]any{"request": fields})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding request: %w", err)
	}

	var body []byte
	var contentType string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, host, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("vendor returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("vendor returned HTTP %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		contentType = resp.Header.Get("Content-Type")
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrVendorUnavailable, err)
	}

	if !looksLikeJSON(contentType, body) {
		return nil, body, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed envelope: %v", ErrVendorUnavailable, err)
	}
	return &env, nil, nil
}

func looksLikeJSON(contentType string, body []byte) bool {
	if strings.HasPrefix(contentType, "application/json") {
		return true
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func vendorStatusError(action string, env *envelope) error {
	switch env.Status {
	case statusOK:
		return nil
	case statusSessionInvalid:
		return fmt.Errorf("%w: %s", errSessionRejected, env.Response.Message)
	case statusFileNotFound:
		return fmt.Errorf("%w: %s", ErrRecordingNotFound, env.Response.Message)
	default:
		return fmt.Errorf("%w: %s failed with status %d: %s", ErrVendorUnavailable, action, env.Status, env.Response.Message)
	}
}
