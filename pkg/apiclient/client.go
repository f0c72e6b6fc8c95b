// Package apiclient talks to the bootvault management API.
package apiclient

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
	"time"
)

// Artifact mirrors the artifact record returned by the API.
type Artifact struct {
	DisplayName string    `json:"display_name"`
	StoredName  string    `json:"stored_name"`
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

type Profile struct {
	Name       string    `json:"name"`
	ScriptBody string    `json:"script_body"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

type Account struct {
	Principal       string    `json:"principal"`
	AssignedProfile *string   `json:"assigned_profile"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Attempt struct {
	Principal        string    `json:"principal"`
	ClientIdentifier *string   `json:"client_identifier"`
	Outcome          string    `json:"outcome"`
	Reason           string    `json:"reason,omitempty"`
	RemoteAddr       string    `json:"remote_addr,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an API error with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL. token is sent as a bearer token when non-empty. A nil
// httpClient gets one with a 30 second timeout.
func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api url must be absolute, got %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: u.String(), token: token, http: httpClient}, nil
}

// PutArtifact uploads body under displayName. size is sent as Content-Length when known.
func (c *Client) PutArtifact(ctx context.Context, displayName string, body io.Reader, size int64) (Artifact, error) {
	req, err := c.newRequest(ctx, http.MethodPut, "/v1/artifacts/"+url.PathEscape(displayName), body)
	if err != nil {
		return Artifact{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		req.ContentLength = size
	}
	var out Artifact
	err = c.do(req, http.StatusCreated, &out)
	return out, err
}

func (c *Client) UpsertProfile(ctx context.Context, name, scriptBody string) (Profile, error) {
	var out Profile
	err := c.doJSON(ctx, http.MethodPut, "/v1/profiles/"+url.PathEscape(name), map[string]string{"script_body": scriptBody}, http.StatusOK, &out)
	return out, err
}

func (c *Client) CreateAccount(ctx context.Context, principal, secret, assignedProfile string) (Account, error) {
	in := map[string]string{"principal": principal, "secret": secret, "assigned_profile": assignedProfile}
	var out Account
	err := c.doJSON(ctx, http.MethodPost, "/v1/accounts", in, http.StatusCreated, &out)
	return out, err
}

// UpdateAccount replaces the assigned profile and, when secret is non-nil, the secret.
func (c *Client) UpdateAccount(ctx context.Context, principal string, secret *string, assignedProfile string) (Account, error) {
	in := struct {
		Secret          *string `json:"secret,omitempty"`
		AssignedProfile string  `json:"assigned_profile"`
	}{Secret: secret, AssignedProfile: assignedProfile}
	var out Account
	err := c.doJSON(ctx, http.MethodPatch, "/v1/accounts/"+url.PathEscape(principal), in, http.StatusOK, &out)
	return out, err
}

// Attempts returns up to limit attempt records, newest first.
func (c *Client) Attempts(ctx context.Context, limit int) ([]Attempt, error) {
	path := "/v1/attempts"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Attempts []Attempt `json:"attempts"`
	}
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Attempts, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, want int, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, method, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, want, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var body struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
