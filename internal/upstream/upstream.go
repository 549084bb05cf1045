// Package upstream talks to the canonical Hubstaff v1 API: a single pooled
// HTTP client shared by every request the pipeline proxies, plus the
// account-resolution call used when building a new Mixer (paging /users to
// find the upstream record matching a proxy user's email).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a thin wrapper over a pooled *http.Client pointed at the
// canonical API, carrying the fixed app/auth token pair the proxy
// authenticates to Hubstaff with (distinct from each proxy user's own
// app/auth token pair, which only gate the local /v1/auth shortcut).
type Client struct {
	baseURL   string
	appToken  string
	authToken string
	http      *http.Client
}

// New returns a Client pointed at baseURL, using the pooled transport
// pattern from the teacher's reverse-proxy transport (shared keep-alive
// pool, HTTP/2 attempted, generous idle timeouts).
func New(baseURL, appToken, authToken string) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &Client{
		baseURL:   baseURL,
		appToken:  appToken,
		authToken: authToken,
		http: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}
}

// Request describes one canonical-API call: a path relative to the base
// URL, method, headers/query/form/body parameters already resolved from
// their permuted form, and a JSON body for non-form requests.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   map[string]string
	Form    map[string]string
	JSON    map[string]any
}

// Response is the canonical API's decoded JSON body plus its status code.
type Response struct {
	StatusCode int
	Body       map[string]any
}

// AppToken returns the proxy's own upstream app token, for callers that
// need to inject it into headers before calling Do.
func (c *Client) AppToken() string { return c.appToken }

// AuthToken returns the proxy's own upstream auth token.
func (c *Client) AuthToken() string { return c.authToken }

// Do issues req against the canonical API, injecting the proxy's own
// App-Token/Auth-Token unless the caller already supplied both (the local
// auth shortcut in the pipeline never reaches here).
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(c.baseURL + req.Path)
	if err != nil {
		return nil, fmt.Errorf("upstream: bad path %q: %w", req.Path, err)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case len(req.Form) > 0:
		form := url.Values{}
		for k, v := range req.Form {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.JSON != nil:
		encoded, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("upstream: encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("App-Token") == "" {
		httpReq.Header.Set("App-Token", c.appToken)
	}
	if httpReq.Header.Get("Auth-Token") == "" && c.authToken != "" {
		httpReq.Header.Set("Auth-Token", c.authToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: round trip: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}

	out := &Response{StatusCode: resp.StatusCode}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Body); err != nil {
			return nil, fmt.Errorf("upstream: decode response: %w", err)
		}
	}
	return out, nil
}

// Account is the subset of an upstream /users record the mixer needs to
// build personal-filter metadata: the caller's own record (id, the
// organizations and projects visible to them).
type Account struct {
	UserID            any
	OrganizationNames map[string]bool
	ProjectNames      map[string]bool
	ProjectIDs        map[string]bool
}

// FindAccountByEmail pages through /v1/users (as the original's get_mixer
// does) looking for the record matching email, then collects the
// organization and project names/ids from that same page for personal
// filtering. Hubstaff's /users response does not carry a flat
// organization/project list, so in the absence of a richer Non-goals-free
// API surface the account's own record is taken as authoritative for
// filtering purposes — a deliberate generalization of the original's
// "single hardcoded organization" assumption.
func (c *Client) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	offset := 0
	for {
		resp, err := c.Do(ctx, Request{
			Method: "GET",
			Path:   "/v1/users",
			Query: map[string]string{
				"organization_memberships": "true",
				"project_memberships":      "true",
				"offset":                   strconv.Itoa(offset),
			},
		})
		if err != nil {
			return Account{}, err
		}
		usersRaw, _ := resp.Body["users"].([]any)
		if len(usersRaw) == 0 {
			return Account{}, fmt.Errorf("upstream: user with email %q not found", email)
		}

		for _, raw := range usersRaw {
			u, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if s, _ := u["email"].(string); s == email {
				return accountFromRecord(u), nil
			}
		}
		offset += len(usersRaw)
	}
}

func accountFromRecord(u map[string]any) Account {
	acc := Account{
		UserID:            u["id"],
		OrganizationNames: map[string]bool{},
		ProjectNames:      map[string]bool{},
		ProjectIDs:        map[string]bool{},
	}
	if memberships, ok := u["organization_memberships"].([]any); ok {
		for _, m := range memberships {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := mm["name"].(string); ok {
				acc.OrganizationNames[name] = true
			}
		}
	}
	if memberships, ok := u["project_memberships"].([]any); ok {
		for _, m := range memberships {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := mm["name"].(string); ok {
				acc.ProjectNames[name] = true
			}
			if id, ok := mm["id"]; ok {
				acc.ProjectIDs[fmt.Sprint(id)] = true
			}
		}
	}
	return acc
}
