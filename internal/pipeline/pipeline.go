// Package pipeline implements the request/response pipeline: the per-user
// proxy entry point that accepts a permuted request, reverses it against
// that user's mixer, dispatches (or locally shortcuts) the canonical
// request, and re-shapes the response back into the permuted contract.
package pipeline

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hubproxy/internal/abuse"
	"hubproxy/internal/logger"
	"hubproxy/internal/metrics"
	"hubproxy/internal/mixer"
	"hubproxy/internal/paramindex"
	"hubproxy/internal/permute"
	"hubproxy/internal/swagger"
	"hubproxy/internal/upstream"
	"hubproxy/internal/userstore"
)

// Kind classifies a pipeline failure so it can be mapped to both an HTTP
// status code and a structured log line, mirroring the status table the
// original raises via distinct Python exception types.
type Kind string

const (
	KindGloballyThrottled Kind = "globally_throttled"
	KindUserThrottled     Kind = "user_throttled"
	KindUnknownParameter  Kind = "unknown_parameter"
	KindBadBody           Kind = "bad_body"
	KindBadCredentials    Kind = "bad_credentials"
	KindUserNotInUpstream Kind = "user_not_in_upstream"
	KindUpstreamError     Kind = "upstream_error"
	KindOutOfSynonyms     Kind = "out_of_synonyms"
	KindNotFound          Kind = "not_found"
)

// Error is the pipeline's sentinel-wrapped error type: every stage failure
// carries the status code the client should see alongside the message.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Handler is the proxy entry point. It owns the canonical document, the
// mixer cache, the abuse controller, the upstream client and the user
// store, and exposes one HTTP handler per external surface named in the
// external-interfaces section (ANY /v<id>/..., GET /swagger.json).
type Handler struct {
	canonical    *swagger.Document
	authPath     string
	mixers       *mixer.Cache
	abuseCtl     *abuse.Controller
	users        userstore.Store
	upstream     *upstream.Client
	log          *logger.Logger
	metrics      *metrics.Metrics
	supportEmail string
	maxBodyBytes int64
}

// New returns a Handler. users is consulted for the local auth shortcut and
// for mixer construction metadata; upstreamClient issues every
// non-shortcut canonical request.
func New(
	canonical *swagger.Document,
	cacheCapacity int,
	abuseCtl *abuse.Controller,
	users userstore.Store,
	upstreamClient *upstream.Client,
	log *logger.Logger,
	m *metrics.Metrics,
	supportEmail string,
	maxBodyBytes int64,
) *Handler {
	h := &Handler{
		canonical:    canonical,
		authPath:     findOperationPath(canonical, "auth"),
		abuseCtl:     abuseCtl,
		users:        users,
		upstream:     upstreamClient,
		log:          log,
		metrics:      m,
		supportEmail: supportEmail,
		maxBodyBytes: maxBodyBytes,
	}
	h.mixers = mixer.NewCache(cacheCapacity, h.buildMixer)
	return h
}

// findOperationPath returns the canonical path declaring the operation with
// the given operationId, or "" if none does.
func findOperationPath(doc *swagger.Document, operationID string) string {
	for _, path := range doc.PathsInOrder() {
		for _, op := range doc.Paths[path] {
			if op.OperationID == operationID {
				return path
			}
		}
	}
	return ""
}

// buildMixer constructs a fresh Mixer for userID: runs the permutation
// engine over the canonical document seeded by the user's id, then resolves
// the matching upstream account for personal-filter metadata.
func (h *Handler) buildMixer(ctx context.Context, userID int64, seed int64) (*mixer.Mixer, error) {
	u, err := h.users.ByID(uint64(userID))
	if err != nil {
		return nil, fmt.Errorf("pipeline: load user %d: %w", userID, err)
	}

	result, err := permute.Build(h.canonical, seed, permute.Options{})
	if err != nil {
		return nil, err
	}
	idx, err := paramindex.New(result.PermutedParams, result.Canonical)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build parameter index: %w", err)
	}

	account, err := h.upstream.FindAccountByEmail(ctx, u.Email)
	if err != nil {
		return nil, newError(KindUserNotInUpstream, http.StatusBadRequest, "%v", err)
	}

	return &mixer.Mixer{
		UserID:   userID,
		Seed:     seed,
		Permuted: result.Permuted,
		Index:    idx,
		Meta: permute.Meta{
			Email:             u.Email,
			AppToken:          u.AppToken,
			AuthToken:         u.AuthToken,
			PasswordHash:      u.PasswordHash,
			UpstreamUserID:    account.UserID,
			OrganizationNames: account.OrganizationNames,
			ProjectNames:      account.ProjectNames,
			ProjectIDs:        account.ProjectIDs,
		},
	}, nil
}

// ServeSwagger handles GET /swagger.json for an authenticated user: returns
// their permuted document with host rewritten to the incoming request.
func (h *Handler) ServeSwagger(w http.ResponseWriter, r *http.Request, userID int64) {
	m, err := h.mixers.Get(r.Context(), userID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	doc := m.Permuted.Clone()
	doc.Host = r.Host
	writeJSON(w, http.StatusOK, doc)
}

// ServeProxy handles ANY /v<user_pk>/<rest...>: the full stage (a)-(j)
// pipeline.
func (h *Handler) ServeProxy(w http.ResponseWriter, r *http.Request, userID int64) {
	h.metrics.RequestsTotal.Inc()
	ctx := r.Context()
	now := time.Now()

	// (a) Admission.
	if throttled, err := h.abuseCtl.GloballyThrottled(ctx, now); err != nil {
		h.writeError(w, fmt.Errorf("pipeline: admission check: %w", err))
		return
	} else if throttled {
		h.metrics.RequestsBlockedGlobal.Inc()
		h.writeError(w, newError(KindGloballyThrottled, http.StatusForbidden,
			"proxy is currently unavailable, please try again later"))
		return
	}
	if throttled, err := h.abuseCtl.UserThrottled(ctx, userID, now); err != nil {
		h.writeError(w, fmt.Errorf("pipeline: admission check: %w", err))
		return
	} else if throttled {
		h.metrics.RequestsBlockedUser.Inc()
		h.writeError(w, newError(KindUserThrottled, http.StatusForbidden,
			"too many attempts to access the upstream API with wrong credentials; please wait 24h before further attempts"))
		return
	}

	// (b) Mixer acquisition.
	buildStart := time.Now()
	m, err := h.mixers.Get(ctx, userID, userID)
	h.metrics.MixerBuildSeconds.Observe(time.Since(buildStart).Seconds())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.MixerCacheSize.Set(float64(h.mixers.Len()))

	// (c) Parse observed request.
	observed, observedOrder, err := h.parseObserved(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// (d) Reverse.
	canonical := map[paramindex.Parameter]any{}
	var canonPath, canonMethod string
	for _, p := range observedOrder {
		value := observed[p]
		h.log.Debugf("permuted_parameter", "%s", p.String())

		permutedDef, canon, err := m.Index.Reverse(p)
		if err != nil {
			if p.In == "path" || p.In == "header" {
				h.log.Debugf("ignoring_unexpected", "%s %s", p.In, p.String())
				continue
			}
			h.metrics.ErrorsReverse.Inc()
			h.writeError(w, newError(KindUnknownParameter, http.StatusBadRequest,
				"unexpected parameter: method=%q path=%q location=%q name=%q value=%v",
				strings.ToUpper(p.Method), p.Path, strings.ToUpper(p.In), p.Name, value))
			return
		}
		h.log.Debugf("restored_parameter", "%s", canon.String())

		if canon.In == "path" {
			re := permutedDef.RePath()
			match := re.FindStringSubmatch(p.Path)
			if len(match) < 2 {
				h.writeError(w, newError(KindUnknownParameter, http.StatusBadRequest,
					"path placeholder did not match: %s", p.Path))
				return
			}
			value = match[1]
		}

		canonical[canon] = value
		canonPath, canonMethod = canon.Path, canon.Method
	}

	h.log.Infof("pipeline_in", "%v", observed)
	h.log.Infof("pipeline_out", "%v", canonical)

	// (e) Build upstream request / (f) local auth shortcut / (g)+(h) dispatch.
	var status int
	var result map[string]any

	if h.authPath != "" && canonPath == h.authPath {
		h.metrics.RequestsAuthShortcut.Inc()
		status, result, err = h.localAuth(m, canonical)
	} else {
		status, result, err = h.dispatch(ctx, userID, m, canonPath, canonMethod, canonical, now)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	// (i) Response post-processing.
	filtered := permute.PersonalFilter(result, m.Meta)
	wrapped := permute.WrapResult(filtered)

	// (j) Serialize and respond.
	h.metrics.RequestsProxied.Inc()
	writeJSON(w, status, wrapped)
}

// parseObserved implements stage (c): builds the ordered Parameter->value
// map for one incoming request.
func (h *Handler) parseObserved(w http.ResponseWriter, r *http.Request) (map[paramindex.Parameter]any, []paramindex.Parameter, error) {
	path := r.URL.Path
	method := strings.ToLower(r.Method)

	values := map[paramindex.Parameter]any{}
	var order []paramindex.Parameter

	add := func(in, name string, value any) {
		p := paramindex.New(path, method, in, name)
		values[p] = value
		order = append(order, p)
	}

	pathParam := paramindex.NewPathWildcard(path, method)
	values[pathParam] = nil
	order = append(order, pathParam)

	for name, vv := range r.Header {
		if len(vv) > 0 {
			add("header", strings.ToLower(name), vv[0])
		}
	}

	query := r.URL.Query()
	for name, vv := range query {
		if len(vv) > 0 {
			add("query", name, vv[0])
		}
	}

	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, newError(KindBadBody, http.StatusBadRequest, "could not read body: %v", err)
		}
		if len(body) > 0 {
			contentType := r.Header.Get("Content-Type")
			switch {
			case strings.Contains(contentType, "application/x-www-form-urlencoded"):
				form, err := parseForm(body)
				if err != nil {
					return nil, nil, newError(KindBadBody, http.StatusBadRequest, "could not parse form body: %v", err)
				}
				for name, v := range form {
					add("formData", name, v)
				}
			case len(body) > 0:
				var decoded map[string]any
				if err := json.Unmarshal(body, &decoded); err != nil {
					return nil, nil, newError(KindBadBody, http.StatusBadRequest, "request body is not a JSON object")
				}
				for name, v := range decoded {
					add("body", name, v)
				}
			}
		}
	}

	return values, order, nil
}

func parseForm(body []byte) (map[string]string, error) {
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for k, v := range vals {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}

// localAuth implements stage (f): the shadowed /v1/auth endpoint.
func (h *Handler) localAuth(m *mixer.Mixer, canonical map[paramindex.Parameter]any) (int, map[string]any, error) {
	var email, password, appToken string
	for p, v := range canonical {
		s, _ := v.(string)
		switch p.In {
		case "body", "formData":
			switch p.Name {
			case "email":
				email = s
			case "password":
				password = s
			}
		case "header":
			if strings.EqualFold(p.Name, "App-Token") {
				appToken = s
			}
		}
	}

	if email != m.Meta.Email {
		return 0, nil, newError(KindBadCredentials, http.StatusBadRequest, "wrong email provided: %s", email)
	}
	if !userstore.CheckPassword(m.Meta.PasswordHash, password) {
		return 0, nil, newError(KindBadCredentials, http.StatusBadRequest, "password mismatch")
	}
	if !constantTimeEqual(appToken, m.Meta.AppToken) {
		return 0, nil, newError(KindBadCredentials, http.StatusBadRequest, "app-token mismatch")
	}

	return http.StatusOK, map[string]any{
		"id":            nil,
		"name":          nil,
		"last_activity": nil,
		"auth_token":    m.Meta.AuthToken,
	}, nil
}

// dispatch implements stages (g) and (h): credential injection and the
// actual upstream call.
func (h *Handler) dispatch(
	ctx context.Context,
	userID int64,
	m *mixer.Mixer,
	canonPath, canonMethod string,
	canonical map[paramindex.Parameter]any,
	now time.Time,
) (int, map[string]any, error) {
	req := upstream.Request{
		Method:  strings.ToUpper(canonMethod),
		Path:    canonPath,
		Headers: map[string]string{},
		Query:   map[string]string{},
		Form:    map[string]string{},
		JSON:    map[string]any{},
	}

	for p, v := range canonical {
		s := fmt.Sprint(v)
		switch p.In {
		case "header":
			req.Headers[p.Name] = s
		case "query":
			req.Query[p.Name] = s
		case "formData":
			req.Form[p.Name] = s
		case "body":
			req.JSON[p.Name] = v
		}
	}
	if len(req.JSON) == 0 {
		req.JSON = nil
	}

	credHeaders := toHeader(req.Headers)
	if err := permute.InjectCredentials(credHeaders, m.Meta, h.upstream.AppToken(), h.upstream.AuthToken()); err != nil {
		return 0, nil, newError(KindBadCredentials, http.StatusBadRequest, "%v", err)
	}
	req.Headers["App-Token"] = credHeaders.Get("App-Token")
	req.Headers["Auth-Token"] = credHeaders.Get("Auth-Token")

	dispatchStart := time.Now()
	resp, err := h.upstream.Do(ctx, req)
	h.metrics.UpstreamLatency.Observe(time.Since(dispatchStart).Seconds())
	if err != nil {
		h.metrics.ErrorsUpstream.Inc()
		return 0, nil, newError(KindUpstreamError, http.StatusInternalServerError, "%v", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if recErr := h.abuseCtl.RecordFailure(ctx, userID, now); recErr != nil {
			h.log.Warnf("abuse_record_failure", "%v", recErr)
		}
	}
	return resp.StatusCode, resp.Body, nil
}

func toHeader(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	message := err.Error()
	if e, ok := err.(*Error); ok {
		status = e.Status
	}
	h.log.Warnf("pipeline_error", "%s", message)
	body := permute.WrapResult(map[string]any{
		"error": message,
		"help":  fmt.Sprintf("Please contact %s if you think the API is misbehaving or you have any questions", h.supportEmail),
	})
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// constantTimeEqual is used by the local-auth shortcut's app-token check to
// avoid introducing a timing oracle.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
