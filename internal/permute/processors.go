package permute

import (
	"fmt"
	"net/http"
)

// ErrBadCredentials is returned by InjectCredentials when the client's
// supplied App-Token/Auth-Token headers don't match the user's stored
// tokens.
type ErrBadCredentials struct {
	Header string
}

func (e *ErrBadCredentials) Error() string {
	return fmt.Sprintf("bad credentials: %s mismatch", e.Header)
}

// InjectCredentials is the sole request processor: it verifies the
// client-supplied App-Token/Auth-Token headers against the user's stored
// values, then overwrites them with the proxy's real upstream credentials.
// Ported from permute_credentials in the reference implementation.
func InjectCredentials(headers http.Header, meta Meta, upstreamAppToken, upstreamAuthToken string) error {
	if got := headers.Get("App-Token"); got != "" && got != meta.AppToken {
		return &ErrBadCredentials{Header: "App-Token"}
	}
	if got := headers.Get("Auth-Token"); got != "" && got != meta.AuthToken {
		return &ErrBadCredentials{Header: "Auth-Token"}
	}
	headers.Set("App-Token", upstreamAppToken)
	headers.Set("Auth-Token", upstreamAuthToken)
	return nil
}

// WrapResult is the result-wrapper processor: it wraps the final payload as
// {"result": payload}, matching the permute_result schema rewrite.
func WrapResult(payload any) map[string]any {
	return map[string]any{"result": payload}
}

// PersonalFilter recursively redacts entries the user is not entitled to
// see. For each top-level (key, list) pair in data, it keeps only list
// entries matching one of, in order:
//
//	email == meta.Email
//	item["user"]["email"] == meta.Email
//	key == "organizations" && item["name"] ∈ meta.OrganizationNames
//	key == "projects" && item["name"] ∈ meta.ProjectNames
//	item["user_id"] == meta.UpstreamUserID
//	item["project_id"] ∈ meta.ProjectIDs
//
// Lists whose first element matches none of the above rules, and
// non-list/empty values, pass through unchanged.
func PersonalFilter(data map[string]any, meta Meta) map[string]any {
	out := make(map[string]any, len(data))
	for key, value := range data {
		list, ok := value.([]any)
		if !ok || len(list) == 0 {
			out[key] = value
			continue
		}
		first, ok := list[0].(map[string]any)
		if !ok {
			out[key] = value
			continue
		}

		switch {
		case hasKey(first, "email"):
			out[key] = filterList(list, func(item map[string]any) bool {
				return stringField(item, "email") == meta.Email
			})
		case hasNestedEmail(first):
			out[key] = filterList(list, func(item map[string]any) bool {
				user, _ := item["user"].(map[string]any)
				return stringField(user, "email") == meta.Email
			})
		case key == "organizations":
			out[key] = filterList(list, func(item map[string]any) bool {
				return meta.OrganizationNames[stringField(item, "name")]
			})
		case key == "projects":
			out[key] = filterList(list, func(item map[string]any) bool {
				return meta.ProjectNames[stringField(item, "name")]
			})
		case hasKey(first, "user_id"):
			out[key] = filterList(list, func(item map[string]any) bool {
				return fmt.Sprint(item["user_id"]) == fmt.Sprint(meta.UpstreamUserID)
			})
		case hasKey(first, "project_id"):
			out[key] = filterList(list, func(item map[string]any) bool {
				return meta.ProjectIDs[fmt.Sprint(item["project_id"])]
			})
		default:
			// No recognized ownership field: pass through unfiltered.
			out[key] = value
		}
	}
	return out
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func hasNestedEmail(m map[string]any) bool {
	user, ok := m["user"].(map[string]any)
	if !ok {
		return false
	}
	return hasKey(user, "email")
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func filterList(list []any, keep func(map[string]any) bool) []any {
	out := make([]any, 0, len(list))
	for _, v := range list {
		item, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}
