// Package synonyms holds the static token-substitution dictionary used by
// the permutation engine to rewrite Swagger path segments.
package synonyms

// Table maps each canonical path token to the alternates the permutation
// engine may substitute it with for a given user. Tokens without an entry
// here have no synonyms and are left unpermuted (the engine logs a warning
// when it encounters one during a permutation that needs it).
var Table = map[string][]string{
	"auth":            {"oauth", "login", "signin"},
	"me":              {"self", "myself"},
	"users":           {"user", "users", "employee", "employees", "account", "accounts", "member", "members", "staff", "people"},
	"projects":        {"task", "tasks", "subprojects", "subproject"},
	"organizations":   {"organization", "institution", "company", "companies", "groups"},
	"integrations":    {"connection", "connections", "setup", "setups"},
	"last_activity":   {"activity", "activities", "action", "actions", "last"},
	"members":         {"staff_member", "staff_members", "persons", "users"},
	"links":           {"integrations", "connectivity"},
	"activities":      {"activity", "actions", "action", "operations", "operation", "work", "working"},
	"last_activities": {"activity", "actions", "action", "operations", "operation", "work", "working"},
	"applications":    {"application", "app", "apps"},
	"urls":            {"url", "link", "links"},
	"screenshots":     {"shots", "screens", "images"},
	"notes":           {"memos", "data"},
	"tasks":           {"todos", "task"},
	"weekly":          {"by_week", "week", "weeks", "seven_days"},
	"my":              {"own", "me", "myself", "i"},
	"team":            {"members", "team_members", "staff"},
	"custom":          {"specific", "advanced"},
	"by_project":      {"projects", "group_by_project", "project"},
	"by_member":       {"members", "member", "group_by_member"},
	"by_date":         {"date", "dates", "days", "day", "daily"},
	"time_edit_logs":  {"time_logs", "edit_logs"},
	"team_payments":   {"earnings", "money"},
	"update_metadata": {"metadata_update", "set_metadata"},
	"update_members":  {"members_update", "set_members"},
	"invites":         {"invitations"},

	// Tokens the upstream API exposes but that have no registered
	// alternates yet: application_activities, daily, url_activities,
	// clients, locations, client_invoices, team_invoices,
	// time_off_policies, time_off_requests, attendance_schedules,
	// holidays, job_sites, timesheets, attendance_shifts,
	// budget_histories, integration_links, user_links, project_links.
}

// AlternatesFor returns the synonym list for token, or nil if none exist.
func AlternatesFor(token string) []string {
	return Table[token]
}
