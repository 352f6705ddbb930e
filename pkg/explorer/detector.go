package explorer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
)

// authTokenFields are response keys whose presence marks auth material.
var authTokenFields = []string{
	"token", "access_token", "accessToken", "auth_token", "authToken",
	"jwt", "bearer", "id_token", "idToken", "refresh_token", "refreshToken",
	"session_token", "sessionToken", "api_key", "apiKey",
}

// userFields are response keys carrying user identity.
var userFields = []string{
	"user", "user_id", "userId", "username", "email", "name",
	"displayName", "display_name", "account", "profile", "identity",
	"sub", "uid",
}

// entityIDFields identify an entity, checked in this order.
var entityIDFields = []string{"id", "_id", "uuid", "guid", "pk", "key", "slug"}

// statusFields carry entity lifecycle information.
var statusFields = []string{"status", "state", "phase", "stage", "condition", "lifecycle"}

// AuthState is the detected authentication sub-state of a response.
type AuthState struct {
	IsAuthenticated bool           `json:"is_authenticated"`
	HasToken        bool           `json:"has_token"`
	TokenType       string         `json:"token_type,omitempty"`
	UserInfo        map[string]any `json:"user_info,omitempty"`
	Roles           []string       `json:"roles,omitempty"`
	Permissions     []string       `json:"permissions,omitempty"`
}

func (a AuthState) toMetadata() map[string]any {
	return map[string]any{
		"is_authenticated": a.IsAuthenticated,
		"has_token":        a.HasToken,
		"token_type":       a.TokenType,
		"user_info":        a.UserInfo,
		"roles":            a.Roles,
		"permissions":      a.Permissions,
	}
}

// EntityState is the detected entity sub-state of a response.
type EntityState struct {
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (e EntityState) toMetadata() map[string]any {
	return map[string]any{
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"status":      e.Status,
		"properties":  e.Properties,
	}
}

// StateExtractor turns a response into a State, or nil to decline.
type StateExtractor func(response map[string]any) *State

// ActionExtractor turns a response into additional available actions.
type ActionExtractor func(response map[string]any) []Action

// StateDetector infers application state from API responses: it fingerprints
// each response, caches States by fingerprint so identical fingerprints
// always yield the same State object, and extracts HATEOAS links as
// available actions.
type StateDetector struct {
	stateExtractors  []StateExtractor
	actionExtractors []ActionExtractor
	knownStates      map[StateID]*State
	stateKeyFields   []string
}

// NewStateDetector returns a detector with the default state key fields
// (status, state, phase).
func NewStateDetector() *StateDetector {
	return &StateDetector{
		knownStates:    make(map[StateID]*State),
		stateKeyFields: []string{"status", "state", "phase"},
	}
}

// AddStateExtractor registers a custom state extraction function tried
// before automatic detection.
func (d *StateDetector) AddStateExtractor(fn StateExtractor) {
	d.stateExtractors = append(d.stateExtractors, fn)
}

// AddActionExtractor registers a custom action extraction function.
func (d *StateDetector) AddActionExtractor(fn ActionExtractor) {
	d.actionExtractors = append(d.actionExtractors, fn)
}

// AddStateKeyField adds a field used for state identity. Fields starting
// with "$." are evaluated as JSONPath expressions against the response.
func (d *StateDetector) AddStateKeyField(field string) {
	for _, f := range d.stateKeyFields {
		if f == field {
			return
		}
	}
	d.stateKeyFields = append(d.stateKeyFields, field)
}

// SetStateKeyFields replaces the state key field list.
func (d *StateDetector) SetStateKeyFields(fields []string) {
	d.stateKeyFields = append([]string(nil), fields...)
}

// KnownState returns a previously detected state by id, or nil.
func (d *StateDetector) KnownState(id StateID) *State {
	return d.knownStates[id]
}

// KnownStates returns all cached states.
func (d *StateDetector) KnownStates() []*State {
	out := make([]*State, 0, len(d.knownStates))
	for _, s := range d.knownStates {
		out = append(out, s)
	}
	return out
}

// ClearCache drops the state cache.
func (d *StateDetector) ClearCache() {
	d.knownStates = make(map[StateID]*State)
}

// DetectState infers the state a response represents. Responses with the
// same fingerprint return the same State object.
func (d *StateDetector) DetectState(response map[string]any, endpoint, method string) *State {
	for _, extractor := range d.stateExtractors {
		if state := extractor(response); state != nil {
			d.knownStates[state.ID] = state
			return state
		}
	}

	id := d.Fingerprint(response)
	if state, ok := d.knownStates[id]; ok {
		return state
	}

	metadata := make(map[string]any)
	if endpoint != "" {
		metadata["endpoint"] = endpoint
	}
	if method != "" {
		metadata["method"] = method
	}
	if auth := d.DetectAuthState(response); auth.IsAuthenticated {
		metadata["auth_state"] = auth.toMetadata()
	}
	if entity := d.DetectEntityState(response, endpoint); entity.EntityType != "" || entity.EntityID != "" {
		metadata["entity_state"] = entity.toMetadata()
	}

	state := &State{
		ID:               id,
		Name:             d.inferStateName(response, endpoint),
		Properties:       extractStateProperties(response),
		AvailableActions: d.DetectAvailableActions(response),
		Metadata:         metadata,
		DiscoveredAt:     time.Now(),
	}
	d.knownStates[id] = state
	return state
}

// DetectAvailableActions collects actions reachable from a response:
// custom extractors first, then HATEOAS links, deduplicated by
// (method, endpoint).
func (d *StateDetector) DetectAvailableActions(response map[string]any) []Action {
	var actions []Action
	for _, extractor := range d.actionExtractors {
		actions = append(actions, extractor(response)...)
	}
	actions = append(actions, extractLinks(response)...)

	seen := make(map[string]struct{})
	unique := make([]Action, 0, len(actions))
	for _, a := range actions {
		key := a.Method + " " + a.Endpoint
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, a)
	}
	return unique
}

// DetectAuthState inspects a response for tokens, user identity, roles and
// permissions, looking one level down under "data" as well.
func (d *StateDetector) DetectAuthState(response map[string]any) AuthState {
	auth := AuthState{UserInfo: map[string]any{}}
	nested, _ := response["data"].(map[string]any)

	for _, field := range authTokenFields {
		_, top := response[field]
		_, deep := nested[field]
		if !top && !deep {
			continue
		}
		auth.HasToken = true
		lower := strings.ToLower(field)
		switch {
		case !top && deep:
			auth.TokenType = "token"
		case strings.Contains(lower, "access"):
			auth.TokenType = "access_token"
		case strings.Contains(lower, "refresh"):
			auth.TokenType = "refresh_token"
		case strings.Contains(lower, "jwt") || strings.Contains(lower, "bearer"):
			auth.TokenType = "jwt"
		default:
			auth.TokenType = "token"
		}
		break
	}

	for _, field := range userFields {
		for _, source := range []map[string]any{response, nested} {
			value, ok := source[field]
			if !ok {
				continue
			}
			if obj, isObj := value.(map[string]any); isObj {
				for k, v := range obj {
					auth.UserInfo[k] = v
				}
			} else {
				auth.UserInfo[field] = value
			}
		}
	}

	auth.IsAuthenticated = auth.HasToken || len(auth.UserInfo) > 0

	auth.Roles = stringList(response["roles"])
	auth.Permissions = stringList(response["permissions"])
	if user, ok := response["user"].(map[string]any); ok {
		if roles := stringList(user["roles"]); roles != nil {
			auth.Roles = roles
		}
		if perms := stringList(user["permissions"]); perms != nil {
			auth.Permissions = perms
		}
	}

	return auth
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out
}

// DetectEntityState inspects a response for an entity type (from the
// endpoint), id, status, and scalar properties.
func (d *StateDetector) DetectEntityState(response map[string]any, endpoint string) EntityState {
	entity := EntityState{Properties: map[string]any{}}
	if endpoint != "" {
		entity.EntityType = inferEntityTypeFromEndpoint(endpoint)
	}

	nested, _ := response["data"].(map[string]any)
	for _, field := range entityIDFields {
		if v, ok := response[field]; ok {
			entity.EntityID = fmt.Sprintf("%v", v)
			break
		}
		if v, ok := nested[field]; ok {
			entity.EntityID = fmt.Sprintf("%v", v)
			break
		}
	}
	for _, field := range statusFields {
		if v, ok := response[field]; ok {
			entity.Status = fmt.Sprintf("%v", v)
			break
		}
		if v, ok := nested[field]; ok {
			entity.Status = fmt.Sprintf("%v", v)
			break
		}
	}

	excluded := make(map[string]struct{})
	for _, list := range [][]string{authTokenFields, userFields, entityIDFields, statusFields} {
		for _, f := range list {
			excluded[f] = struct{}{}
		}
	}
	for key, value := range response {
		if _, skip := excluded[key]; skip || strings.HasPrefix(key, "_") {
			continue
		}
		switch v := value.(type) {
		case string, bool, float64, int, int64:
			entity.Properties[key] = v
		case []any:
			if len(v) > 0 {
				entity.Properties[key+"_count"] = len(v)
			}
		}
	}

	return entity
}

// Fingerprint reduces a response to a stable 16-hex-char identity: the
// configured state-key field values, the first entity-id field, whether auth
// material is present, and a bounded structural signature of the body.
func (d *StateDetector) Fingerprint(response map[string]any) string {
	data := make(map[string]any)
	nested, _ := response["data"].(map[string]any)

	for _, field := range d.stateKeyFields {
		if strings.HasPrefix(field, "$.") {
			if v, err := jsonpath.Get(field, any(response)); err == nil && v != nil {
				data[field] = v
			}
			continue
		}
		if v, ok := response[field]; ok {
			data[field] = v
		} else if v, ok := nested[field]; ok {
			data[field] = v
		}
	}

	for _, field := range entityIDFields {
		if v, ok := response[field]; ok {
			data["_id_"+field] = v
			break
		}
	}

	hasAuth := false
	for _, field := range authTokenFields {
		if _, ok := response[field]; ok {
			hasAuth = true
			break
		}
	}
	data["_has_auth"] = hasAuth
	data["_structure"] = structureSignature(response, 0)

	canonical, _ := json.Marshal(data)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// IsSameState reports whether two states represent the same application
// state: equal ids, or equal values for every state-key field.
func (d *StateDetector) IsSameState(a, b *State) bool {
	if a == nil || b == nil {
		return false
	}
	if a.ID == b.ID {
		return true
	}
	if len(d.stateKeyFields) == 0 {
		return false
	}
	for _, field := range d.stateKeyFields {
		if !equalJSON(a.Properties[field], b.Properties[field]) {
			return false
		}
	}
	return true
}

func equalJSON(a, b any) bool {
	return mustJSON(a) == mustJSON(b)
}

// shortHash returns the first 8 hex chars of the sha256 of s.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

// structureSignature renders the shape of a value: objects become their
// sorted key list (capped at 10), arrays the signature of their first
// element, scalars their type name. Depth is capped at 3.
func structureSignature(value any, depth int) string {
	if depth > 3 {
		return "..."
	}
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 10 {
			keys = keys[:10]
		}
		return "{" + strings.Join(keys, ",") + "}"
	case []any:
		if len(v) > 0 {
			return "[" + structureSignature(v[0], depth+1) + "]"
		}
		return "[]"
	case string:
		return "str"
	case bool:
		return "bool"
	case float64:
		if v == float64(int64(v)) {
			return "int"
		}
		return "float"
	case int, int64:
		return "int"
	case nil:
		return "null"
	}
	return "?"
}

var (
	numericSegRe = regexp.MustCompile(`^\d+$`)
	uuidSegRe    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	versionRe    = regexp.MustCompile(`^v\d+$`)
)

// inferEntityTypeFromEndpoint finds the last path segment that is not a
// version prefix, id or placeholder, singularized.
func inferEntityTypeFromEndpoint(endpoint string) string {
	var entity string
	for _, segment := range strings.Split(strings.TrimPrefix(endpoint, "/"), "/") {
		lower := strings.ToLower(segment)
		if lower == "" || lower == "api" || lower == "rest" || lower == "graphql" || versionRe.MatchString(lower) {
			continue
		}
		if numericSegRe.MatchString(segment) || uuidSegRe.MatchString(lower) {
			continue
		}
		if strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}") {
			continue
		}
		entity = segment
	}
	if entity == "" {
		return ""
	}
	if strings.HasSuffix(entity, "ies") {
		return entity[:len(entity)-3] + "y"
	}
	if strings.HasSuffix(entity, "s") && len(entity) > 2 {
		return entity[:len(entity)-1]
	}
	return entity
}

// extractStateProperties keeps scalar values and small containers,
// dropping transient fields like timestamps and link sections.
func extractStateProperties(response map[string]any) map[string]any {
	transient := map[string]struct{}{
		"timestamp": {}, "created_at": {}, "updated_at": {}, "request_id": {},
		"_links": {}, "links": {}, "meta": {}, "_meta": {},
	}
	properties := make(map[string]any)
	for key, value := range response {
		if _, skip := transient[strings.ToLower(key)]; skip {
			continue
		}
		switch value.(type) {
		case string, bool, float64, int, int64, nil:
			properties[key] = value
		case map[string]any, []any:
			if len(mustJSON(value)) < 500 {
				properties[key] = value
			}
		}
	}
	return properties
}

// inferStateName derives a human-readable name: a status-like field wins,
// then the endpoint, then a type field.
func (d *StateDetector) inferStateName(response map[string]any, endpoint string) string {
	for _, field := range []string{"status", "state", "phase", "stage"} {
		if v, ok := response[field].(string); ok {
			return titleCase(strings.ReplaceAll(v, "_", " "))
		}
	}
	if endpoint != "" {
		name := strings.Trim(endpoint, "/")
		name = strings.ReplaceAll(name, "/", "_")
		name = strings.ReplaceAll(name, "{", "")
		name = strings.ReplaceAll(name, "}", "")
		if name == "" {
			return "State_Root"
		}
		return "State_" + name
	}
	if t, ok := response["type"].(string); ok {
		return "State_" + t
	}
	return "Unknown_State"
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

// extractLinks pulls HATEOAS-style actions out of a response, supporting
// HAL _links, links arrays, JSON:API links maps, and actions/operations
// arrays. The self link is always skipped.
func extractLinks(response map[string]any) []Action {
	var actions []Action

	if links, ok := response["_links"].(map[string]any); ok {
		actions = append(actions, parseHALLinks(links)...)
	}
	if links, ok := response["links"].([]any); ok {
		actions = append(actions, parseLinksArray(links)...)
	}
	if links, ok := response["links"].(map[string]any); ok {
		actions = append(actions, parseJSONAPILinks(links)...)
	}
	if items, ok := response["actions"].([]any); ok {
		actions = append(actions, parseActionsArray(items)...)
	}
	if items, ok := response["operations"].([]any); ok {
		actions = append(actions, parseActionsArray(items)...)
	}

	return actions
}

func parseHALLinks(links map[string]any) []Action {
	rels := make([]string, 0, len(links))
	for rel := range links {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	var actions []Action
	for _, rel := range rels {
		if rel == "self" {
			continue
		}
		switch link := links[rel].(type) {
		case map[string]any:
			href, _ := link["href"].(string)
			if href == "" {
				continue
			}
			method := stringOr(link["method"], "GET")
			title := stringOr(link["title"], stringOr(link["name"], rel))
			actions = append(actions, Action{
				Method:      upperMethod(method),
				Endpoint:    href,
				Description: title,
			})
		case []any:
			for _, item := range link {
				obj, ok := item.(map[string]any)
				if !ok {
					continue
				}
				href, _ := obj["href"].(string)
				if href == "" {
					continue
				}
				actions = append(actions, Action{
					Method:      upperMethod(stringOr(obj["method"], "GET")),
					Endpoint:    href,
					Description: rel,
				})
			}
		}
	}
	return actions
}

func parseLinksArray(links []any) []Action {
	var actions []Action
	for _, item := range links {
		link, ok := item.(map[string]any)
		if !ok {
			continue
		}
		href := stringOr(link["href"], stringOr(link["url"], stringOr(link["uri"], "")))
		rel := stringOr(link["rel"], stringOr(link["relation"], stringOr(link["name"], "")))
		if href == "" || rel == "self" {
			continue
		}
		actions = append(actions, Action{
			Method:      upperMethod(stringOr(link["method"], "GET")),
			Endpoint:    href,
			Description: rel,
		})
	}
	return actions
}

func parseJSONAPILinks(links map[string]any) []Action {
	rels := make([]string, 0, len(links))
	for rel := range links {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	var actions []Action
	for _, rel := range rels {
		if rel == "self" {
			continue
		}
		var href string
		switch link := links[rel].(type) {
		case string:
			href = link
		case map[string]any:
			href, _ = link["href"].(string)
		}
		if href == "" {
			continue
		}
		actions = append(actions, Action{
			Method:      methodFromRel(rel),
			Endpoint:    href,
			Description: rel,
		})
	}
	return actions
}

// methodFromRel infers the HTTP method from a JSON:API rel name.
func methodFromRel(rel string) string {
	switch rel {
	case "create", "add", "new":
		return "POST"
	case "update", "edit", "modify":
		return "PUT"
	case "delete", "remove", "destroy":
		return "DELETE"
	}
	return "GET"
}

func parseActionsArray(items []any) []Action {
	var actions []Action
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		href := stringOr(obj["href"], stringOr(obj["url"], stringOr(obj["uri"], stringOr(obj["endpoint"], ""))))
		if href == "" {
			continue
		}
		method := stringOr(obj["method"], stringOr(obj["type"], "GET"))
		name := stringOr(obj["name"], stringOr(obj["title"], stringOr(obj["description"], stringOr(obj["action"], ""))))
		actions = append(actions, Action{
			Method:      upperMethod(method),
			Endpoint:    href,
			Description: name,
		})
	}
	return actions
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
