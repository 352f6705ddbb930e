package explorer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Context accumulates IDs, tokens and status flags along one exploration
// branch. It tracks which keys the most recent extraction added; Copy
// duplicates the data but resets that tracking so each branch starts fresh.
type Context struct {
	data      map[string]any
	extracted map[string]struct{}
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{
		data:      make(map[string]any),
		extracted: make(map[string]struct{}),
	}
}

// Get returns the value bound to key, or nil.
func (c *Context) Get(key string) any {
	return c.data[key]
}

// Set binds a value and marks the key as extracted.
func (c *Context) Set(key string, value any) {
	c.data[key] = value
	c.extracted[key] = struct{}{}
}

// Has reports whether key is bound.
func (c *Context) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Keys returns all bound keys, sorted.
func (c *Context) Keys() []string {
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExtractedKeys returns the keys added since this context was created or
// copied.
func (c *Context) ExtractedKeys() []string {
	keys := make([]string, 0, len(c.extracted))
	for k := range c.extracted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copy duplicates the data. Extraction tracking starts fresh in the copy so
// a branch only reports what it added itself.
func (c *Context) Copy() *Context {
	out := NewContext()
	for k, v := range c.data {
		out.data[k] = v
	}
	return out
}

// Data returns a copy of the underlying map.
func (c *Context) Data() map[string]any {
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Update binds every pair from data.
func (c *Context) Update(data map[string]any) {
	for k, v := range data {
		c.Set(k, v)
	}
}

// Len returns the number of bound keys.
func (c *Context) Len() int {
	return len(c.data)
}

var (
	upperRunRe    = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
	camelBreakRe  = regexp.MustCompile(`([a-z\d])([A-Z])`)
	underscoresRe = regexp.MustCompile(`_+`)
	placeholderRe = regexp.MustCompile(`\{(\w+)\}`)
	anyBracesRe   = regexp.MustCompile(`\{[^}]+\}`)
	versionSegRe  = regexp.MustCompile(`^v[1-9]$`)
)

// NormalizeKey converts a key to snake_case: runs of uppercase followed by
// lowercase split first (APIKey -> api_key), then camel boundaries
// (todoId -> todo_id), repeats collapse and edges are trimmed.
func NormalizeKey(key string) string {
	if key == strings.ToUpper(key) {
		return strings.ToLower(key)
	}
	result := upperRunRe.ReplaceAllString(key, "${1}_${2}")
	result = camelBreakRe.ReplaceAllString(result, "${1}_${2}")
	result = strings.ToLower(result)
	result = underscoresRe.ReplaceAllString(result, "_")
	return strings.Trim(result, "_")
}

// inferContextKeyFromEndpoint derives the context key for a bare "id" field:
// /api/v1/todos -> todo_id. Version segments, "api" and placeholders are
// stripped; the last remaining segment is singularized and suffixed with _id.
func inferContextKeyFromEndpoint(endpoint string) string {
	endpoint = strings.SplitN(endpoint, "?", 2)[0]

	var segments []string
	for _, s := range strings.Split(endpoint, "/") {
		if s == "" || strings.HasPrefix(s, "{") {
			continue
		}
		segments = append(segments, s)
	}
	if len(segments) == 0 {
		return ""
	}

	var resource string
	for i := len(segments) - 1; i >= 0; i-- {
		seg := strings.ToLower(segments[i])
		if seg == "api" || versionSegRe.MatchString(seg) {
			continue
		}
		resource = segments[i]
		break
	}
	if resource == "" {
		return ""
	}

	resource = NormalizeKey(resource)
	resource = singularize(resource)
	if !strings.HasSuffix(resource, "_id") {
		resource += "_id"
	}
	return resource
}

func singularize(resource string) string {
	switch {
	case strings.HasSuffix(resource, "ies"):
		return resource[:len(resource)-3] + "y"
	case strings.HasSuffix(resource, "ses"):
		return resource[:len(resource)-2]
	case strings.HasSuffix(resource, "s") && !strings.HasSuffix(resource, "ss"):
		return resource[:len(resource)-1]
	}
	return resource
}

// tokenKeys are leaf keys bound as auth material; a bare "token" normalizes
// to auth_token.
var tokenKeys = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"auth_token":    {},
	"refresh_token": {},
	"api_key":       {},
	"jwt":           {},
	"bearer":        {},
}

// statusKeys are leaf keys bound verbatim for state naming.
var statusKeys = map[string]struct{}{
	"status":    {},
	"state":     {},
	"completed": {},
	"active":    {},
	"verified":  {},
	"deleted":   {},
	"pending":   {},
}

type flatItem struct {
	path  string
	value any
}

// flattenResponse walks nested objects depth-first. For arrays, only
// elements that are objects are descended, and only the first of them: one
// representative example is enough for context purposes.
func flattenResponse(data map[string]any, prefix string) []flatItem {
	var items []flatItem
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := data[key]
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			items = append(items, flattenResponse(v, full)...)
		case []any:
			for i, item := range v {
				obj, ok := item.(map[string]any)
				if !ok {
					continue
				}
				items = append(items, flattenResponse(obj, fmt.Sprintf("%s[%d]", full, i))...)
				break
			}
		default:
			items = append(items, flatItem{path: full, value: value})
		}
	}
	return items
}

// ExtractContextFromResponse inspects a response body and binds IDs, tokens
// and status flags into the context.
//
// Rules, per leaf key: a bare "id" binds under a key inferred from the
// endpoint (a root-level "id" also binds under "id"); keys ending in _id/Id
// bind under their snake_case form; token keys bind under their canonical
// auth key; status keys bind verbatim. Null values are never bound.
func ExtractContextFromResponse(response map[string]any, endpoint string, ctx *Context) *Context {
	if ctx == nil {
		ctx = NewContext()
	}
	if response == nil {
		return ctx
	}

	for _, item := range flattenResponse(response, "") {
		parts := strings.Split(strings.ReplaceAll(strings.ReplaceAll(item.path, "[", "."), "]", ""), ".")
		leaf := parts[len(parts)-1]

		if item.value == nil {
			continue
		}

		switch {
		case leaf == "id":
			if key := inferContextKeyFromEndpoint(endpoint); key != "" {
				ctx.Set(key, item.value)
			}
			if !strings.ContainsAny(item.path, ".[") {
				ctx.Set("id", item.value)
			}
		case strings.HasSuffix(leaf, "_id") || strings.HasSuffix(leaf, "Id"):
			ctx.Set(NormalizeKey(leaf), item.value)
		default:
			if _, ok := tokenKeys[leaf]; ok {
				if leaf == "token" {
					ctx.Set("auth_token", item.value)
				} else {
					ctx.Set(NormalizeKey(leaf), item.value)
				}
				continue
			}
			if _, ok := statusKeys[leaf]; ok {
				ctx.Set(leaf, item.value)
			}
		}
	}

	if id, ok := response["id"]; ok && id != nil {
		if key := inferContextKeyFromEndpoint(endpoint); key != "" {
			ctx.Set(key, id)
		}
	}

	return ctx
}

// SubstitutePathParams replaces every {placeholder} in the endpoint template
// with a bound context value. Lookup order per placeholder: exact key,
// snake_case form, snake_case + "_id", and for the literal "id" the
// entity-type key inferred from the endpoint, then "id" itself.
//
// The second return is false when any placeholder cannot be resolved; the
// caller must skip the action in that case.
func SubstitutePathParams(endpoint string, ctx *Context) (string, bool) {
	result := endpoint
	for _, match := range placeholderRe.FindAllStringSubmatch(endpoint, -1) {
		placeholder := match[1]
		var value any

		switch {
		case ctx.Has(placeholder):
			value = ctx.Get(placeholder)
		case ctx.Has(NormalizeKey(placeholder)):
			value = ctx.Get(NormalizeKey(placeholder))
		case !strings.HasSuffix(placeholder, "Id") && !strings.HasSuffix(placeholder, "_id"):
			if key := NormalizeKey(placeholder) + "_id"; ctx.Has(key) {
				value = ctx.Get(key)
			}
		}

		if value == nil && strings.EqualFold(placeholder, "id") {
			if key := inferContextKeyFromEndpoint(endpoint); key != "" && ctx.Has(key) {
				value = ctx.Get(key)
			} else if ctx.Has("id") {
				value = ctx.Get("id")
			}
		}

		if value == nil {
			return "", false
		}
		result = strings.ReplaceAll(result, "{"+placeholder+"}", fmt.Sprintf("%v", value))
	}
	return result, true
}

// HasUnresolvedPlaceholders reports whether the endpoint still contains
// {param} segments.
func HasUnresolvedPlaceholders(endpoint string) bool {
	return anyBracesRe.MatchString(endpoint)
}

// RequiredPlaceholders lists the placeholder names in an endpoint template.
func RequiredPlaceholders(endpoint string) []string {
	matches := placeholderRe.FindAllStringSubmatch(endpoint, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// CanResolveEndpoint reports whether every placeholder in the endpoint is
// covered by the context.
func CanResolveEndpoint(endpoint string, ctx *Context) bool {
	_, ok := SubstitutePathParams(endpoint, ctx)
	return ok
}

// resourceNameOrder fixes the order of resource segments in state names.
var resourceNameOrder = []struct {
	key   string
	label string
}{
	{"order_id", "Order"},
	{"todo_id", "Todo"},
	{"item_id", "Item"},
	{"product_id", "Product"},
	{"cart_id", "Cart"},
	{"attachment_id", "Attachment"},
	{"file_id", "File"},
	{"comment_id", "Comment"},
	{"post_id", "Post"},
}

var statusFlagOrder = []struct {
	key   string
	label string
}{
	{"completed", "Completed"},
	{"active", "Active"},
	{"verified", "Verified"},
	{"deleted", "Deleted"},
	{"pending", "Pending"},
}

// GenerateStateName produces a human-readable label for the state a branch
// is in: auth status, user id, known resource ids in a fixed order, then
// status flags sourced from the response first and the context second.
//
// Examples: "Anonymous", "Anonymous | Todo:42 | Completed",
// "Authenticated | User:5 | Order:9".
func GenerateStateName(ctx *Context, response map[string]any) string {
	var parts []string

	if ctx.Get("auth_token") != nil || ctx.Get("access_token") != nil {
		parts = append(parts, "Authenticated")
	} else {
		parts = append(parts, "Anonymous")
	}

	if userID := ctx.Get("user_id"); userID != nil {
		parts = append(parts, fmt.Sprintf("User:%v", userID))
	}

	for _, res := range resourceNameOrder {
		if v := ctx.Get(res.key); v != nil {
			parts = append(parts, fmt.Sprintf("%s:%v", res.label, v))
		}
	}

	for _, flag := range statusFlagOrder {
		var value any
		if response != nil {
			value = response[flag.key]
		}
		if value == nil {
			value = ctx.Get(flag.key)
		}
		if b, ok := value.(bool); ok && b {
			parts = append(parts, flag.label)
		}
	}

	var status any
	if response != nil {
		status = response["status"]
	}
	if status == nil {
		status = ctx.Get("status")
	}
	if s, ok := status.(string); ok && s != "" {
		parts = append(parts, capitalize(s))
	}

	return strings.Join(parts, " | ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
