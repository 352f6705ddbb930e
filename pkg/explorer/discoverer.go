package explorer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidSpec is returned when the top level of a specification is
// missing or malformed. Everything below the top level degrades gracefully.
var ErrInvalidSpec = errors.New("invalid OpenAPI spec")

// httpMethods is the fixed iteration order for path item operations.
var httpMethods = []string{"get", "post", "put", "delete", "patch", "head", "options"}

var validSeedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "DELETE": {}, "PATCH": {}, "HEAD": {}, "OPTIONS": {},
}

// Discoverer extracts API endpoints as seed Actions from OpenAPI 3.x /
// Swagger 2.0 specifications and seed endpoint lists. It caches the spec's
// components section for cycle-safe $ref resolution and synthesizes example
// values from schemas.
type Discoverer struct {
	baseURL string
	config  ExplorationConfig

	actions         []Action
	actionKeys      map[string]struct{}
	endpoints       map[string]struct{}
	components      map[string]any
	securitySchemes map[string]any
	authTypes       map[string]string
	responseSchemas map[string]map[string]any
}

// NewDiscoverer creates a discoverer for the given base URL.
func NewDiscoverer(baseURL string, config ExplorationConfig) *Discoverer {
	return &Discoverer{
		baseURL:         strings.TrimRight(baseURL, "/"),
		config:          config,
		actionKeys:      make(map[string]struct{}),
		endpoints:       make(map[string]struct{}),
		components:      make(map[string]any),
		securitySchemes: make(map[string]any),
		authTypes:       make(map[string]string),
		responseSchemas: make(map[string]map[string]any),
	}
}

// ParseOpenAPISpec parses a specification and returns one Action per
// (path, method) pair. The spec may be a decoded map, a JSON or YAML string
// or byte slice, or a path to a .json/.yaml/.yml file.
func (d *Discoverer) ParseOpenAPISpec(spec any) ([]Action, error) {
	doc, err := d.loadSpec(spec)
	if err != nil {
		return nil, err
	}

	version, hasOpenAPI := doc["openapi"]
	if !hasOpenAPI {
		version, hasOpenAPI = doc["swagger"]
	}
	if !hasOpenAPI || version == nil || fmt.Sprintf("%v", version) == "" {
		return nil, fmt.Errorf("%w: missing 'openapi' or 'swagger' field", ErrInvalidSpec)
	}

	// The $ref scratchpad is rebuilt for every document.
	d.components, _ = doc["components"].(map[string]any)
	if d.components == nil {
		d.components = make(map[string]any)
	}
	d.securitySchemes, _ = d.components["securitySchemes"].(map[string]any)
	if d.securitySchemes == nil {
		d.securitySchemes = make(map[string]any)
	}

	paths, _ := doc["paths"].(map[string]any)
	if len(paths) == 0 {
		return nil, nil
	}

	globalSecurity, _ := doc["security"].([]any)

	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	var actions []Action
	for _, path := range pathKeys {
		pathItem, ok := paths[path].(map[string]any)
		if !ok {
			continue
		}

		normalized := d.normalizeEndpoint(path)
		if !d.shouldIncludeEndpoint(normalized) {
			continue
		}

		pathParams, _ := pathItem["parameters"].([]any)

		for _, method := range httpMethods {
			operation, ok := pathItem[method].(map[string]any)
			if !ok {
				continue
			}
			action := d.parseOperation(strings.ToUpper(method), normalized, operation, pathParams, globalSecurity)
			actions = append(actions, action)
			d.record(action)
		}
	}

	return actions, nil
}

func (d *Discoverer) record(action Action) {
	key := action.Key()
	if _, ok := d.actionKeys[key]; !ok {
		d.actionKeys[key] = struct{}{}
		d.actions = append(d.actions, action)
	}
	d.endpoints[action.Endpoint] = struct{}{}
}

// loadSpec accepts a decoded map, raw bytes/string (JSON or YAML), or a
// file path. File extensions .yaml/.yml parse as YAML, everything else as
// JSON.
func (d *Discoverer) loadSpec(spec any) (map[string]any, error) {
	switch v := spec.(type) {
	case map[string]any:
		return v, nil
	case []byte:
		return parseSpecBytes(v, "")
	case string:
		if info, err := os.Stat(v); err == nil && !info.IsDir() {
			content, err := os.ReadFile(v)
			if err != nil {
				return nil, fmt.Errorf("failed to read spec file: %w", err)
			}
			return parseSpecBytes(content, filepath.Ext(v))
		}
		return parseSpecBytes([]byte(v), "")
	}
	return nil, fmt.Errorf("%w: unsupported spec type %T", ErrInvalidSpec, spec)
}

func parseSpecBytes(content []byte, ext string) (map[string]any, error) {
	ext = strings.ToLower(ext)
	if ext == ".yaml" || ext == ".yml" {
		var doc map[string]any
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		return normalizeYAMLMap(doc), nil
	}

	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err == nil {
		return doc, nil
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON or YAML", ErrInvalidSpec)
	}
	return normalizeYAMLMap(doc), nil
}

// normalizeYAMLMap stringifies non-string map keys (YAML response codes like
// 200 decode as ints) so the whole document walks as map[string]any.
func normalizeYAMLMap(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return normalizeYAMLMap(value)
	case map[any]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = normalizeYAMLValue(item)
		}
		return out
	}
	return v
}

// parseOperation builds one Action from an OpenAPI operation: merged and
// resolved parameters split into path/query/header/cookie buckets, an
// example request body, and the inferred auth requirement.
func (d *Discoverer) parseOperation(method, path string, operation map[string]any, pathParams []any, globalSecurity []any) Action {
	description := stringOr(operation["summary"], stringOr(operation["description"], ""))
	if len(description) > 200 {
		description = description[:197] + "..."
	}
	if description == "" {
		description = stringOr(operation["operationId"], "")
	}

	raw := append(append([]any{}, pathParams...), listOr(operation["parameters"])...)
	var params []map[string]any
	for _, p := range raw {
		if m, ok := p.(map[string]any); ok {
			params = append(params, d.resolveParameter(m))
		}
	}

	pathParamValues := map[string]any{}
	queryParams := map[string]any{}
	cookieParams := map[string]any{}
	headers := map[string]string{}

	for _, param := range params {
		name := stringOr(param["name"], "")
		if name == "" {
			continue
		}
		switch stringOr(param["in"], "") {
		case "path":
			pathParamValues[name] = d.paramExampleValue(param)
		case "query":
			if value := d.paramExampleValue(param); value != nil {
				queryParams[name] = value
			} else if boolOr(param["required"]) {
				schema, _ := param["schema"].(map[string]any)
				queryParams[name] = d.buildExampleFromSchema(schema, nil)
			}
		case "cookie":
			if value := d.paramExampleValue(param); value != nil {
				cookieParams[name] = value
			}
		case "header":
			lower := strings.ToLower(name)
			if lower == "authorization" || lower == "content-type" || lower == "accept" {
				continue
			}
			if value := d.paramExampleValue(param); value != nil {
				headers[name] = fmt.Sprintf("%v", value)
			} else if boolOr(param["required"]) {
				schema, _ := param["schema"].(map[string]any)
				if example := d.buildExampleFromSchema(schema, nil); example != nil {
					headers[name] = fmt.Sprintf("%v", example)
				}
			}
		}
	}

	if len(cookieParams) > 0 {
		names := make([]string, 0, len(cookieParams))
		for n := range cookieParams {
			names = append(names, n)
		}
		sort.Strings(names)
		pairs := make([]string, 0, len(names))
		for _, n := range names {
			pairs = append(pairs, fmt.Sprintf("%s=%v", n, cookieParams[n]))
		}
		headers["Cookie"] = strings.Join(pairs, "; ")
	}

	var body any
	if requestBody, ok := operation["requestBody"].(map[string]any); ok {
		if ref, hasRef := requestBody["$ref"].(string); hasRef {
			requestBody = d.resolveRef(ref)
		}
		if method == "POST" || method == "PUT" || method == "PATCH" {
			body = d.extractRequestBodyExample(requestBody)
		}
	}

	// Operation-level security overrides global; an explicit empty list
	// means no auth.
	security := globalSecurity
	if opSecurity, declared := operation["security"]; declared {
		security, _ = opSecurity.([]any)
	}
	requiresAuth := len(security) > 0
	if requiresAuth {
		d.authTypes[method+" "+path] = d.authTypeFor(security)
	}

	d.captureResponseSchema(method, path, operation)

	if len(pathParamValues) > 0 {
		queryParams[PathParamsKey] = pathParamValues
	}
	if len(queryParams) == 0 {
		queryParams = nil
	}
	if len(headers) == 0 {
		headers = nil
	}

	return Action{
		Method:       method,
		Endpoint:     path,
		Params:       queryParams,
		Body:         body,
		Headers:      headers,
		Description:  description,
		RequiresAuth: requiresAuth,
	}
}

// authTypeFor returns the type of the first declared security scheme.
func (d *Discoverer) authTypeFor(security []any) string {
	for _, req := range security {
		m, ok := req.(map[string]any)
		if !ok {
			continue
		}
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if scheme, ok := d.securitySchemes[name].(map[string]any); ok {
				return stringOr(scheme["type"], "unknown")
			}
			return "unknown"
		}
	}
	return ""
}

// AuthTypeFor reports the security scheme type inferred for an operation,
// keyed "METHOD /path".
func (d *Discoverer) AuthTypeFor(method, path string) string {
	return d.authTypes[strings.ToUpper(method)+" "+path]
}

// captureResponseSchema remembers the resolved application/json schema of
// the first 2xx response, for post-run conformance checking.
func (d *Discoverer) captureResponseSchema(method, path string, operation map[string]any) {
	responses, ok := operation["responses"].(map[string]any)
	if !ok {
		return
	}
	codes := make([]string, 0, len(responses))
	for code := range responses {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if len(code) != 3 || code[0] != '2' {
			continue
		}
		response, ok := responses[code].(map[string]any)
		if !ok {
			continue
		}
		if ref, hasRef := response["$ref"].(string); hasRef {
			response = d.resolveRef(ref)
		}
		content, _ := response["content"].(map[string]any)
		media, _ := content["application/json"].(map[string]any)
		schema, _ := media["schema"].(map[string]any)
		if schema == nil {
			continue
		}
		if ref, hasRef := schema["$ref"].(string); hasRef {
			schema = d.resolveRef(ref)
		}
		if len(schema) > 0 {
			d.responseSchemas[method+" "+path] = schema
		}
		return
	}
}

// ResponseSchemas returns the captured 2xx response schemas keyed
// "METHOD /path".
func (d *Discoverer) ResponseSchemas() map[string]map[string]any {
	return d.responseSchemas
}

// paramExampleValue extracts an example from a parameter: a direct example,
// the first of its examples collection, then the schema's default, example,
// or a synthesized value.
func (d *Discoverer) paramExampleValue(param map[string]any) any {
	if example, ok := param["example"]; ok {
		return example
	}
	if examples, ok := param["examples"].(map[string]any); ok && len(examples) > 0 {
		names := make([]string, 0, len(examples))
		for name := range examples {
			names = append(names, name)
		}
		sort.Strings(names)
		if first, ok := examples[names[0]].(map[string]any); ok {
			if value, ok := first["value"]; ok {
				return value
			}
		}
	}

	schema, _ := param["schema"].(map[string]any)
	if len(schema) == 0 {
		return nil
	}
	if ref, ok := schema["$ref"].(string); ok {
		schema = d.resolveRef(ref)
	}
	if def, ok := schema["default"]; ok {
		return def
	}
	if example, ok := schema["example"]; ok {
		return example
	}
	return d.buildExampleFromSchema(schema, nil)
}

// contentTypePriority orders request body content types.
var contentTypePriority = []string{
	"application/json",
	"application/x-www-form-urlencoded",
	"multipart/form-data",
	"text/plain",
}

// extractRequestBodyExample picks the best content type, then an explicit
// example, the first of examples, or a synthesized value from the schema.
func (d *Discoverer) extractRequestBodyExample(requestBody map[string]any) any {
	content, _ := requestBody["content"].(map[string]any)
	if len(content) == 0 {
		return nil
	}

	var selected map[string]any
	var selectedType string
	for _, ct := range contentTypePriority {
		if media, ok := content[ct].(map[string]any); ok {
			selected = media
			selectedType = ct
			break
		}
	}
	if selected == nil {
		types := make([]string, 0, len(content))
		for ct := range content {
			types = append(types, ct)
		}
		sort.Strings(types)
		for _, ct := range types {
			if media, ok := content[ct].(map[string]any); ok {
				selected = media
				selectedType = ct
				break
			}
		}
	}
	if selected == nil {
		return nil
	}

	if example, ok := selected["example"]; ok {
		return example
	}
	if examples, ok := selected["examples"].(map[string]any); ok && len(examples) > 0 {
		names := make([]string, 0, len(examples))
		for name := range examples {
			names = append(names, name)
		}
		sort.Strings(names)
		if first, ok := examples[names[0]].(map[string]any); ok {
			if value, ok := first["value"]; ok {
				return value
			}
		}
	}

	schema, _ := selected["schema"].(map[string]any)
	if len(schema) == 0 {
		return nil
	}
	if ref, ok := schema["$ref"].(string); ok {
		schema = d.resolveRef(ref)
	}
	result := d.buildExampleFromSchema(schema, nil)

	if selectedType == "application/x-www-form-urlencoded" || selectedType == "multipart/form-data" {
		if _, isMap := result.(map[string]any); !isMap {
			return map[string]any{"data": result}
		}
	}
	return result
}

// resolveRef follows a local JSON pointer ("#/components/...") through the
// cached components tree. External refs and missing targets resolve to an
// empty schema, never an error.
func (d *Discoverer) resolveRef(ref string) map[string]any {
	if !strings.HasPrefix(ref, "#/") {
		return map[string]any{}
	}
	var current any = map[string]any{"components": d.components}
	for _, part := range strings.Split(ref[2:], "/") {
		node, ok := current.(map[string]any)
		if !ok {
			return map[string]any{}
		}
		current, ok = node[part]
		if !ok {
			return map[string]any{}
		}
	}
	if resolved, ok := current.(map[string]any); ok {
		return resolved
	}
	return map[string]any{}
}

func (d *Discoverer) resolveParameter(param map[string]any) map[string]any {
	if ref, ok := param["$ref"].(string); ok {
		if resolved := d.resolveRef(ref); len(resolved) > 0 {
			return resolved
		}
	}
	return param
}

// stringFormatExamples is the fixed table for string format synthesis.
var stringFormatExamples = map[string]string{
	"email":     "user@example.com",
	"date":      "2024-01-01",
	"date-time": "2024-01-01T00:00:00Z",
	"uuid":      "123e4567-e89b-12d3-a456-426614174000",
	"uri":       "https://example.com",
	"url":       "https://example.com",
	"hostname":  "example.com",
	"ipv4":      "192.168.1.1",
	"ipv6":      "::1",
	"password":  "password123",
	"byte":      "dGVzdA==",
	"binary":    "binary_data",
	"time":      "12:00:00",
	"duration":  "P1D",
}

// buildExampleFromSchema synthesizes an example value for a schema.
// Precedence: explicit example, $ref (cycle-safe), allOf merge, oneOf/anyOf
// first option, default, first enum value, then type-based synthesis. A
// missing type is inferred from properties/items.
func (d *Discoverer) buildExampleFromSchema(schema map[string]any, visited map[string]struct{}) any {
	if schema == nil {
		return map[string]any{}
	}
	if visited == nil {
		visited = make(map[string]struct{})
	}

	if example, ok := schema["example"]; ok {
		return example
	}

	if ref, ok := schema["$ref"].(string); ok {
		if _, seen := visited[ref]; seen {
			return map[string]any{}
		}
		branch := make(map[string]struct{}, len(visited)+1)
		for k := range visited {
			branch[k] = struct{}{}
		}
		branch[ref] = struct{}{}
		if resolved := d.resolveRef(ref); len(resolved) > 0 {
			return d.buildExampleFromSchema(resolved, branch)
		}
		return map[string]any{}
	}

	if allOf, ok := schema["allOf"].([]any); ok {
		result := map[string]any{}
		for _, sub := range allOf {
			subSchema, ok := sub.(map[string]any)
			if !ok {
				continue
			}
			if subExample, ok := d.buildExampleFromSchema(subSchema, visited).(map[string]any); ok {
				for k, v := range subExample {
					result[k] = v
				}
			}
		}
		return result
	}
	if oneOf, ok := schema["oneOf"].([]any); ok && len(oneOf) > 0 {
		if sub, ok := oneOf[0].(map[string]any); ok {
			return d.buildExampleFromSchema(sub, visited)
		}
	}
	if anyOf, ok := schema["anyOf"].([]any); ok && len(anyOf) > 0 {
		if sub, ok := anyOf[0].(map[string]any); ok {
			return d.buildExampleFromSchema(sub, visited)
		}
	}

	schemaType := stringOr(schema["type"], "")
	if schemaType == "" {
		if _, ok := schema["properties"]; ok {
			schemaType = "object"
		} else if _, ok := schema["items"]; ok {
			schemaType = "array"
		} else if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
			return enum[0]
		} else {
			schemaType = "object"
		}
	}

	switch schemaType {
	case "object":
		result := map[string]any{}
		properties, _ := schema["properties"].(map[string]any)
		names := make([]string, 0, len(properties))
		for name := range properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if propSchema, ok := properties[name].(map[string]any); ok {
				result[name] = d.buildExampleFromSchema(propSchema, visited)
			}
		}
		if len(properties) == 0 {
			if addProps, ok := schema["additionalProperties"].(map[string]any); ok {
				result["additionalProp1"] = d.buildExampleFromSchema(addProps, visited)
			}
		}
		return result

	case "array":
		if items, ok := schema["items"].(map[string]any); ok && len(items) > 0 {
			return []any{d.buildExampleFromSchema(items, visited)}
		}
		return []any{}

	case "string":
		if def, ok := schema["default"]; ok {
			return def
		}
		if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
			return enum[0]
		}
		if example, ok := stringFormatExamples[stringOr(schema["format"], "")]; ok {
			return example
		}
		if minLength, ok := toInt(schema["minLength"]); ok && minLength > 0 {
			return strings.Repeat("x", minLength)
		}
		return "string"

	case "integer":
		if def, ok := schema["default"]; ok {
			return def
		}
		if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
			return enum[0]
		}
		if minimum, ok := toInt(schema["minimum"]); ok {
			return minimum
		}
		if exclusiveMin, ok := toInt(schema["exclusiveMinimum"]); ok {
			return exclusiveMin + 1
		}
		return 0

	case "number":
		if def, ok := schema["default"]; ok {
			return def
		}
		if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
			return enum[0]
		}
		if minimum, ok := toFloat(schema["minimum"]); ok {
			return minimum
		}
		if exclusiveMin, ok := toFloat(schema["exclusiveMinimum"]); ok {
			return exclusiveMin + 0.1
		}
		return 0.0

	case "boolean":
		if def, ok := schema["default"]; ok {
			return def
		}
		return true

	case "null":
		return nil
	}

	return nil
}

// AddSeedEndpoints registers (method, path) pairs as discovered actions.
// Invalid methods are skipped; paths are normalized and pattern-filtered.
func (d *Discoverer) AddSeedEndpoints(endpoints [][2]string) {
	for _, pair := range endpoints {
		method := strings.ToUpper(pair[0])
		if _, ok := validSeedMethods[method]; !ok {
			continue
		}
		path := d.normalizeEndpoint(pair[1])
		if !d.shouldIncludeEndpoint(path) {
			continue
		}
		d.record(Action{Method: method, Endpoint: path})
	}
}

// shouldIncludeEndpoint applies the configured regexes: any exclusion match
// removes the endpoint; when inclusions are configured at least one must
// match. Patterns anchor at the start of the path.
func (d *Discoverer) shouldIncludeEndpoint(endpoint string) bool {
	for _, pattern := range d.config.ExcludePatterns {
		if matchAnchored(pattern, endpoint) {
			return false
		}
	}
	if len(d.config.IncludePatterns) > 0 {
		for _, pattern := range d.config.IncludePatterns {
			if matchAnchored(pattern, endpoint) {
				return true
			}
		}
		return false
	}
	return true
}

func matchAnchored(pattern, s string) bool {
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// normalizeEndpoint strips the base URL and query string, ensures a leading
// slash and drops a trailing one.
func (d *Discoverer) normalizeEndpoint(endpoint string) string {
	if d.baseURL != "" && strings.HasPrefix(endpoint, d.baseURL) {
		endpoint = endpoint[len(d.baseURL):]
	}
	endpoint = strings.SplitN(endpoint, "?", 2)[0]
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	if endpoint != "/" {
		endpoint = strings.TrimRight(endpoint, "/")
	}
	return endpoint
}

// DiscoveredActions returns all recorded actions.
func (d *Discoverer) DiscoveredActions() []Action {
	return append([]Action(nil), d.actions...)
}

// EndpointCount returns the number of unique endpoints seen.
func (d *Discoverer) EndpointCount() int {
	return len(d.endpoints)
}

// Clear drops all discovery state.
func (d *Discoverer) Clear() {
	d.actions = nil
	d.actionKeys = make(map[string]struct{})
	d.endpoints = make(map[string]struct{})
	d.components = make(map[string]any)
	d.securitySchemes = make(map[string]any)
	d.authTypes = make(map[string]string)
	d.responseSchemas = make(map[string]map[string]any)
}

func listOr(v any) []any {
	list, _ := v.([]any)
	return list
}

func boolOr(v any) bool {
	b, _ := v.(bool)
	return b
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
