package explorer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

var quotedPlaceholderRe = regexp.MustCompile(`\\\{\w+\\\}`)

// schemaIndex matches concrete endpoints back to the template endpoints the
// schemas were captured under: /todos/42 matches /todos/{todoId}.
type schemaIndex struct {
	keys     []string
	patterns map[string]*regexp.Regexp
	schemas  map[string]map[string]any
}

func newSchemaIndex(schemas map[string]map[string]any) *schemaIndex {
	idx := &schemaIndex{
		patterns: make(map[string]*regexp.Regexp, len(schemas)),
		schemas:  schemas,
	}
	for key := range schemas {
		idx.keys = append(idx.keys, key)
		parts := strings.SplitN(key, " ", 2)
		if len(parts) != 2 {
			continue
		}
		// QuoteMeta escapes the braces, so match the escaped placeholder form.
		pattern := "^" + quotedPlaceholderRe.ReplaceAllString(regexp.QuoteMeta(parts[1]), `[^/]+`) + "$"
		if re, err := regexp.Compile(pattern); err == nil {
			idx.patterns[key] = re
		}
	}
	sort.Strings(idx.keys)
	return idx
}

func (idx *schemaIndex) lookup(method, endpoint string) (map[string]any, bool) {
	if schema, ok := idx.schemas[method+" "+endpoint]; ok {
		return schema, true
	}
	for _, key := range idx.keys {
		if !strings.HasPrefix(key, method+" ") {
			continue
		}
		if re, ok := idx.patterns[key]; ok && re.MatchString(endpoint) {
			return idx.schemas[key], true
		}
	}
	return nil, false
}

// CheckConformance validates the bodies of successful transitions against
// the response schemas captured during discovery and returns one issue per
// mismatch. Schema violations are informational: the API answered, it just
// did not answer what its spec promised.
func CheckConformance(graph *StateGraph, schemas map[string]map[string]any) []Issue {
	if len(schemas) == 0 {
		return nil
	}
	index := newSchemaIndex(schemas)

	var issues []Issue
	for _, transition := range graph.Transitions {
		if !transition.Success || transition.Response == nil {
			continue
		}
		schema, ok := index.lookup(transition.Action.Method, transition.Action.Endpoint)
		if !ok {
			continue
		}

		result, err := gojsonschema.Validate(
			gojsonschema.NewGoLoader(schema),
			gojsonschema.NewGoLoader(transition.Response),
		)
		if err != nil {
			action := transition.Action
			issues = append(issues, Issue{
				Severity:     SeverityInfo,
				State:        transition.FromState,
				Action:       &action,
				Error:        fmt.Sprintf("Could not validate response of %s %s: %v", action.Method, action.Endpoint, err),
				Category:     "conformance",
				DiscoveredAt: time.Now(),
			})
			continue
		}
		if result.Valid() {
			continue
		}

		for _, desc := range result.Errors() {
			action := transition.Action
			issues = append(issues, Issue{
				Severity:     SeverityLow,
				State:        transition.FromState,
				Action:       &action,
				Error:        fmt.Sprintf("Response of %s %s does not match its schema: %s", action.Method, action.Endpoint, desc.String()),
				Suggestion:   "Update the spec or fix the handler so documented and actual responses agree",
				Category:     "conformance",
				ResponseData: transition.Response,
				DiscoveredAt: time.Now(),
			})
		}
	}
	return issues
}
