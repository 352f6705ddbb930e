package explorer

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	postman "github.com/rbretecher/go-postman-collection"
)

// ParsePostmanCollection discovers seed Actions from a Postman collection
// v2.x. Folders are walked recursively; raw JSON bodies decode into the
// action body, other body modes are skipped. The same include/exclude
// filtering as OpenAPI discovery applies.
func (d *Discoverer) ParsePostmanCollection(r io.Reader) ([]Action, error) {
	collection, err := postman.ParseCollection(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postman collection: %w", err)
	}

	var actions []Action
	d.collectPostmanItems(collection.Items, &actions)
	return actions, nil
}

func (d *Discoverer) collectPostmanItems(items []*postman.Items, actions *[]Action) {
	for _, item := range items {
		if item.IsGroup() {
			d.collectPostmanItems(item.Items, actions)
			continue
		}
		if item.Request == nil {
			continue
		}
		req := item.Request

		endpoint := ""
		if req.URL != nil {
			endpoint = d.normalizeEndpoint(req.URL.Raw)
		}
		if endpoint == "" || !d.shouldIncludeEndpoint(endpoint) {
			continue
		}

		action := Action{
			Method:      upperMethod(string(req.Method)),
			Endpoint:    endpoint,
			Description: item.Name,
		}

		if req.Body != nil && req.Body.Mode == "raw" && req.Body.Raw != "" {
			var body any
			if err := json.Unmarshal([]byte(req.Body.Raw), &body); err == nil {
				action.Body = body
			}
		}

		for _, header := range req.Header {
			if header == nil || header.Key == "" {
				continue
			}
			if strings.EqualFold(header.Key, "content-type") {
				continue
			}
			if action.Headers == nil {
				action.Headers = map[string]string{}
			}
			action.Headers[header.Key] = header.Value
		}

		*actions = append(*actions, action)
		d.record(action)
	}
}
