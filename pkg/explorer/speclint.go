package explorer

import (
	"fmt"

	"github.com/pb33f/libopenapi"
	v3 "github.com/pb33f/libopenapi/datamodel/high/v3"
)

// SpecLintReport summarizes a pre-flight check of a specification document.
type SpecLintReport struct {
	Version    string   `json:"version"`
	Paths      int      `json:"paths"`
	Operations int      `json:"operations"`
	Warnings   []string `json:"warnings,omitempty"`
}

// LintSpec builds the high-level OpenAPI model for a spec document and
// reports version, path and operation counts. It is a diagnostic aid for
// callers before exploration; the discoverer's own parser is authoritative
// and degrades gracefully where this lint reports warnings.
func LintSpec(content []byte) (*SpecLintReport, error) {
	document, err := libopenapi.NewDocument(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse spec document: %w", err)
	}

	model, err := document.BuildV3Model()
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenAPI v3 model: %w", err)
	}

	report := &SpecLintReport{Version: model.Model.Info.Version}

	if model.Model.Paths == nil {
		report.Warnings = append(report.Warnings, "spec declares no paths")
		return report, nil
	}

	for pair := model.Model.Paths.PathItems.First(); pair != nil; pair = pair.Next() {
		path := pair.Key()
		pathItem := pair.Value()
		report.Paths++

		ops := map[string]*v3.Operation{
			"GET":     pathItem.Get,
			"POST":    pathItem.Post,
			"PUT":     pathItem.Put,
			"DELETE":  pathItem.Delete,
			"PATCH":   pathItem.Patch,
			"HEAD":    pathItem.Head,
			"OPTIONS": pathItem.Options,
		}
		for method, op := range ops {
			if op == nil {
				continue
			}
			report.Operations++
			if op.Responses == nil || op.Responses.Codes == nil || op.Responses.Codes.Len() == 0 {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("%s %s declares no responses", method, path))
			}
		}
	}

	return report, nil
}
