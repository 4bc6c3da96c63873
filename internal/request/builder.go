// Package request turns a project's metadata and the extraction template into
// a submittable export payload. Build is a pure function: no I/O, no clock,
// and the shared template is never mutated.
package request

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hotosm/tm-extractor/internal/template"
	"github.com/hotosm/tm-extractor/internal/types"
)

// Policy controls how a project's mapping types prune the template categories.
type Policy string

const (
	// PolicyStrict submits only the categories named by the project's
	// mapping types.
	PolicyStrict Policy = "strict"
	// PolicyAll submits every configured category regardless of mapping types.
	PolicyAll Policy = "all"
)

// ParsePolicy maps a config/flag value onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyStrict, PolicyAll:
		return Policy(s), nil
	case "":
		return PolicyStrict, nil
	}
	return "", fmt.Errorf("unknown category policy %q (want %q or %q)", s, PolicyStrict, PolicyAll)
}

// ValidationError reports a request that could not be constructed for one
// project. The project is skipped and recorded; no partial request is ever
// produced.
type ValidationError struct {
	ProjectID int
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("project %d: invalid %s: %s", e.ProjectID, e.Field, e.Reason)
}

// DatasetPrefix returns the stable slug that namespaces a project's exported
// files. Distinct project ids always yield distinct prefixes.
func DatasetPrefix(projectID int) string {
	return fmt.Sprintf("hotosm_project_%d", projectID)
}

// DatasetTitle returns the human-readable dataset title for a project.
func DatasetTitle(project types.Project) string {
	if project.Title != "" {
		return project.Title
	}
	return fmt.Sprintf("Tasking Manager Project %d", project.ID)
}

// Build merges one project's metadata into a deep copy of the extraction
// template and returns the per-project payload. The template argument is
// read-only; repeated calls with the same inputs yield identical payloads.
func Build(tpl *template.Template, project types.Project, policy Policy) (*template.Template, error) {
	if project.ID <= 0 {
		return nil, &ValidationError{ProjectID: project.ID, Field: "project_id", Reason: "must be a positive integer"}
	}
	if !hasGeometry(project.Geometry) {
		return nil, &ValidationError{ProjectID: project.ID, Field: "geometry", Reason: "project has no boundary"}
	}

	payload := tpl.Clone()
	payload.Geometry = append(json.RawMessage(nil), project.Geometry...)
	payload.Dataset.Prefix = DatasetPrefix(project.ID)
	payload.Dataset.Title = DatasetTitle(project)

	if policy == PolicyStrict {
		payload.Categories = filterCategories(payload.Categories, project.MappingTypes)
		if len(payload.Categories) == 0 {
			return nil, &ValidationError{
				ProjectID: project.ID,
				Field:     "categories",
				Reason:    fmt.Sprintf("no template category matches mapping types %v", project.MappingTypes),
			}
		}
	}
	if len(payload.Categories) == 0 {
		return nil, &ValidationError{ProjectID: project.ID, Field: "categories", Reason: "template has no categories"}
	}

	return payload, nil
}

// filterCategories keeps the categories named by the project's mapping types,
// preserving template order so repeated builds stay byte-identical.
func filterCategories(categories []template.Category, mappingTypes []types.MappingType) []template.Category {
	wanted := make(map[string]bool, len(mappingTypes))
	for _, mt := range mappingTypes {
		wanted[mt] = true
	}

	kept := categories[:0]
	for _, cat := range categories {
		if wanted[cat.Name()] {
			kept = append(kept, cat)
		}
	}
	return kept
}

func hasGeometry(g json.RawMessage) bool {
	trimmed := bytes.TrimSpace(g)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
