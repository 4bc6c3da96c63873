// Package template loads the static extraction-configuration document that
// every export request is derived from. The loaded template is treated as
// read-only; consumers work on deep copies so no request construction can
// leak state into another.
package template

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConfigError signals that the extraction template could not be loaded. It is
// fatal for a run: nothing can be submitted without a template.
type ConfigError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("invalid extraction template %q: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Rule describes one extraction category: which geometry kinds to extract,
// which attributes to retain, the tag filter, and the output formats.
type Rule struct {
	Types   []string `json:"types"`
	Select  []string `json:"select"`
	Where   string   `json:"where"`
	Formats []string `json:"formats"`
}

// Category is a single-key object mapping a category name to its rule, the
// shape the export service expects inside the categories array.
type Category map[string]Rule

// Name returns the category's single key, or "" for a malformed entry.
func (c Category) Name() string {
	for name := range c {
		return name
	}
	return ""
}

// Dataset names where exported files land:
// <folder>/<prefix>/<category>/<feature_type>/...
type Dataset struct {
	Prefix string `json:"dataset_prefix"`
	Folder string `json:"dataset_folder"`
	Title  string `json:"dataset_title"`
}

// Template is the extraction-configuration document. Geometry holds the
// placeholder boundary that gets replaced per project.
type Template struct {
	Geometry   json.RawMessage `json:"geometry"`
	Queue      string          `json:"queue,omitempty"`
	Dataset    Dataset         `json:"dataset"`
	Categories []Category      `json:"categories"`
}

// Load reads and validates an extraction template from path. The file must be
// valid JSON and carry the dataset and categories keys.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Reason: "cannot read file", Err: err}
	}
	return Parse(path, data)
}

// Parse validates raw template bytes. Split from Load so the HTTP surface can
// accept inline templates.
func Parse(path string, data []byte) (*Template, error) {
	// Probe top-level keys first: a typed unmarshal cannot distinguish an
	// absent key from an empty one.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ConfigError{Path: path, Reason: "not valid JSON", Err: err}
	}
	for _, key := range []string{"dataset", "categories"} {
		if _, ok := probe[key]; !ok {
			return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("missing required key %q", key)}
		}
	}

	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, &ConfigError{Path: path, Reason: "malformed template", Err: err}
	}
	if len(tpl.Categories) == 0 {
		return nil, &ConfigError{Path: path, Reason: "categories must not be empty"}
	}
	for i, cat := range tpl.Categories {
		if len(cat) != 1 {
			return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("categories[%d] must hold exactly one category", i)}
		}
	}
	return &tpl, nil
}

// Clone returns an independent deep copy. Every consumer that mutates a
// template must work on a clone.
func (t *Template) Clone() *Template {
	out := &Template{
		Geometry: append(json.RawMessage(nil), t.Geometry...),
		Queue:    t.Queue,
		Dataset:  t.Dataset,
	}
	if t.Categories != nil {
		out.Categories = make([]Category, 0, len(t.Categories))
		for _, cat := range t.Categories {
			out.Categories = append(out.Categories, cat.clone())
		}
	}
	return out
}

func (c Category) clone() Category {
	out := make(Category, len(c))
	for name, rule := range c {
		out[name] = Rule{
			Types:   append([]string(nil), rule.Types...),
			Select:  append([]string(nil), rule.Select...),
			Where:   rule.Where,
			Formats: append([]string(nil), rule.Formats...),
		}
	}
	return out
}
