// Package handlers implements the HTTP API for triggering and inspecting
// extraction runs.
package handlers

import (
	"github.com/hotosm/tm-extractor/internal/extractor"
	"github.com/hotosm/tm-extractor/internal/results"
	"github.com/hotosm/tm-extractor/internal/runs"
)

// API bundles the dependencies the run endpoints need. One instance serves
// all requests.
type API struct {
	Extractor *extractor.Extractor
	Registry  *runs.Registry
	Sink      results.Sink
}

func NewAPI(ext *extractor.Extractor, registry *runs.Registry, sink results.Sink) *API {
	return &API{Extractor: ext, Registry: registry, Sink: sink}
}
