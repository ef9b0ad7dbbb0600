// Package suggest adapts an AI session into a narrow capability: given a
// local image file and its asset metadata, propose accessibility text and a
// folder assignment.
package suggest

import (
	"context"

	"media-alt-batcher/internal/cms"
)

// Suggestion is the structured proposal returned for one asset.
type Suggestion struct {
	AltText    string  `json:"alt_text"`
	Folder     string  `json:"folder,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Suggester produces a suggestion for a locally cached image. Errors are
// ordinary failures to the batch engine and subject to its retry policy.
type Suggester interface {
	Suggest(ctx context.Context, imagePath string, asset cms.Asset) (Suggestion, error)
}
