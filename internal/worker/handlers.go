// Package worker provides the per-item handlers the batch engine drives:
// one variant proposes alt text for an asset, the other writes an approved
// proposal back to the site. The engine treats both as opaque.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"media-alt-batcher/internal/batch"
	"media-alt-batcher/internal/cms"
	"media-alt-batcher/internal/models"
	"media-alt-batcher/internal/suggest"
)

// Job type names selectable at job creation.
const (
	TypeGenerate = "generate"
	TypeApply    = "apply"
)

// Resolver turns an asset into a local image path (the thumbnail cache).
type Resolver interface {
	Resolve(ctx context.Context, asset cms.Asset) (string, error)
}

// AssetWriter mutates assets on the site (the CMS client).
type AssetWriter interface {
	UpdateAsset(ctx context.Context, id string, upd cms.AssetUpdate) error
}

// Registry maps job type names to handlers. Handlers are picked once, at
// job creation, never dispatched dynamically inside the engine.
type Registry struct {
	handlers map[string]batch.Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]batch.Handler)}
}

// Register binds a handler to a job type.
func (r *Registry) Register(jobType string, h batch.Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.handlers[jobType] = h
}

// Get returns the handler for jobType, or false when unknown.
func (r *Registry) Get(jobType string) (batch.Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// assetPayload is the expected item payload for both job types. currentAlt
// and proposedAlt keys follow the export schema.
type assetPayload struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	CurrentAlt  string `json:"currentAlt"`
	ProposedAlt string `json:"proposedAlt"`
	FolderID    string `json:"folderId"`
	MimeType    string `json:"mimeType"`
}

func decodeAssetPayload(item models.Item) (assetPayload, error) {
	var payload assetPayload
	raw, err := json.Marshal(item.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

// NewGenerateHandler resolves the asset to a cached thumbnail and asks the
// suggester for alt text and a folder. A missing source URL can never
// succeed, so it fails permanently instead of burning the retry budget.
func NewGenerateHandler(res Resolver, sug suggest.Suggester) batch.Handler {
	return func(ctx context.Context, item models.Item) (map[string]any, error) {
		payload, err := decodeAssetPayload(item)
		if err != nil {
			return nil, batch.Permanent(err)
		}
		if payload.URL == "" {
			return nil, batch.Permanent(errors.New("item has no source url"))
		}

		asset := cms.Asset{
			ID:       item.ID,
			Filename: payload.Filename,
			URL:      payload.URL,
			AltText:  payload.CurrentAlt,
			FolderID: payload.FolderID,
			MimeType: payload.MimeType,
		}

		path, err := res.Resolve(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("resolve asset: %w", err)
		}

		s, err := sug.Suggest(ctx, path, asset)
		if err != nil {
			return nil, fmt.Errorf("suggest: %w", err)
		}

		return map[string]any{
			"altText":    s.AltText,
			"folder":     s.Folder,
			"confidence": s.Confidence,
		}, nil
	}
}

// NewApplyHandler writes a reviewed proposal back to the site. Items
// without a proposal are misconfigured, not transient, and fail fast.
func NewApplyHandler(w AssetWriter) batch.Handler {
	return func(ctx context.Context, item models.Item) (map[string]any, error) {
		payload, err := decodeAssetPayload(item)
		if err != nil {
			return nil, batch.Permanent(err)
		}
		if payload.ProposedAlt == "" && payload.FolderID == "" {
			return nil, batch.Permanent(errors.New("item has neither proposed alt text nor folder"))
		}

		upd := cms.AssetUpdate{}
		if payload.ProposedAlt != "" {
			upd.AltText = &payload.ProposedAlt
		}
		if payload.FolderID != "" {
			upd.FolderID = &payload.FolderID
		}

		if err := w.UpdateAsset(ctx, item.ID, upd); err != nil {
			return nil, fmt.Errorf("update asset: %w", err)
		}

		return map[string]any{
			"altText":   payload.ProposedAlt,
			"folderId":  payload.FolderID,
			"appliedAt": time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}
