// Package cms is the REST client for the content-management site that owns
// the media assets. The batch engine never imports this package; handlers
// compose it.
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Asset is a media asset as exposed by the site's API.
type Asset struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	AltText  string `json:"alt_text"`
	FolderID string `json:"folder_id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Folder is a content folder assets can be assigned to.
type Folder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AssetUpdate carries the writable fields of an asset. Nil fields are left
// untouched on the server.
type AssetUpdate struct {
	AltText  *string `json:"alt_text,omitempty"`
	FolderID *string `json:"folder_id,omitempty"`
}

// ListParams filters an asset listing.
type ListParams struct {
	MissingAltOnly bool
	FolderID       string
	PerPage        int
}

// Client talks to the site's JSON API with bearer-token auth.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type listAssetsResponse struct {
	Assets []Asset `json:"assets"`
	Page   int     `json:"page"`
	Last   bool    `json:"last"`
}

// ListAssets pages through /api/assets and returns the full result set.
func (c *Client) ListAssets(ctx context.Context, p ListParams) ([]Asset, error) {
	perPage := p.PerPage
	if perPage <= 0 {
		perPage = 100
	}

	var all []Asset
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))
		if p.MissingAltOnly {
			q.Set("missing_alt", "true")
		}
		if p.FolderID != "" {
			q.Set("folder_id", p.FolderID)
		}

		var resp listAssetsResponse
		if err := c.do(ctx, http.MethodGet, "/api/assets?"+q.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Assets...)
		if resp.Last || len(resp.Assets) == 0 {
			return all, nil
		}
	}
}

// GetAsset fetches a single asset by id.
func (c *Client) GetAsset(ctx context.Context, id string) (Asset, error) {
	var asset Asset
	err := c.do(ctx, http.MethodGet, "/api/assets/"+url.PathEscape(id), nil, &asset)
	return asset, err
}

// UpdateAsset patches an asset's alt text and/or folder.
func (c *Client) UpdateAsset(ctx context.Context, id string, upd AssetUpdate) error {
	return c.do(ctx, http.MethodPatch, "/api/assets/"+url.PathEscape(id), upd, nil)
}

// ListFolders returns the site's content folders.
func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	var resp struct {
		Folders []Folder `json:"folders"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/folders", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Folders, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
