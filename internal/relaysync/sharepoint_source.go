package relaysync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// SharePointSource walks a document library with the Microsoft Graph drive
// delta API. The cursor is the @odata.nextLink of the previous page; the
// final @odata.deltaLink is returned as state so the next job for the same
// target only sees changes.
type SharePointSource struct {
	client  *RESTClient
	driveID string
	// maxHops bounds how many consecutive item-less delta pages are
	// followed inside one FetchPage call.
	maxHops int
}

type sharePointState struct {
	StartLink string `json:"startLink,omitempty"`
	DeltaLink string `json:"deltaLink,omitempty"`
}

type graphDeltaPage struct {
	Value     []map[string]any `json:"value"`
	NextLink  string           `json:"@odata.nextLink"`
	DeltaLink string           `json:"@odata.deltaLink"`
}

type driveItem struct {
	ID                   string         `mapstructure:"id"`
	Name                 string         `mapstructure:"name"`
	WebURL               string         `mapstructure:"webUrl"`
	Size                 int64          `mapstructure:"size"`
	ETag                 string         `mapstructure:"eTag"`
	LastModifiedDateTime string         `mapstructure:"lastModifiedDateTime"`
	DownloadURL          string         `mapstructure:"@microsoft.graph.downloadUrl"`
	File                 *driveFile     `mapstructure:"file"`
	Folder               map[string]any `mapstructure:"folder"`
	Deleted              map[string]any `mapstructure:"deleted"`
	Root                 map[string]any `mapstructure:"root"`
	ParentReference      struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"parentReference"`
}

type driveFile struct {
	MimeType string `mapstructure:"mimeType"`
}

func NewSharePointSource(client *RESTClient, driveID string) *SharePointSource {
	return &SharePointSource{client: client, driveID: strings.TrimSpace(driveID), maxHops: 50}
}

func (s *SharePointSource) Prepare(_ context.Context, _ SyncJob, prior json.RawMessage) (json.RawMessage, error) {
	var state sharePointState
	if len(prior) > 0 {
		var previous sharePointState
		if err := json.Unmarshal(prior, &previous); err == nil && previous.DeltaLink != "" {
			state.StartLink = previous.DeltaLink
		}
	}
	return json.Marshal(state)
}

func (s *SharePointSource) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	var state sharePointState
	if len(req.State) > 0 {
		if err := json.Unmarshal(req.State, &state); err != nil {
			return Page{}, fmt.Errorf("decode sharepoint state: %w", err)
		}
	}
	link := strings.TrimSpace(req.Cursor)
	var query url.Values
	if link == "" {
		link = state.StartLink
	}
	if link == "" {
		if s.driveID == "" {
			return Page{}, fmt.Errorf("%w: sharepoint drive id is required", ErrInvalidInput)
		}
		link = "/v1.0/drives/" + url.PathEscape(s.driveID) + "/root/delta"
		query = url.Values{}
		if req.Limit > 0 {
			query.Set("$top", strconv.Itoa(req.Limit))
		}
	}

	for hop := 0; ; hop++ {
		var delta graphDeltaPage
		if _, err := s.client.Do(ctx, http.MethodGet, link, query, nil, &delta); err != nil {
			return Page{}, err
		}
		query = nil
		items := make([]Item, 0, len(delta.Value))
		for _, raw := range delta.Value {
			item, ok := sharePointItem(raw)
			if ok {
				items = append(items, item)
			}
		}
		page := Page{Items: items, NextCursor: delta.NextLink}
		if delta.DeltaLink != "" || delta.NextLink == "" {
			page.Done = true
			page.NextCursor = ""
			next, err := json.Marshal(sharePointState{DeltaLink: delta.DeltaLink})
			if err != nil {
				return Page{}, err
			}
			page.State = next
			return page, nil
		}
		if len(items) > 0 || hop+1 >= s.maxHops {
			return page, nil
		}
		link = delta.NextLink
	}
}

// sharePointItem keeps files only. Folders, the drive root and deletions
// carry nothing to sync.
func sharePointItem(raw map[string]any) (Item, bool) {
	var entry driveItem
	if err := mapstructure.Decode(raw, &entry); err != nil {
		return Item{}, false
	}
	if entry.ID == "" || entry.Folder != nil || entry.Deleted != nil || entry.Root != nil || entry.File == nil {
		return Item{}, false
	}
	fields := map[string]any{
		"id":                   entry.ID,
		"name":                 entry.Name,
		"webUrl":               entry.WebURL,
		"size":                 entry.Size,
		"eTag":                 entry.ETag,
		"lastModifiedDateTime": entry.LastModifiedDateTime,
		"mimeType":             entry.File.MimeType,
		"path":                 entry.ParentReference.Path,
	}
	if entry.DownloadURL != "" {
		fields["downloadUrl"] = entry.DownloadURL
	}
	return Item{Key: "driveitem-" + entry.ID, Fields: fields}, true
}
