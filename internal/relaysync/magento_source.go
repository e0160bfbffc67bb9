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

const magentoAttributePageSize = 500

// MagentoSource pages the product catalog through the REST searchCriteria
// API. Magento paginates by page number, so offsets are mapped onto pages.
type MagentoSource struct {
	client *RESTClient
}

type magentoState struct {
	AttributeLabels map[string]string `json:"attributeLabels,omitempty"`
}

type magentoSearchResult struct {
	Items      []map[string]any `json:"items"`
	TotalCount int              `json:"total_count"`
}

type magentoProduct struct {
	ID               int                `mapstructure:"id"`
	SKU              string             `mapstructure:"sku"`
	Name             string             `mapstructure:"name"`
	Price            float64            `mapstructure:"price"`
	Status           int                `mapstructure:"status"`
	Visibility       int                `mapstructure:"visibility"`
	TypeID           string             `mapstructure:"type_id"`
	CreatedAt        string             `mapstructure:"created_at"`
	UpdatedAt        string             `mapstructure:"updated_at"`
	CustomAttributes []magentoAttribute `mapstructure:"custom_attributes"`
}

type magentoAttribute struct {
	AttributeCode string `mapstructure:"attribute_code"`
	Value         any    `mapstructure:"value"`
}

func NewMagentoSource(client *RESTClient) *MagentoSource {
	return &MagentoSource{client: client}
}

// Prepare loads the frontend labels of product attributes so custom
// attributes are named the way shop admins see them.
func (s *MagentoSource) Prepare(ctx context.Context, _ SyncJob, _ json.RawMessage) (json.RawMessage, error) {
	labels := map[string]string{}
	for currentPage := 1; ; currentPage++ {
		query := url.Values{}
		query.Set("searchCriteria[pageSize]", strconv.Itoa(magentoAttributePageSize))
		query.Set("searchCriteria[currentPage]", strconv.Itoa(currentPage))
		var result struct {
			Items []struct {
				AttributeCode        string `json:"attribute_code"`
				DefaultFrontendLabel string `json:"default_frontend_label"`
			} `json:"items"`
			TotalCount int `json:"total_count"`
		}
		if _, err := s.client.Do(ctx, http.MethodGet, "/rest/V1/products/attributes", query, nil, &result); err != nil {
			return nil, fmt.Errorf("load product attributes: %w", err)
		}
		for _, attr := range result.Items {
			if label := strings.TrimSpace(attr.DefaultFrontendLabel); label != "" {
				labels[attr.AttributeCode] = label
			}
		}
		if len(result.Items) == 0 || currentPage*magentoAttributePageSize >= result.TotalCount {
			break
		}
	}
	return json.Marshal(magentoState{AttributeLabels: labels})
}

func (s *MagentoSource) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	var state magentoState
	if len(req.State) > 0 {
		if err := json.Unmarshal(req.State, &state); err != nil {
			return Page{}, fmt.Errorf("decode magento state: %w", err)
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultMagentoPageSize
	}
	currentPage := req.Offset/limit + 1
	skip := req.Offset % limit

	query := url.Values{}
	query.Set("searchCriteria[currentPage]", strconv.Itoa(currentPage))
	query.Set("searchCriteria[pageSize]", strconv.Itoa(limit))
	var result magentoSearchResult
	if _, err := s.client.Do(ctx, http.MethodGet, "/rest/V1/products", query, nil, &result); err != nil {
		return Page{}, err
	}
	page := Page{Total: result.TotalCount}
	// Magento answers an out of range page with the last page again.
	if result.TotalCount > 0 && req.Offset >= result.TotalCount {
		return page, nil
	}
	rows := result.Items
	if skip > 0 {
		if skip >= len(rows) {
			rows = nil
		} else {
			rows = rows[skip:]
		}
	}
	page.Items = make([]Item, 0, len(rows))
	for i, row := range rows {
		item, err := magentoItem(row, state.AttributeLabels)
		if err != nil {
			item = Item{
				Key:    fmt.Sprintf("row-%d", req.Offset+i),
				Fields: map[string]any{"decodeError": err.Error(), "raw": row},
			}
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func magentoItem(row map[string]any, labels map[string]string) (Item, error) {
	var product magentoProduct
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &product,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Item{}, err
	}
	if err := decoder.Decode(row); err != nil {
		return Item{}, fmt.Errorf("decode product: %w", err)
	}
	key := strings.TrimSpace(product.SKU)
	if key == "" {
		if product.ID == 0 {
			return Item{}, fmt.Errorf("%w: product has neither sku nor id", ErrInvalidInput)
		}
		key = strconv.Itoa(product.ID)
	}
	attributes := make(map[string]any, len(product.CustomAttributes))
	for _, attr := range product.CustomAttributes {
		name := attr.AttributeCode
		if label, ok := labels[attr.AttributeCode]; ok {
			name = label
		}
		attributes[name] = attr.Value
	}
	return Item{
		Key: "sku-" + key,
		Fields: map[string]any{
			"id":         product.ID,
			"sku":        product.SKU,
			"name":       product.Name,
			"price":      product.Price,
			"status":     product.Status,
			"visibility": product.Visibility,
			"typeId":     product.TypeID,
			"createdAt":  product.CreatedAt,
			"updatedAt":  product.UpdatedAt,
			"attributes": attributes,
		},
	}, nil
}
