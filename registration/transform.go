package registration

import (
	"fmt"
	"sync"

	"github.com/listforge/listforge/core"
	"github.com/listforge/listforge/orchestration"
)

// PayloadFunc shapes a canonical item into one platform's payload. Pure: no
// network, no clock. Must return InvalidItem when a required field is missing
// so the failure is recorded before any API call.
type PayloadFunc func(item orchestration.Item) (map[string]interface{}, error)

// ExtractFunc pulls the platform-assigned product id out of a create
// response. Returns false when the response carries no id.
type ExtractFunc func(response map[string]interface{}) (string, bool)

// Transformer is one platform's pure payload/response pair.
type Transformer struct {
	BuildPayload PayloadFunc
	ExtractID    ExtractFunc
}

// TransformRegistry maps platform names to their transformers. Platforms
// without a registered transformer fall back to the canonical default.
type TransformRegistry struct {
	mu           sync.RWMutex
	transformers map[string]*Transformer
}

// NewTransformRegistry creates a registry with no per-platform overrides.
func NewTransformRegistry() *TransformRegistry {
	return &TransformRegistry{transformers: make(map[string]*Transformer)}
}

// Register installs a platform's transformer.
func (r *TransformRegistry) Register(platform string, transformer *Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[platform] = transformer
}

// Get returns the platform's transformer, or the default one.
func (r *TransformRegistry) Get(platform string) *Transformer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if transformer, ok := r.transformers[platform]; ok {
		return transformer
	}
	return defaultTransformer
}

var defaultTransformer = &Transformer{
	BuildPayload: DefaultPayload,
	ExtractID:    DefaultExtractID,
}

// DefaultPayload is the canonical payload shape shared by platforms without a
// bespoke transform. Name, description and a positive price are required.
func DefaultPayload(item orchestration.Item) (map[string]interface{}, error) {
	if err := ValidateItem(item); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"name":        item.Name,
		"description": item.Description,
		"price":       item.Price,
		"stock":       item.Stock,
	}
	if item.OriginalPrice > 0 {
		payload["original_price"] = item.OriginalPrice
	}
	if item.Weight > 0 {
		payload["weight"] = item.Weight
	}
	if item.CategoryID != "" {
		payload["category_id"] = item.CategoryID
	}
	if item.Brand != "" {
		payload["brand"] = item.Brand
	}
	if item.MainImageURL != "" {
		payload["main_image_url"] = item.MainImageURL
	}
	if len(item.AdditionalImageURLs) > 0 {
		payload["additional_image_urls"] = item.AdditionalImageURLs
	}
	if len(item.Attributes) > 0 {
		payload["attributes"] = item.Attributes
	}
	if len(item.Keywords) > 0 {
		payload["keywords"] = item.Keywords
	}
	if len(item.Tags) > 0 {
		payload["tags"] = item.Tags
	}
	return payload, nil
}

// ValidateItem checks the fields every platform requires.
func ValidateItem(item orchestration.Item) error {
	switch {
	case item.Name == "":
		return fmt.Errorf("%w: name", core.ErrInvalidItem)
	case item.Description == "":
		return fmt.Errorf("%w: description", core.ErrInvalidItem)
	case item.Price <= 0:
		return fmt.Errorf("%w: price", core.ErrInvalidItem)
	case item.Stock < 0:
		return fmt.Errorf("%w: stock", core.ErrInvalidItem)
	}
	return nil
}

// DefaultExtractID tries the id field names seen across platform APIs.
func DefaultExtractID(response map[string]interface{}) (string, bool) {
	for _, key := range []string{"productId", "product_id", "id", "sellerProductId"} {
		if raw, ok := response[key]; ok {
			switch v := raw.(type) {
			case string:
				if v != "" {
					return v, true
				}
			case float64:
				return fmt.Sprintf("%.0f", v), true
			case int:
				return fmt.Sprintf("%d", v), true
			}
		}
	}
	return "", false
}
