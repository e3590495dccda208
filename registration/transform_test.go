package registration

import (
	"errors"
	"testing"

	"github.com/listforge/listforge/core"
	"github.com/listforge/listforge/orchestration"
)

func validItem() orchestration.Item {
	return orchestration.Item{
		ID:          "item-1",
		Name:        "Walnut desk organizer",
		Description: "Five compartments, oiled finish",
		Price:       34.90,
		Stock:       12,
	}
}

func TestDefaultPayloadRequiredFields(t *testing.T) {
	payload, err := DefaultPayload(validItem())
	if err != nil {
		t.Fatalf("DefaultPayload() error = %v", err)
	}
	if payload["name"] != "Walnut desk organizer" || payload["price"] != 34.90 {
		t.Errorf("payload = %+v", payload)
	}
	// Zero-valued optionals stay out of the payload.
	for _, key := range []string{"original_price", "weight", "category_id", "brand", "main_image_url"} {
		if _, ok := payload[key]; ok {
			t.Errorf("payload should omit empty %s", key)
		}
	}
}

func TestDefaultPayloadOptionalFields(t *testing.T) {
	item := validItem()
	item.OriginalPrice = 49.90
	item.Brand = "Heartwood"
	item.Keywords = []string{"desk", "organizer"}

	payload, err := DefaultPayload(item)
	if err != nil {
		t.Fatalf("DefaultPayload() error = %v", err)
	}
	if payload["original_price"] != 49.90 || payload["brand"] != "Heartwood" {
		t.Errorf("payload = %+v", payload)
	}
	if keywords, ok := payload["keywords"].([]string); !ok || len(keywords) != 2 {
		t.Errorf("keywords = %+v", payload["keywords"])
	}
}

func TestValidateItem(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*orchestration.Item)
		valid  bool
	}{
		{"valid", func(*orchestration.Item) {}, true},
		{"missing name", func(i *orchestration.Item) { i.Name = "" }, false},
		{"missing description", func(i *orchestration.Item) { i.Description = "" }, false},
		{"zero price", func(i *orchestration.Item) { i.Price = 0 }, false},
		{"negative price", func(i *orchestration.Item) { i.Price = -1 }, false},
		{"negative stock", func(i *orchestration.Item) { i.Stock = -1 }, false},
		{"zero stock", func(i *orchestration.Item) { i.Stock = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := validItem()
			tt.mutate(&item)
			err := ValidateItem(item)
			if tt.valid && err != nil {
				t.Errorf("ValidateItem() = %v, want nil", err)
			}
			if !tt.valid && !errors.Is(err, core.ErrInvalidItem) {
				t.Errorf("ValidateItem() = %v, want ErrInvalidItem", err)
			}
		})
	}
}

func TestDefaultExtractID(t *testing.T) {
	tests := []struct {
		name     string
		response map[string]interface{}
		want     string
		ok       bool
	}{
		{"productId", map[string]interface{}{"productId": "P-1"}, "P-1", true},
		{"snake case", map[string]interface{}{"product_id": "P-2"}, "P-2", true},
		{"bare id", map[string]interface{}{"id": "X"}, "X", true},
		{"seller product id", map[string]interface{}{"sellerProductId": "S-9"}, "S-9", true},
		{"json number", map[string]interface{}{"id": float64(1234)}, "1234", true},
		{"int", map[string]interface{}{"id": 77}, "77", true},
		{"empty string", map[string]interface{}{"id": ""}, "", false},
		{"no id field", map[string]interface{}{"status": "ok"}, "", false},
		{"nil response", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DefaultExtractID(tt.response)
			if got != tt.want || ok != tt.ok {
				t.Errorf("DefaultExtractID() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestTransformRegistryFallback(t *testing.T) {
	registry := NewTransformRegistry()

	transformer := registry.Get("unknown_platform")
	if transformer == nil {
		t.Fatal("Get() must fall back to the default transformer")
	}
	if _, err := transformer.BuildPayload(validItem()); err != nil {
		t.Errorf("default BuildPayload error = %v", err)
	}

	custom := &Transformer{
		BuildPayload: func(item orchestration.Item) (map[string]interface{}, error) {
			return map[string]interface{}{"title": item.Name}, nil
		},
		ExtractID: DefaultExtractID,
	}
	registry.Register("platform_a", custom)

	payload, err := registry.Get("platform_a").BuildPayload(validItem())
	if err != nil {
		t.Fatalf("custom BuildPayload error = %v", err)
	}
	if payload["title"] != "Walnut desk organizer" {
		t.Errorf("custom payload = %+v", payload)
	}
}
