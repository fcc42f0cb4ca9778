package catalog

import (
	"context"
	"encoding/json"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/repository"
)

// DecodeDynamic parses the persisted dynamic product list. It never fails:
// an unparsable list is empty, and entries without a positive id (or
// repeating an earlier id) are dropped.
func DecodeDynamic(raw string) []model.Product {
	out, _ := decodeDynamic(raw)
	return out
}

// decodeDynamic also reports how many entries were dropped.
func decodeDynamic(raw string) ([]model.Product, int) {
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return []model.Product{}, 0
	}

	out := make([]model.Product, 0, len(entries))
	seen := make(map[int]bool, len(entries))
	for _, entry := range entries {
		var head struct {
			ID *int `json:"id"`
		}
		if err := json.Unmarshal(entry, &head); err != nil || head.ID == nil || *head.ID <= 0 || seen[*head.ID] {
			continue
		}
		var p model.Product
		if err := json.Unmarshal(entry, &p); err != nil {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out, len(entries) - len(out)
}

// ReadDynamic reads the dynamic product list straight from the slot, for
// views that list it without going through a Store.
func ReadDynamic(ctx context.Context, slot repository.Slot) []model.Product {
	raw, ok, err := slot.Get(ctx, repository.DynamicProductsKey)
	if err != nil || !ok {
		return []model.Product{}
	}
	return DecodeDynamic(raw)
}

func encodeDynamic(products []model.Product) (string, error) {
	if products == nil {
		products = []model.Product{}
	}
	data, err := json.Marshal(products)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
