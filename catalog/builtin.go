package catalog

import (
	_ "embed"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
)

//go:embed products.yaml
var builtinYAML []byte

// Group is one category of the built-in table.
type Group struct {
	Category string          `yaml:"category"`
	Products []model.Product `yaml:"products"`
}

// Builtin is the immutable product table shipped with the service.
type Builtin struct {
	flat       []model.Product
	categories []string
	maxID      int
}

// LoadBuiltin parses the embedded products.yaml.
func LoadBuiltin() (*Builtin, error) {
	return ParseBuiltin(builtinYAML)
}

func ParseBuiltin(data []byte) (*Builtin, error) {
	var doc struct {
		Groups []Group `yaml:"groups"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse built-in catalog: %w", err)
	}
	seen := make(map[int]string)
	for _, g := range doc.Groups {
		for _, p := range g.Products {
			if prev, ok := seen[p.ID]; ok {
				return nil, fmt.Errorf("built-in product id %d used by both %q and %q", p.ID, prev, p.Name)
			}
			seen[p.ID] = p.Name
			if err := checkBuiltin(p); err != nil {
				return nil, err
			}
		}
	}
	return NewBuiltin(doc.Groups...), nil
}

func checkBuiltin(p model.Product) error {
	if p.ID <= 0 {
		return fmt.Errorf("built-in product %q has non-positive id %d", p.Name, p.ID)
	}
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price < 0 {
		return fmt.Errorf("built-in product %d has invalid price %v", p.ID, p.Price)
	}
	if math.IsNaN(p.Rating) || p.Rating < 0 || p.Rating > 5 {
		return fmt.Errorf("built-in product %d has rating %v outside [0,5]", p.ID, p.Rating)
	}
	return nil
}

// NewBuiltin builds a table from groups. Products without a category
// inherit the group's.
func NewBuiltin(groups ...Group) *Builtin {
	b := &Builtin{}
	seen := make(map[string]bool)
	for _, g := range groups {
		for _, p := range g.Products {
			p = p.Clone()
			if p.Category == "" {
				p.Category = g.Category
			}
			if p.ID > b.maxID {
				b.maxID = p.ID
			}
			if !seen[p.Category] {
				seen[p.Category] = true
				b.categories = append(b.categories, p.Category)
			}
			b.flat = append(b.flat, p)
		}
	}
	return b
}

// Products returns the built-in products flattened in group order.
func (b *Builtin) Products() []model.Product {
	out := make([]model.Product, len(b.flat))
	for i, p := range b.flat {
		out[i] = p.Clone()
	}
	return out
}

// Categories returns the built-in categories in first-seen product order.
func (b *Builtin) Categories() []string {
	return append([]string{}, b.categories...)
}

// MaxID is the highest built-in id, 0 for an empty table.
func (b *Builtin) MaxID() int {
	return b.maxID
}

func (b *Builtin) Contains(id int) bool {
	for _, p := range b.flat {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (b *Builtin) Len() int {
	return len(b.flat)
}
