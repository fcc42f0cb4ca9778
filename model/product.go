package model

type Product struct {
	ID          int      `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Price       float64  `json:"price" yaml:"price"`
	Image       string   `json:"image" yaml:"image"`
	Description string   `json:"description" yaml:"description"`
	Category    string   `json:"category" yaml:"category"`
	Features    []string `json:"features" yaml:"features"`
	InStock     bool     `json:"inStock" yaml:"inStock"`
	Rating      float64  `json:"rating" yaml:"rating"`
}

// ProductDraft is a product that has not been assigned an id yet.
// InStock and Rating are optional and get defaulted by the catalog.
type ProductDraft struct {
	Name        string   `json:"name" validate:"required"`
	Price       *float64 `json:"price" validate:"required,gt=0"`
	Image       string   `json:"image" validate:"required"`
	Description string   `json:"description" validate:"required"`
	Category    string   `json:"category" validate:"required"`
	Features    []string `json:"features"`
	InStock     *bool    `json:"inStock,omitempty"`
	Rating      *float64 `json:"rating,omitempty" validate:"omitempty,gte=0,lte=5"`
}

func (p Product) Clone() Product {
	if p.Features != nil {
		p.Features = append([]string(nil), p.Features...)
	}
	return p
}
