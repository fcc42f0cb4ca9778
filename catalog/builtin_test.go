package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
)

func TestLoadBuiltin(t *testing.T) {
	b, err := LoadBuiltin()
	require.NoError(t, err)

	assert.Equal(t, 37, b.MaxID())
	assert.Equal(t, 37, b.Len())
	assert.Equal(t, []string{"smart-watches", "smart-mobiles", "laptops", "grocery", "watches", "computers"}, b.Categories())

	for _, p := range b.Products() {
		assert.NotEmpty(t, p.Name, "product %d", p.ID)
		assert.GreaterOrEqual(t, p.Price, 0.0)
		assert.True(t, p.Rating >= 0 && p.Rating <= 5, "product %d rating %v", p.ID, p.Rating)
		assert.NotEmpty(t, p.Category)
	}
}

func TestParseBuiltinRejectsDuplicateIDs(t *testing.T) {
	_, err := ParseBuiltin([]byte(`
groups:
  - category: a
    products:
      - {id: 1, name: one}
  - category: b
    products:
      - {id: 1, name: uno}
`))
	assert.Error(t, err)
}

func TestNewBuiltinInheritsCategoryAndCopies(t *testing.T) {
	features := []string{"x"}
	b := NewBuiltin(Group{Category: "tools", Products: []model.Product{{ID: 9, Name: "Hammer", Features: features}}})
	features[0] = "changed"

	products := b.Products()
	require.Len(t, products, 1)
	assert.Equal(t, "tools", products[0].Category)
	assert.Equal(t, []string{"x"}, products[0].Features)

	products[0].Name = "mutated"
	assert.Equal(t, "Hammer", b.Products()[0].Name)
	assert.True(t, b.Contains(9))
	assert.False(t, b.Contains(10))
}

func TestParseBuiltinRejectsBadValues(t *testing.T) {
	for name, product := range map[string]string{
		"infinite price": `{id: 1, name: one, price: .inf}`,
		"nan price":      `{id: 1, name: one, price: .nan}`,
		"negative price": `{id: 1, name: one, price: -4}`,
		"rating above 5": `{id: 1, name: one, price: 4, rating: 6}`,
		"negative rate":  `{id: 1, name: one, price: 4, rating: -0.5}`,
		"zero id":        `{id: 0, name: one, price: 4}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBuiltin([]byte("groups:\n  - category: a\n    products:\n      - " + product + "\n"))
			assert.Error(t, err)
		})
	}

	b, err := ParseBuiltin([]byte("groups:\n  - category: a\n    products:\n      - {id: 1, name: one, price: 0, rating: 5}\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
}

func TestBuiltinCategoriesFollowProducts(t *testing.T) {
	b := NewBuiltin(
		Group{Category: "a", Products: []model.Product{{ID: 1, Category: "z"}, {ID: 2}}},
		Group{Category: "empty"},
		Group{Category: "b", Products: []model.Product{{ID: 9}}},
	)
	assert.Equal(t, []string{"z", "a", "b"}, b.Categories())
	assert.Equal(t, 9, b.MaxID())

	assert.Equal(t, []string{}, NewBuiltin().Categories())
	assert.Zero(t, NewBuiltin().MaxID())
}
