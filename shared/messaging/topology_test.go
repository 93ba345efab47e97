package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"product.created", "product.created", true},
		{"product.created", "product.updated", false},
		{"category.*", "category.created", true},
		{"category.*", "category", false},
		{"category.*", "category.created.v2", false},
		{"*.created", "order.created", true},
		{"#", "anything.at.all", true},
		{"#", "", true},
		{"order.#", "order", true},
		{"order.#", "order.created.v2", true},
		{"#.created", "order.created", true},
		{"#.created", "created", true},
		{"#.created", "order.updated", false},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key))
		})
	}
}

func TestFamily(t *testing.T) {
	assert.Equal(t, []string{"product.created", "product.updated", "product.deleted"}, FamilyProduct.Keys())
	assert.Equal(t, []string{"order.created", "order.updated", "order.cancelled"}, FamilyOrder.Keys())
	assert.Equal(t, "category.*", FamilyCategory.Wildcard())
	assert.Equal(t, ExchangeProductEvents, FamilyProduct.Exchange())

	for _, s := range []string{"product", "product.*", "product.#"} {
		f, err := ParseFamily(s)
		require.NoError(t, err)
		assert.Equal(t, FamilyProduct, f)
	}

	_, err := ParseFamily("user.*")
	assert.Error(t, err)
}

func TestTopologyTable(t *testing.T) {
	require.Len(t, Topology, 3)

	category := Topology[0]
	assert.Equal(t, "category_events", category.Exchange)
	assert.ElementsMatch(t,
		[]string{"products.events", "cart.events", "reviews.events", "categories.events"},
		category.Queues)
	assert.Len(t, category.Bindings(), 4)
	for _, b := range category.Bindings() {
		assert.Equal(t, "category.*", b.Key)
	}

	product := Topology[1]
	assert.Equal(t, "product_events", product.Exchange)
	assert.Len(t, product.Bindings(), 6)
	assert.Contains(t, product.Bindings(), Binding{Exchange: "product_events", Queue: "cart.product_events", Key: "product.deleted"})

	order := Topology[2]
	assert.Equal(t, "order_events", order.Exchange)
	assert.Empty(t, order.Bindings())
}

func TestRouteFor(t *testing.T) {
	assert.Equal(t, Route{Exchange: "product_events", RoutingKey: "product.created"}, RouteFor(KindProductCreated))
	assert.Equal(t, Route{Exchange: "category_events", RoutingKey: "category.deleted"}, RouteFor(KindCategoryDeleted))
	assert.Equal(t, Route{Exchange: "order_events", RoutingKey: "order.cancelled"}, RouteFor(KindOrderCancelled))
}
