package messaging

import (
	"fmt"
	"strings"
)

// Family groups the event kinds of one entity; its routing keys share the family prefix.
type Family string

const (
	FamilyCategory Family = "category"
	FamilyProduct  Family = "product"
	FamilyOrder    Family = "order"
)

var familyKinds = map[Family][]EventKind{
	FamilyCategory: {KindCategoryCreated, KindCategoryUpdated, KindCategoryDeleted},
	FamilyProduct:  {KindProductCreated, KindProductUpdated, KindProductDeleted},
	FamilyOrder:    {KindOrderCreated, KindOrderUpdated, KindOrderCancelled},
}

// ParseFamily accepts "product", "product.*" or "product.#".
func ParseFamily(s string) (Family, error) {
	name := strings.TrimSuffix(strings.TrimSuffix(s, ".*"), ".#")
	f := Family(name)
	if _, ok := familyKinds[f]; !ok {
		return "", fmt.Errorf("unknown event family %q", s)
	}
	return f, nil
}

func (f Family) Kinds() []EventKind {
	return familyKinds[f]
}

// Keys returns the enumerated routing keys of the family, e.g. product.created.
func (f Family) Keys() []string {
	kinds := familyKinds[f]
	keys := make([]string, 0, len(kinds))
	for _, k := range kinds {
		keys = append(keys, k.RoutingKey())
	}
	return keys
}

func (f Family) Wildcard() string {
	return string(f) + ".*"
}

func (f Family) Exchange() string {
	return string(f) + "_events"
}

const ExchangeKindTopic = "topic"

const (
	ExchangeCategoryEvents = "category_events"
	ExchangeProductEvents  = "product_events"
	ExchangeOrderEvents    = "order_events"
)

const (
	QueueProductsEvents      = "products.events"
	QueueCartEvents          = "cart.events"
	QueueReviewsEvents       = "reviews.events"
	QueueCategoriesEvents    = "categories.events"
	QueueCartProductEvents   = "cart.product_events"
	QueueOrdersProductEvents = "orders.product_events"
)

type ExchangeSpec struct {
	Name    string
	Kind    string
	Durable bool
}

// TopicExchange is the only exchange shape the platform declares.
func TopicExchange(name string) ExchangeSpec {
	return ExchangeSpec{Name: name, Kind: ExchangeKindTopic, Durable: true}
}

type QueueSpec struct {
	Name    string
	Durable bool
}

func DurableQueue(name string) QueueSpec {
	return QueueSpec{Name: name, Durable: true}
}

type Binding struct {
	Exchange string
	Queue    string
	Key      string
}

func (b Binding) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", b.Exchange, b.Key, b.Queue)
}

// TopologyDescriptor binds every listed queue to the exchange under every listed key.
type TopologyDescriptor struct {
	Exchange string
	Queues   []string
	Keys     []string
}

func (d TopologyDescriptor) Bindings() []Binding {
	bindings := make([]Binding, 0, len(d.Queues)*len(d.Keys))
	for _, q := range d.Queues {
		for _, k := range d.Keys {
			bindings = append(bindings, Binding{Exchange: d.Exchange, Queue: q, Key: k})
		}
	}
	return bindings
}

// Topology is the deployment-wide routing table shared by every service.
var Topology = []TopologyDescriptor{
	{
		Exchange: ExchangeCategoryEvents,
		Queues:   []string{QueueProductsEvents, QueueCartEvents, QueueReviewsEvents, QueueCategoriesEvents},
		Keys:     []string{FamilyCategory.Wildcard()},
	},
	{
		Exchange: ExchangeProductEvents,
		Queues:   []string{QueueCartProductEvents, QueueOrdersProductEvents},
		Keys:     FamilyProduct.Keys(),
	},
	{
		Exchange: ExchangeOrderEvents,
		Keys:     FamilyOrder.Keys(),
	},
}

// Route is where an event of a given kind is published.
type Route struct {
	Exchange   string
	RoutingKey string
}

func RouteFor(kind EventKind) Route {
	return Route{Exchange: kind.Family().Exchange(), RoutingKey: kind.RoutingKey()}
}

// MatchTopic reports whether key matches an AMQP topic pattern. "*" matches exactly one
// dot-separated word and "#" matches zero or more.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
