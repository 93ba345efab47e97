package messaging

// CategoryPayload is the body of category_* events.
type CategoryPayload struct {
	CategoryID  int64  `json:"category_id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ProductPayload is the body of product_* events. Price travels as a decimal string.
type ProductPayload struct {
	ProductID   int64  `json:"product_id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price,omitempty"`
	CategoryID  *int64 `json:"category_id,omitempty"`
	AnimalType  string `json:"animal_type,omitempty"`
	Stock       *int64 `json:"stock,omitempty"`
}

type OrderItem struct {
	ProductID int64  `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Price     string `json:"price"`
}

// OrderPayload is the body of order_* events.
type OrderPayload struct {
	OrderID int64       `json:"order_id"`
	UserID  int64       `json:"user_id"`
	Status  string      `json:"status,omitempty"`
	Total   string      `json:"total,omitempty"`
	Items   []OrderItem `json:"items,omitempty"`
}

func NewCategoryEvent(kind EventKind, p CategoryPayload) Event {
	payload := map[string]any{"category_id": p.CategoryID}
	if kind != KindCategoryDeleted {
		payload["name"] = p.Name
		if p.Description != "" {
			payload["description"] = p.Description
		}
	}
	return NewEvent(kind, payload)
}

func NewProductEvent(kind EventKind, p ProductPayload) Event {
	payload := map[string]any{"product_id": p.ProductID}
	if kind != KindProductDeleted {
		payload["name"] = p.Name
		payload["price"] = p.Price
		if p.Description != "" {
			payload["description"] = p.Description
		}
		if p.CategoryID != nil {
			payload["category_id"] = *p.CategoryID
		}
		if p.AnimalType != "" {
			payload["animal_type"] = p.AnimalType
		}
		if p.Stock != nil {
			payload["stock"] = *p.Stock
		}
	}
	return NewEvent(kind, payload)
}

func NewOrderEvent(kind EventKind, p OrderPayload) Event {
	payload := map[string]any{
		"order_id": p.OrderID,
		"user_id":  p.UserID,
	}
	if p.Status != "" {
		payload["status"] = p.Status
	}
	if p.Total != "" {
		payload["total"] = p.Total
	}
	if len(p.Items) > 0 {
		items := make([]any, 0, len(p.Items))
		for _, it := range p.Items {
			items = append(items, map[string]any{
				"product_id": it.ProductID,
				"quantity":   it.Quantity,
				"price":      it.Price,
			})
		}
		payload["items"] = items
	}
	return NewEvent(kind, payload)
}
