// Package projection keeps each service's local read-state of the catalog in sync with
// category and product events. Writes are last-writer-wins by event timestamp, so a
// redelivered or reordered event never moves a row backwards.
package projection

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("projection: not found")

type Category struct {
	ID          int64     `db:"id" json:"category_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

type Product struct {
	ID          int64     `db:"id" json:"product_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Price       string    `db:"price" json:"price"`
	CategoryID  *int64    `db:"category_id" json:"category_id,omitempty"`
	AnimalType  string    `db:"animal_type" json:"animal_type"`
	Stock       *int64    `db:"stock" json:"stock,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Store is the catalog read model. Upserts and deletes report whether they were
// applied; a write older than the stored version is a no-op, not an error.
type Store interface {
	UpsertCategory(ctx context.Context, c Category) (bool, error)
	DeleteCategory(ctx context.Context, id int64, at time.Time) (bool, error)
	Category(ctx context.Context, id int64) (Category, error)

	UpsertProduct(ctx context.Context, p Product) (bool, error)
	DeleteProduct(ctx context.Context, id int64, at time.Time) (bool, error)
	Product(ctx context.Context, id int64) (Product, error)
	ProductsInCategory(ctx context.Context, categoryID int64) ([]Product, error)
}

// supersedes reports whether a write stamped at replaces a stored version. Ties go to
// the write unless the stored row is a tombstone.
func supersedes(stored time.Time, storedDeleted bool, at time.Time) bool {
	if at.After(stored) {
		return true
	}
	return at.Equal(stored) && !storedDeleted
}
