package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore persists the read model in the catalog_* tables. Deletes leave a
// tombstone row so an older update that arrives late cannot resurrect the entity.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertCategory(ctx context.Context, c Category) (bool, error) {
	query := `
		INSERT INTO catalog_categories (id, name, description, deleted, updated_at)
		VALUES (:id, :name, :description, FALSE, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			deleted = FALSE,
			updated_at = EXCLUDED.updated_at
		WHERE catalog_categories.updated_at < EXCLUDED.updated_at
		   OR (catalog_categories.updated_at = EXCLUDED.updated_at AND NOT catalog_categories.deleted)
	`
	result, err := s.db.NamedExecContext(ctx, query, c)
	if err != nil {
		return false, fmt.Errorf("failed to upsert category %d: %w", c.ID, err)
	}
	return affected(result)
}

func (s *PostgresStore) DeleteCategory(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		INSERT INTO catalog_categories (id, deleted, updated_at)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (id) DO UPDATE SET
			deleted = TRUE,
			updated_at = EXCLUDED.updated_at
		WHERE catalog_categories.updated_at < EXCLUDED.updated_at
		   OR (catalog_categories.updated_at = EXCLUDED.updated_at AND NOT catalog_categories.deleted)
	`
	result, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to delete category %d: %w", id, err)
	}
	return affected(result)
}

func (s *PostgresStore) Category(ctx context.Context, id int64) (Category, error) {
	var c Category
	query := `SELECT id, name, description, updated_at FROM catalog_categories WHERE id = $1 AND NOT deleted`
	if err := s.db.GetContext(ctx, &c, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Category{}, ErrNotFound
		}
		return Category{}, fmt.Errorf("failed to load category %d: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) UpsertProduct(ctx context.Context, p Product) (bool, error) {
	query := `
		INSERT INTO catalog_products (id, name, description, price, category_id, animal_type, stock, deleted, updated_at)
		VALUES (:id, :name, :description, :price, :category_id, :animal_type, :stock, FALSE, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			category_id = EXCLUDED.category_id,
			animal_type = EXCLUDED.animal_type,
			stock = EXCLUDED.stock,
			deleted = FALSE,
			updated_at = EXCLUDED.updated_at
		WHERE catalog_products.updated_at < EXCLUDED.updated_at
		   OR (catalog_products.updated_at = EXCLUDED.updated_at AND NOT catalog_products.deleted)
	`
	result, err := s.db.NamedExecContext(ctx, query, p)
	if err != nil {
		return false, fmt.Errorf("failed to upsert product %d: %w", p.ID, err)
	}
	return affected(result)
}

func (s *PostgresStore) DeleteProduct(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		INSERT INTO catalog_products (id, deleted, updated_at)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (id) DO UPDATE SET
			deleted = TRUE,
			updated_at = EXCLUDED.updated_at
		WHERE catalog_products.updated_at < EXCLUDED.updated_at
		   OR (catalog_products.updated_at = EXCLUDED.updated_at AND NOT catalog_products.deleted)
	`
	result, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to delete product %d: %w", id, err)
	}
	return affected(result)
}

func (s *PostgresStore) Product(ctx context.Context, id int64) (Product, error) {
	var p Product
	query := `
		SELECT id, name, description, price, category_id, animal_type, stock, updated_at
		FROM catalog_products WHERE id = $1 AND NOT deleted
	`
	if err := s.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("failed to load product %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ProductsInCategory(ctx context.Context, categoryID int64) ([]Product, error) {
	var products []Product
	query := `
		SELECT id, name, description, price, category_id, animal_type, stock, updated_at
		FROM catalog_products WHERE category_id = $1 AND NOT deleted
		ORDER BY id
	`
	if err := s.db.SelectContext(ctx, &products, query, categoryID); err != nil {
		return nil, fmt.Errorf("failed to list products of category %d: %w", categoryID, err)
	}
	return products, nil
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
