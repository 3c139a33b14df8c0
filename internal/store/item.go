package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/starstore/internal/model"
)

// ItemStore reads catalog items. Mutations go through CatalogStore so that
// every change is audited in the same transaction.
type ItemStore struct {
	db *sql.DB
}

func NewItemStore(db *sql.DB) *ItemStore {
	return &ItemStore{db: db}
}

// ItemFilter narrows List. Zero values match everything.
type ItemFilter struct {
	Status   model.ItemStatus
	Category string
}

func scanItem(scanner interface{ Scan(...any) error }) (*model.Item, error) {
	var it model.Item
	var quantity sql.NullInt64
	var requiresApproval int

	err := scanner.Scan(
		&it.ID, &it.Name, &it.Description, &it.Category, &it.StarCost,
		&it.FinancialEstimate, &it.Image, &quantity, &requiresApproval,
		&it.Status, &it.RedeemedCount, &it.Version, &it.CreatedBy,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if quantity.Valid {
		q := int(quantity.Int64)
		it.Quantity = &q
	}
	it.RequiresApproval = requiresApproval != 0
	it.ManagerIDs = []int64{}
	return &it, nil
}

const itemCols = `id, name, description, category, star_cost, financial_estimate, image, quantity, requires_approval, status, redeemed_count, version, created_by, created_at, updated_at`

func getItem(ctx context.Context, q queryer, id int64) (*model.Item, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if err := loadManagers(ctx, q, []*model.Item{it}); err != nil {
		return nil, err
	}
	return it, nil
}

func listItems(ctx context.Context, q queryer, where string, args ...any) ([]model.Item, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+itemCols+` FROM items `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	rows.Close()

	if err := loadManagers(ctx, q, items); err != nil {
		return nil, err
	}

	out := make([]model.Item, len(items))
	for i, it := range items {
		out[i] = *it
	}
	return out, nil
}

// loadManagers fills ManagerIDs. It must run after any open item rows are
// closed: the pool holds a single connection.
func loadManagers(ctx context.Context, q queryer, items []*model.Item) error {
	if len(items) == 0 {
		return nil
	}
	byID := make(map[int64]*model.Item, len(items))
	args := make([]any, len(items))
	for i, it := range items {
		byID[it.ID] = it
		args[i] = it.ID
	}

	rows, err := q.QueryContext(ctx,
		`SELECT item_id, manager_id FROM item_managers WHERE item_id IN (`+placeholders(len(args))+`) ORDER BY item_id, manager_id`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("list item managers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var itemID, managerID int64
		if err := rows.Scan(&itemID, &managerID); err != nil {
			return fmt.Errorf("scan item manager: %w", err)
		}
		if it, ok := byID[itemID]; ok {
			it.ManagerIDs = append(it.ManagerIDs, managerID)
		}
	}
	return rows.Err()
}

func (s *ItemStore) GetByID(ctx context.Context, id int64) (*model.Item, error) {
	return getItem(ctx, s.db, id)
}

// List returns items matching the filter, newest first.
func (s *ItemStore) List(ctx context.Context, f ItemFilter) ([]model.Item, error) {
	where := `WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Category != "" {
		where += ` AND category = ?`
		args = append(args, f.Category)
	}
	return listItems(ctx, s.db, where+` ORDER BY created_at DESC, id DESC`, args...)
}

// Categories returns the distinct non-empty categories in use.
func (s *ItemStore) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT category FROM items WHERE category != '' ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var cats []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}
