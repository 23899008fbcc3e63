package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// StandType categorises a vendor stand.
type StandType string

const (
	StandFood        StandType = "FOOD"
	StandDrink       StandType = "DRINK"
	StandMerchandise StandType = "MERCHANDISE"
	StandService     StandType = "SERVICE"
	StandOther       StandType = "OTHER"
)

// CachedStand is a read-mostly catalogue entry for a vendor stand.
type CachedStand struct {
	ID         string    `json:"id"`
	FestivalID string    `json:"festival_id"`
	Name       string    `json:"name"`
	Type       StandType `json:"type"`
	UpdatedAt  int64     `json:"updated_at"`
}

// CachedProduct is a read-mostly catalogue entry owned by a stand.
type CachedProduct struct {
	ID            string `json:"id"`
	StandID       string `json:"stand_id"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Price         uint64 `json:"price"`
	Available     bool   `json:"available"`
	StockQuantity *int64 `json:"stock_quantity,omitempty"`
	UpdatedAt     int64  `json:"updated_at"`
}

// BatchUpsertStands bulk-writes server catalogue state, last-write-wins.
func (s *Storage) BatchUpsertStands(stands []*CachedStand) error {
	if len(stands) == 0 {
		return nil
	}
	return s.Tx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		stmt, err := tx.Prepare(`
			INSERT INTO cached_stands (id, festival_id, name, type, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				festival_id = excluded.festival_id,
				name = excluded.name,
				type = excluded.type,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, st := range stands {
			if _, err := stmt.Exec(st.ID, st.FestivalID, st.Name, string(st.Type), now); err != nil {
				return fmt.Errorf("failed to upsert stand %s: %w", st.ID, err)
			}
		}
		return nil
	})
}

// BatchUpsertProducts bulk-writes server catalogue state, last-write-wins.
func (s *Storage) BatchUpsertProducts(products []*CachedProduct) error {
	if len(products) == 0 {
		return nil
	}
	return s.Tx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		stmt, err := tx.Prepare(`
			INSERT INTO cached_products (id, stand_id, name, category, price, available, stock_quantity, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				stand_id = excluded.stand_id,
				name = excluded.name,
				category = excluded.category,
				price = excluded.price,
				available = excluded.available,
				stock_quantity = excluded.stock_quantity,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range products {
			available := 0
			if p.Available {
				available = 1
			}
			if _, err := stmt.Exec(p.ID, p.StandID, p.Name, p.Category, p.Price, available, nullInt(p.StockQuantity), now); err != nil {
				return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// ListStands returns the cached stands for a festival, optionally filtered
// by type.
func (s *Storage) ListStands(festivalID string, standType StandType) ([]*CachedStand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, festival_id, name, type, updated_at FROM cached_stands WHERE festival_id = ?`
	args := []interface{}{festivalID}
	if standType != "" {
		query += ` AND type = ?`
		args = append(args, string(standType))
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stands: %w", err)
	}
	defer rows.Close()

	var out []*CachedStand
	for rows.Next() {
		var st CachedStand
		if err := rows.Scan(&st.ID, &st.FestivalID, &st.Name, &st.Type, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// ListProducts returns a stand's cached products. availableOnly filters to
// products currently for sale.
func (s *Storage) ListProducts(standID string, category string, availableOnly bool) ([]*CachedProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, stand_id, name, category, price, available, stock_quantity, updated_at
		FROM cached_products WHERE stand_id = ?`
	args := []interface{}{standID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	if availableOnly {
		query += ` AND available = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []*CachedProduct
	for rows.Next() {
		var p CachedProduct
		var available int
		var stock sql.NullInt64
		if err := rows.Scan(&p.ID, &p.StandID, &p.Name, &p.Category, &p.Price, &available, &stock, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Available = available == 1
		if stock.Valid {
			p.StockQuantity = &stock.Int64
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetProduct retrieves a cached product by id.
func (s *Storage) GetProduct(id string) (*CachedProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p CachedProduct
	var available int
	var stock sql.NullInt64
	err := s.db.QueryRow(`
		SELECT id, stand_id, name, category, price, available, stock_quantity, updated_at
		FROM cached_products WHERE id = ?
	`, id).Scan(&p.ID, &p.StandID, &p.Name, &p.Category, &p.Price, &available, &stock, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Available = available == 1
	if stock.Valid {
		p.StockQuantity = &stock.Int64
	}
	return &p, nil
}

// ClearCatalog drops the cached catalogue, used before a full re-hydrate.
// Products go with their stands via cascade.
func (s *Storage) ClearCatalog() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM cached_stands`)
	return err
}
