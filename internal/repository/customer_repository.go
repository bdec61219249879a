package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
)

// CustomerRepository reads the customer projection and records churn scores.
type CustomerRepository struct {
	DB *sqlx.DB
}

func NewCustomerRepository(db *sqlx.DB) *CustomerRepository {
	return &CustomerRepository{DB: db}
}

type customerRow struct {
	ID             string   `db:"id"`
	FirstName      string   `db:"first_name"`
	LastName       string   `db:"last_name"`
	ChurnRiskScore *float64 `db:"churn_risk_score"`
	ScoredAt       int64    `db:"scored_at"`
}

type addressRow struct {
	CustomerID string `db:"customer_id"`
	Channel    string `db:"channel"`
	Address    string `db:"address"`
}

func (row customerRow) toModel() *model.Customer {
	return &model.Customer{
		ID:               row.ID,
		FirstName:        row.FirstName,
		LastName:         row.LastName,
		ChurnRiskScore:   row.ChurnRiskScore,
		ScoredAt:         fromNanos(row.ScoredAt),
		ChannelAddresses: map[model.Channel]string{},
	}
}

// GetByID fetches a customer and its channel addresses.
func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*model.Customer, error) {
	var row customerRow
	err := r.DB.GetContext(ctx, &row, r.DB.Rebind(`
        SELECT id, first_name, last_name, churn_risk_score, scored_at
        FROM customers
        WHERE id = ?
    `), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCustomerNotFound(id)
		}
		return nil, fmt.Errorf("load customer %s: %w", id, err)
	}

	c := row.toModel()
	if err := r.loadAddresses(ctx, []*model.Customer{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *CustomerRepository) ListBatch(ctx context.Context, afterID string, limit int) ([]*model.Customer, error) {
	var rows []customerRow
	err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(`
        SELECT id, first_name, last_name, churn_risk_score, scored_at
        FROM customers
        WHERE id > ?
        ORDER BY id ASC
        LIMIT ?
    `), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}

	customers := make([]*model.Customer, len(rows))
	for i, row := range rows {
		customers[i] = row.toModel()
	}
	if err := r.loadAddresses(ctx, customers); err != nil {
		return nil, err
	}
	return customers, nil
}

func (r *CustomerRepository) loadAddresses(ctx context.Context, customers []*model.Customer) error {
	if len(customers) == 0 {
		return nil
	}
	byID := make(map[string]*model.Customer, len(customers))
	ids := make([]string, len(customers))
	for i, c := range customers {
		byID[c.ID] = c
		ids[i] = c.ID
	}

	query, args, err := sqlx.In(`SELECT customer_id, channel, address FROM customer_addresses WHERE customer_id IN (?)`, ids)
	if err != nil {
		return err
	}
	var rows []addressRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return fmt.Errorf("load customer addresses: %w", err)
	}
	for _, row := range rows {
		if c, ok := byID[row.CustomerID]; ok && row.Address != "" {
			c.ChannelAddresses[model.Channel(row.Channel)] = row.Address
		}
	}
	return nil
}

// Upsert replaces a customer's profile and addresses. The churn score is left
// untouched unless c carries one.
func (r *CustomerRepository) Upsert(ctx context.Context, c *model.Customer) error {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := toNanos(time.Now())
	_, err = tx.ExecContext(ctx, tx.Rebind(`
        INSERT INTO customers (id, first_name, last_name, churn_risk_score, scored_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            first_name = excluded.first_name,
            last_name = excluded.last_name,
            churn_risk_score = COALESCE(excluded.churn_risk_score, customers.churn_risk_score),
            scored_at = CASE WHEN excluded.churn_risk_score IS NULL THEN customers.scored_at ELSE excluded.scored_at END,
            updated_at = excluded.updated_at
    `), c.ID, c.FirstName, c.LastName, c.ChurnRiskScore, toNanos(c.ScoredAt), now)
	if err != nil {
		return fmt.Errorf("upsert customer %s: %w", c.ID, err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM customer_addresses WHERE customer_id = ?`), c.ID); err != nil {
		return fmt.Errorf("clear addresses for %s: %w", c.ID, err)
	}
	for ch, addr := range c.ChannelAddresses {
		if addr == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
            INSERT INTO customer_addresses (customer_id, channel, address) VALUES (?, ?, ?)
        `), c.ID, string(ch), addr)
		if err != nil {
			return fmt.Errorf("insert address for %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// RecordRiskScore writes the churn score, the only customer column the engine owns.
func (r *CustomerRepository) RecordRiskScore(ctx context.Context, id string, score float64, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`
        UPDATE customers SET churn_risk_score = ?, scored_at = ? WHERE id = ?
    `), score, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("record risk score for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCustomerNotFound(id)
	}
	return nil
}

var _ CustomerRepositoryInterface = (*CustomerRepository)(nil)
