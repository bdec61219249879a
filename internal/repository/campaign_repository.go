package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
)

const campaignColumns = `id, customer_id, channel, message, status, attempts, next_eligible_at,
	last_event_id, event_ids, last_error, version, created_at, updated_at`

// createRetries bounds the insert/lookup loop in CreateIfAbsent when the
// conflicting campaign leaves the active set between the two statements.
const createRetries = 3

// CampaignRepository stores campaigns in PostgreSQL or SQLite. Queries are
// written with ? placeholders and rebound for the driver.
type CampaignRepository struct {
	DB  *sqlx.DB
	Now func() time.Time
}

func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{DB: db, Now: time.Now}
}

type campaignRow struct {
	ID             string `db:"id"`
	CustomerID     string `db:"customer_id"`
	Channel        string `db:"channel"`
	Message        string `db:"message"`
	Status         string `db:"status"`
	Attempts       int    `db:"attempts"`
	NextEligibleAt int64  `db:"next_eligible_at"`
	LastEventID    string `db:"last_event_id"`
	EventIDs       string `db:"event_ids"`
	LastError      string `db:"last_error"`
	Version        int64  `db:"version"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (row *campaignRow) toModel() (*model.Campaign, error) {
	var msg model.Message
	if row.Message != "" {
		if err := json.Unmarshal([]byte(row.Message), &msg); err != nil {
			return nil, fmt.Errorf("decode message for campaign %s: %w", row.ID, err)
		}
	}
	var eventIDs []string
	if row.EventIDs != "" {
		if err := json.Unmarshal([]byte(row.EventIDs), &eventIDs); err != nil {
			return nil, fmt.Errorf("decode event ids for campaign %s: %w", row.ID, err)
		}
	}
	return &model.Campaign{
		ID:             row.ID,
		CustomerID:     row.CustomerID,
		Channel:        model.Channel(row.Channel),
		Message:        msg,
		Status:         model.Status(row.Status),
		Attempts:       row.Attempts,
		NextEligibleAt: fromNanos(row.NextEligibleAt),
		LastEventID:    row.LastEventID,
		EventIDs:       eventIDs,
		LastError:      row.LastError,
		Version:        row.Version,
		CreatedAt:      fromNanos(row.CreatedAt),
		UpdatedAt:      fromNanos(row.UpdatedAt),
	}, nil
}

func (r *CampaignRepository) CreateIfAbsent(ctx context.Context, customerID string, channel model.Channel, msg model.Message) (*model.Campaign, bool, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, false, fmt.Errorf("encode message: %w", err)
	}

	active := activeStatusStrings()
	insert := r.DB.Rebind(fmt.Sprintf(`
        INSERT INTO campaigns (id, customer_id, channel, message, status, attempts, next_eligible_at,
            last_event_id, event_ids, last_error, version, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, 0, ?, '', '[]', '', 1, ?, ?)
        ON CONFLICT (customer_id) WHERE status IN (%s) DO NOTHING
    `, quoteList(active)))

	for range createRetries {
		now := toNanos(r.Now())
		id := uuid.New().String()
		res, err := r.DB.ExecContext(ctx, insert, id, customerID, string(channel), string(body),
			string(model.StatusPending), now, now, now)
		if err != nil {
			return nil, false, fmt.Errorf("insert campaign: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("insert campaign: %w", err)
		}
		if n == 1 {
			c, err := r.GetByID(ctx, id)
			return c, err == nil, err
		}

		existing, err := r.activeFor(ctx, customerID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, fmt.Errorf("create campaign for customer %s: %w", customerID, appErrors.ErrConflict)
}

func (r *CampaignRepository) activeFor(ctx context.Context, customerID string) (*model.Campaign, error) {
	query, args, err := sqlx.In(`SELECT `+campaignColumns+` FROM campaigns WHERE customer_id = ? AND status IN (?)`,
		customerID, activeStatusStrings())
	if err != nil {
		return nil, err
	}
	var row campaignRow
	err = r.DB.GetContext(ctx, &row, r.DB.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active campaign: %w", err)
	}
	return row.toModel()
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	var row campaignRow
	err := r.DB.GetContext(ctx, &row, r.DB.Rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("load campaign %s: %w", id, err)
	}
	return row.toModel()
}

func (r *CampaignRepository) ListDueForDispatch(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	query := `
        SELECT ` + campaignColumns + ` FROM campaigns
        WHERE status IN (?, ?) AND next_eligible_at <= ?
        ORDER BY next_eligible_at ASC
        LIMIT ?
    `
	return r.selectCampaigns(ctx, query, string(model.StatusPending), string(model.StatusFailedRetryable), toNanos(now), limit)
}

func (r *CampaignRepository) ListStaleSending(ctx context.Context, cutoff time.Time, limit int) ([]*model.Campaign, error) {
	query := `
        SELECT ` + campaignColumns + ` FROM campaigns
        WHERE status = ? AND updated_at < ?
        ORDER BY updated_at ASC
        LIMIT ?
    `
	return r.selectCampaigns(ctx, query, string(model.StatusSending), toNanos(cutoff), limit)
}

func (r *CampaignRepository) Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*model.Campaign, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, appErrors.ErrConflict
	}

	next, err := applyMutation(current, mutate, r.Now())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(next.Message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	eventIDs := next.EventIDs
	if eventIDs == nil {
		eventIDs = []string{}
	}
	events, err := json.Marshal(eventIDs)
	if err != nil {
		return nil, fmt.Errorf("encode event ids: %w", err)
	}

	query := r.DB.Rebind(`
        UPDATE campaigns
        SET channel=?, message=?, status=?, attempts=?, next_eligible_at=?, last_event_id=?,
            event_ids=?, last_error=?, version=?, updated_at=?
        WHERE id=? AND version=?
    `)
	res, err := r.DB.ExecContext(ctx, query,
		string(next.Channel), string(body), string(next.Status), next.Attempts, toNanos(next.NextEligibleAt),
		next.LastEventID, string(events), next.LastError, next.Version, toNanos(next.UpdatedAt),
		id, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update campaign %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update campaign %s: %w", id, err)
	}
	if n == 0 {
		return nil, appErrors.ErrConflict
	}
	return next, nil
}

func (r *CampaignRepository) ListForCustomer(ctx context.Context, customerID string) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE customer_id = ? ORDER BY created_at DESC, id DESC`
	return r.selectCampaigns(ctx, query, customerID)
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, filter model.CampaignFilter) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}

	if filter.Channel != "" {
		where += ` AND channel = ?`
		args = append(args, string(filter.Channel))
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	var total int
	if err := r.DB.GetContext(ctx, &total, r.DB.Rebind(`SELECT COUNT(*) FROM campaigns`+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	campaigns, err := r.selectCampaigns(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

func (r *CampaignRepository) GetCampaignStats(ctx context.Context) (map[model.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := r.DB.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM campaigns GROUP BY status`); err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}

	stats := make(map[model.Status]int, len(model.Statuses))
	for _, s := range model.Statuses {
		stats[s] = 0
	}
	for _, row := range rows {
		stats[model.Status(row.Status)] = row.Count
	}
	return stats, nil
}

func (r *CampaignRepository) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

func (r *CampaignRepository) selectCampaigns(ctx context.Context, query string, args ...interface{}) ([]*model.Campaign, error) {
	var rows []campaignRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]*model.Campaign, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, ", ")
}

// Times are stored as unix nanoseconds so both drivers compare them numerically.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
