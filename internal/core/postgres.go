package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Cypherspark/campaign-dispatch/internal/audience"
	"github.com/Cypherspark/campaign-dispatch/internal/db"
)

// PGStore is the Postgres Store.
type PGStore struct{ DB *db.DB }

func NewPGStore(d *db.DB) *PGStore { return &PGStore{DB: d} }

// customerColumns maps rule conditions onto the customers table. The match
// queries bind the evaluation time as params.now.
var customerColumns = audience.Columns{
	audience.TotalSpent: "c.total_spent",
	audience.Visits:     "c.visits::float8",
	audience.LastVisit:  "floor(extract(epoch FROM (params.now - c.last_visit)) / 86400)::float8",
}

const matchFrom = `FROM customers c, (SELECT $1::timestamptz AS now) params WHERE `

func (s *PGStore) CreateCustomer(ctx context.Context, c Customer) (Customer, error) {
	c.ID = uuid.NewString()
	err := s.DB.Pool.QueryRow(ctx, `
		INSERT INTO customers(id, name, email, phone, total_spent, visits, last_visit)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, c.ID, c.Name, c.Email, c.Phone, c.TotalSpent, c.Visits, c.LastVisit).Scan(&c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Customer{}, ErrDuplicateEmail
		}
		return Customer{}, err
	}
	return c, nil
}

func (s *PGStore) ListCustomers(ctx context.Context) ([]Customer, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT id::text, name, email, phone, total_spent, visits, last_visit, created_at
		FROM customers ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.TotalSpent, &c.Visits, &c.LastVisit, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) GetCustomer(ctx context.Context, id string) (Customer, error) {
	if uuid.Validate(id) != nil {
		return Customer{}, notFound("customer", id)
	}
	var c Customer
	err := s.DB.Pool.QueryRow(ctx, `
		SELECT id::text, name, email, phone, total_spent, visits, last_visit, created_at
		FROM customers WHERE id=$1
	`, id).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.TotalSpent, &c.Visits, &c.LastVisit, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, notFound("customer", id)
	}
	return c, err
}

func (s *PGStore) UpdateCustomer(ctx context.Context, c Customer) (Customer, error) {
	if uuid.Validate(c.ID) != nil {
		return Customer{}, notFound("customer", c.ID)
	}
	err := s.DB.Pool.QueryRow(ctx, `
		UPDATE customers
		SET name=$2, email=$3, phone=$4, total_spent=$5, visits=$6, last_visit=$7
		WHERE id=$1
		RETURNING created_at
	`, c.ID, c.Name, c.Email, c.Phone, c.TotalSpent, c.Visits, c.LastVisit).Scan(&c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, notFound("customer", c.ID)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Customer{}, ErrDuplicateEmail
		}
		return Customer{}, err
	}
	return c, nil
}

// DeleteCustomer relies on ON DELETE CASCADE for the customer's messages.
func (s *PGStore) DeleteCustomer(ctx context.Context, id string) error {
	if uuid.Validate(id) != nil {
		return notFound("customer", id)
	}
	tag, err := s.DB.Pool.Exec(ctx, `DELETE FROM customers WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("customer", id)
	}
	return nil
}

func (s *PGStore) CountCustomers(ctx context.Context, p audience.Predicate, now time.Time) (int, error) {
	args := audience.NewArgs(now)
	q := `SELECT count(*) ` + matchFrom + p.SQL(customerColumns, args)
	var n int
	err := s.DB.Pool.QueryRow(ctx, q, args.Values()...).Scan(&n)
	return n, err
}

func (s *PGStore) MatchCustomers(ctx context.Context, p audience.Predicate, now time.Time) ([]string, error) {
	args := audience.NewArgs(now)
	q := `SELECT c.id::text ` + matchFrom + p.SQL(customerColumns, args) + ` ORDER BY c.created_at, c.id`
	rows, err := s.DB.Pool.Query(ctx, q, args.Values()...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PGStore) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	rules, err := json.Marshal(rulesOrEmpty(c.Rules))
	if err != nil {
		return Campaign{}, fmt.Errorf("encode rules: %w", err)
	}
	c.ID = uuid.NewString()
	c.Status = CampaignDraft
	err = s.DB.Pool.QueryRow(ctx, `
		INSERT INTO campaigns(id, name, message, rules, status, audience_size)
		VALUES($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at
	`, c.ID, c.Name, c.Message, rules, c.Status, c.AudienceSize).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Campaign{}, err
	}
	return c, nil
}

const campaignCols = `id::text, name, message, rules, status, audience_size, delivered, failed, error, created_at, updated_at, completed_at`

func scanCampaign(row pgx.Row) (Campaign, error) {
	var c Campaign
	var rules []byte
	if err := row.Scan(&c.ID, &c.Name, &c.Message, &rules, &c.Status, &c.AudienceSize,
		&c.Delivered, &c.Failed, &c.Error, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt); err != nil {
		return Campaign{}, err
	}
	if err := json.Unmarshal(rules, &c.Rules); err != nil {
		return Campaign{}, fmt.Errorf("decode rules of campaign %s: %w", c.ID, err)
	}
	return c, nil
}

func (s *PGStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	if uuid.Validate(id) != nil {
		return Campaign{}, notFound("campaign", id)
	}
	c, err := scanCampaign(s.DB.Pool.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, notFound("campaign", id)
	}
	return c, err
}

func (s *PGStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.DB.Pool.Query(ctx, `SELECT `+campaignCols+` FROM campaigns ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) PrepareRun(ctx context.Context, campaignID, body string, customerIDs []string) (int, error) {
	if uuid.Validate(campaignID) != nil {
		return 0, notFound("campaign", campaignID)
	}
	var n int64
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE campaigns
			SET status='active', audience_size=$2, delivered=0, failed=0,
			    error=NULL, completed_at=NULL, updated_at=now()
			WHERE id=$1
		`, campaignID, len(customerIDs))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return notFound("campaign", campaignID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE campaign_id=$1`, campaignID); err != nil {
			return err
		}
		tag, err = tx.Exec(ctx, `
			INSERT INTO messages(id, campaign_id, customer_id, body, status)
			SELECT gen_random_uuid(), $1, u.customer_id::uuid, $2, 'QUEUED'
			FROM unnest($3::text[]) WITH ORDINALITY AS u(customer_id, ord)
			ORDER BY u.ord
		`, campaignID, body, customerIDs)
		n = tag.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *PGStore) CompleteCampaign(ctx context.Context, id string, delivered, failed int, at time.Time) (bool, error) {
	tag, err := s.DB.Pool.Exec(ctx, `
		UPDATE campaigns
		SET status='completed', delivered=$2, failed=$3, completed_at=$4, updated_at=now()
		WHERE id=$1 AND status='active'
	`, id, delivered, failed, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) FailCampaign(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	tag, err := s.DB.Pool.Exec(ctx, `
		UPDATE campaigns SET status='failed', error=$2, updated_at=$3
		WHERE id=$1 AND status='active'
	`, id, reason, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ResumableCampaigns(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT c.id::text FROM campaigns c
		WHERE c.status='active'
		  AND EXISTS (SELECT 1 FROM messages m WHERE m.campaign_id=c.id AND m.status='QUEUED')
		ORDER BY c.updated_at
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PGStore) NextQueued(ctx context.Context, campaignID string, limit int) ([]QueuedMessage, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT m.id::text, m.campaign_id::text, m.customer_id::text, c.name, m.body
		FROM messages m JOIN customers c ON c.id = m.customer_id
		WHERE m.campaign_id=$1 AND m.status='QUEUED'
		ORDER BY m.seq
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.CustomerID, &m.CustomerName, &m.Body); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkSent(ctx context.Context, messageID, vendorMessageID string) error {
	_, err := s.DB.Pool.Exec(ctx, `
		UPDATE messages SET status='SENT', vendor_message_id=$2, updated_at=now()
		WHERE id=$1 AND status='QUEUED'
	`, messageID, vendorMessageID)
	return err
}

func (s *PGStore) MarkFailed(ctx context.Context, messageID, reason string) error {
	_, err := s.DB.Pool.Exec(ctx, `
		UPDATE messages SET status='FAILED', failure_reason=$2, updated_at=now()
		WHERE id=$1 AND status='QUEUED'
	`, messageID, reason)
	return err
}

func (s *PGStore) RecordDelivery(ctx context.Context, vendorMessageID, status string, at time.Time) (string, bool, error) {
	var campaignID string
	var recorded bool
	err := s.DB.Pool.QueryRow(ctx, `
		WITH hit AS (
			UPDATE messages SET delivery_status=$2, delivered_at=$3, updated_at=now()
			WHERE vendor_message_id=$1 AND delivered_at IS NULL
			RETURNING campaign_id
		)
		SELECT campaign_id::text, true FROM hit
		UNION ALL
		SELECT campaign_id::text, false FROM messages
		WHERE vendor_message_id=$1 AND NOT EXISTS (SELECT 1 FROM hit)
	`, vendorMessageID, status, at).Scan(&campaignID, &recorded)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, notFound("message", vendorMessageID)
	}
	return campaignID, recorded, err
}

func (s *PGStore) CountByStatus(ctx context.Context, campaignID string) (Stats, error) {
	var st Stats
	if uuid.Validate(campaignID) != nil {
		return st, nil
	}
	err := s.DB.Pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status='QUEUED'),
			count(*) FILTER (WHERE status='SENT'),
			count(*) FILTER (WHERE status='FAILED'),
			count(*) FILTER (WHERE delivery_status=$2)
		FROM messages WHERE campaign_id=$1
	`, campaignID, DeliveryDelivered).Scan(&st.Queued, &st.Sent, &st.Failed, &st.Delivered)
	return st, err
}

func (s *PGStore) ListMessages(ctx context.Context, campaignID string) ([]Message, error) {
	if uuid.Validate(campaignID) != nil {
		return nil, nil
	}
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT id::text, campaign_id::text, customer_id::text, body, status, vendor_message_id,
		       failure_reason, delivery_status, delivered_at, created_at, updated_at
		FROM messages WHERE campaign_id=$1 ORDER BY seq
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.CustomerID, &m.Body, &m.Status, &m.VendorMessageID,
			&m.FailureReason, &m.DeliveryStatus, &m.DeliveredAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func rulesOrEmpty(r []audience.Rule) []audience.Rule {
	if r == nil {
		return []audience.Rule{}
	}
	return r
}
