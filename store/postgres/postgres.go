/*
Package postgres provides a PostgreSQL implementation of crm.Store on pgx.

PURPOSE:
  Production store for deployments that outgrow a single SQLite file.
  Same contract as store/sqlite: each primitive is one statement whose
  WHERE clause carries the invariant.

LOCKING (READ COMMITTED):
  MarkConverted      UPDATE ... WHERE converted_at IS NULL takes the user row
                     lock; a concurrent payment re-evaluates the predicate
                     after the winner commits and matches nothing.
  CommissionTerms    SELECT ... FOR NO KEY UPDATE on the partner row, so the
                     tier lookup and the credit see the same total_revenue.
  ExpireSubscriptions  a competing sweep re-checks status = 'active' after
                     the row lock is released.

MONEY:
  NUMERIC(14,2). Values cross the wire as text ($n::numeric, col::text) so
  no float conversion ever happens.

SEE ALSO:
  - store/sqlite: Default store, same schema guards
  - crm/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/partner-crm/crm"
)

// migrationLock serializes concurrent schema migrations across processes.
const migrationLock = 7240_0001

// Store implements crm.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the pool for tests that need raw SQL.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) migrate(ctx context.Context) error {
	// No arguments: pgx sends this with the simple protocol, as one implicit
	// transaction, so the advisory lock covers every statement.
	schema := fmt.Sprintf(`
	SELECT pg_advisory_xact_lock(%d);

	CREATE TABLE IF NOT EXISTS partners (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		name TEXT NOT NULL,
		commission_percent INTEGER NOT NULL DEFAULT 0
			CHECK (commission_percent BETWEEN 0 AND 50),
		commission_slabs JSONB,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		total_revenue NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (total_revenue >= 0),
		total_added BIGINT NOT NULL DEFAULT 0 CHECK (total_added >= 0),
		total_converted BIGINT NOT NULL DEFAULT 0 CHECK (total_converted >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_partners_email ON partners (lower(email));

	CREATE TABLE IF NOT EXISTS user_subscriptions (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		partner_id TEXT REFERENCES partners(id),
		region TEXT NOT NULL
			CHECK (region IN ('in', 'us', 'eu', 'uk', 'apac', 'row')),
		subscription_status TEXT NOT NULL DEFAULT 'added'
			CHECK (subscription_status IN ('added', 'active', 'expired')),
		subscription_ends_at TIMESTAMPTZ,
		converted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_user_subscriptions_email ON user_subscriptions (lower(email));
	CREATE INDEX IF NOT EXISTS idx_user_subscriptions_partner ON user_subscriptions (partner_id);
	CREATE INDEX IF NOT EXISTS idx_user_subscriptions_expiry
		ON user_subscriptions (subscription_ends_at) WHERE subscription_status = 'active';

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		external_ref TEXT NOT NULL CONSTRAINT payments_external_ref_key UNIQUE,
		user_id TEXT NOT NULL REFERENCES user_subscriptions(id),
		amount NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
		currency CHAR(3) NOT NULL,
		paid_at TIMESTAMPTZ NOT NULL,
		covers_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_user ON payments (user_id, paid_at);

	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL REFERENCES partners(id),
		user_id TEXT NOT NULL CONSTRAINT commissions_user_id_key UNIQUE REFERENCES user_subscriptions(id),
		payment_id TEXT NOT NULL REFERENCES payments(id),
		payment_amount NUMERIC(14,2) NOT NULL CHECK (payment_amount >= 0),
		rate NUMERIC(7,4) NOT NULL,
		amount NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commissions_partner ON commissions (partner_id);

	CREATE OR REPLACE FUNCTION crm_guard_subscription() RETURNS trigger AS $$
	BEGIN
		IF NEW.subscription_status = 'added' AND OLD.subscription_status <> 'added' THEN
			RAISE EXCEPTION 'illegal subscription status transition';
		END IF;
		IF OLD.converted_at IS NOT NULL AND NEW.converted_at IS DISTINCT FROM OLD.converted_at THEN
			RAISE EXCEPTION 'converted_at is immutable';
		END IF;
		RETURN NEW;
	END
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_subscription_guard ON user_subscriptions;
	CREATE TRIGGER trg_subscription_guard
		BEFORE UPDATE ON user_subscriptions
		FOR EACH ROW EXECUTE FUNCTION crm_guard_subscription();

	CREATE OR REPLACE FUNCTION crm_guard_partner_aggregates() RETURNS trigger AS $$
	BEGIN
		IF NEW.total_revenue < OLD.total_revenue
			OR NEW.total_added < OLD.total_added
			OR NEW.total_converted < OLD.total_converted THEN
			RAISE EXCEPTION 'partner aggregates are monotonic';
		END IF;
		RETURN NEW;
	END
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_partner_aggregates_monotonic ON partners;
	CREATE TRIGGER trg_partner_aggregates_monotonic
		BEFORE UPDATE ON partners
		FOR EACH ROW EXECUTE FUNCTION crm_guard_partner_aggregates();

	CREATE OR REPLACE FUNCTION crm_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION '%% rows are append-only', TG_TABLE_NAME;
	END
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_payments_append_only ON payments;
	CREATE TRIGGER trg_payments_append_only
		BEFORE UPDATE ON payments
		FOR EACH ROW EXECUTE FUNCTION crm_append_only();

	DROP TRIGGER IF EXISTS trg_commissions_append_only ON commissions;
	CREATE TRIGGER trg_commissions_append_only
		BEFORE UPDATE ON commissions
		FOR EACH ROW EXECUTE FUNCTION crm_append_only();
	`, migrationLock)

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// UNITS OF WORK
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn in one READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(crm.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(pgTx pgx.Tx) error {
		return fn(&tx{q: pgTx})
	})
	return mapError(err)
}

type tx struct {
	q querier
}

func (t *tx) CreatePartner(ctx context.Context, p crm.Partner) error {
	slabs, err := encodeSlabs(p.CommissionSlabs)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO partners
		(id, email, name, commission_percent, commission_slabs, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
	`, string(p.ID), p.Email, p.Name, p.CommissionPercent, slabs, p.Active, p.CreatedAt, p.UpdatedAt)
	return mapError(err)
}

func (t *tx) GetPartner(ctx context.Context, id crm.PartnerID) (*crm.Partner, error) {
	return getPartner(ctx, t.q, id)
}

func (t *tx) SetPartnerActive(ctx context.Context, id crm.PartnerID, active bool, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE partners SET active = $1, updated_at = $2 WHERE id = $3`,
		active, at, string(id))
	return affected(tag, err)
}

func (t *tx) InsertSubscriber(ctx context.Context, s crm.Subscriber) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO user_subscriptions
		(id, email, partner_id, region, subscription_status, subscription_ends_at,
		 converted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, string(s.ID), s.Email, partnerArg(s.PartnerID), string(s.Region), string(s.Status),
		s.SubscriptionEndsAt, s.ConvertedAt, s.CreatedAt, s.UpdatedAt)
	if isForeignKeyError(err) {
		return crm.ErrPartnerNotFound
	}
	return mapError(err)
}

func (t *tx) GetSubscriber(ctx context.Context, id crm.UserID) (*crm.Subscriber, error) {
	return getSubscriber(ctx, t.q, id)
}

func (t *tx) IncrementAdded(ctx context.Context, id crm.PartnerID, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE partners
		SET total_added = total_added + 1, updated_at = $1
		WHERE id = $2
	`, at, string(id))
	return affected(tag, err)
}

func (t *tx) InsertPayment(ctx context.Context, p crm.Payment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO payments
		(id, external_ref, user_id, amount, currency, paid_at, covers_until, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
	`, string(p.ID), p.ExternalRef, string(p.UserID), p.Amount.String(), p.Currency,
		p.PaidAt, p.CoversUntil, p.CreatedAt)
	if isForeignKeyError(err) {
		return crm.ErrUserNotFound
	}
	return mapError(err)
}

func (t *tx) MarkConverted(ctx context.Context, id crm.UserID, paidAt, at time.Time) (*crm.PartnerID, bool, error) {
	var partnerID *string
	err := t.q.QueryRow(ctx, `
		UPDATE user_subscriptions
		SET converted_at = $1, subscription_status = 'active', updated_at = $2
		WHERE id = $3 AND converted_at IS NULL
		RETURNING partner_id
	`, paidAt, at, string(id)).Scan(&partnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapError(err)
	}
	if partnerID == nil {
		return nil, true, nil
	}
	pid := crm.PartnerID(*partnerID)
	return &pid, true, nil
}

func (t *tx) ExtendSubscription(ctx context.Context, id crm.UserID, until time.Time, at time.Time) error {
	_, err := t.q.Exec(ctx, `
		UPDATE user_subscriptions
		SET subscription_ends_at = $1, updated_at = $2,
			subscription_status = CASE
				WHEN subscription_status = 'expired' AND $4::boolean THEN 'active'
				ELSE subscription_status
			END
		WHERE id = $3 AND (subscription_ends_at IS NULL OR subscription_ends_at < $1)
	`, until, at, string(id), until.After(at))
	return mapError(err)
}

func (t *tx) CommissionTerms(ctx context.Context, id crm.PartnerID) (*crm.CommissionTerms, error) {
	var (
		percent int64
		slabs   []byte
		revenue string
	)
	err := t.q.QueryRow(ctx, `
		SELECT commission_percent, commission_slabs, total_revenue::text
		FROM partners
		WHERE id = $1
		FOR NO KEY UPDATE
	`, string(id)).Scan(&percent, &slabs, &revenue)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, crm.ErrPartnerNotFound
	}
	if err != nil {
		return nil, err
	}
	decoded, err := decodeSlabs(slabs)
	if err != nil {
		return nil, err
	}
	total, err := decimal.NewFromString(revenue)
	if err != nil {
		return nil, err
	}
	return &crm.CommissionTerms{
		PartnerID:    id,
		Percent:      decimal.NewFromInt(percent),
		Slabs:        decoded,
		TotalRevenue: total,
	}, nil
}

func (t *tx) CreditCommission(ctx context.Context, id crm.PartnerID, amount decimal.Decimal, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE partners
		SET total_revenue = total_revenue + $1::numeric,
		    total_converted = total_converted + 1,
		    updated_at = $2
		WHERE id = $3
	`, amount.String(), at, string(id))
	return affected(tag, err)
}

func (t *tx) AppendCommission(ctx context.Context, e crm.CommissionEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO commissions
		(id, partner_id, user_id, payment_id, payment_amount, rate, amount, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8)
	`, e.ID, string(e.PartnerID), string(e.UserID), string(e.PaymentID),
		e.PaymentAmount.String(), e.Rate.String(), e.Amount.String(), e.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName == "commissions_user_id_key" {
		return &crm.ConsistencyError{PartnerID: e.PartnerID, Op: "journal second commission for user " + string(e.UserID)}
	}
	return mapError(err)
}

func (t *tx) CompareAndSetSubscription(ctx context.Context, id crm.UserID, expect crm.Status, upd crm.SubscriptionUpdate, at time.Time) (bool, error) {
	args := []any{at}
	sets := []string{"updated_at = $1"}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if upd.Status != nil {
		sets = append(sets, "subscription_status = "+arg(string(*upd.Status)))
	}
	switch {
	case upd.ClearEndsAt:
		sets = append(sets, "subscription_ends_at = NULL")
	case upd.EndsAt != nil:
		sets = append(sets, "subscription_ends_at = "+arg(*upd.EndsAt))
	}
	query := `UPDATE user_subscriptions SET ` + strings.Join(sets, ", ") +
		` WHERE id = ` + arg(string(id)) + ` AND subscription_status = ` + arg(string(expect))

	tag, err := t.q.Exec(ctx, query, args...)
	return affected(tag, err)
}

// =============================================================================
// READS
// =============================================================================

const partnerColumns = `
	id, email, name, commission_percent, commission_slabs, active,
	total_revenue::text, total_added, total_converted, created_at, updated_at`

const subscriberColumns = `
	id, email, partner_id, region, subscription_status, subscription_ends_at,
	converted_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) GetPartner(ctx context.Context, id crm.PartnerID) (*crm.Partner, error) {
	return getPartner(ctx, s.pool, id)
}

func getPartner(ctx context.Context, q querier, id crm.PartnerID) (*crm.Partner, error) {
	p, err := scanPartner(q.QueryRow(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, crm.ErrPartnerNotFound
	}
	return p, err
}

func (s *Store) ListPartners(ctx context.Context) ([]crm.Partner, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+partnerColumns+` FROM partners ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	partners := []crm.Partner{}
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		partners = append(partners, *p)
	}
	return partners, rows.Err()
}

func scanPartner(row scanner) (*crm.Partner, error) {
	var (
		p       crm.Partner
		id      string
		slabs   []byte
		revenue string
	)
	if err := row.Scan(&id, &p.Email, &p.Name, &p.CommissionPercent, &slabs, &p.Active,
		&revenue, &p.TotalAdded, &p.TotalConverted, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeSlabs(slabs)
	if err != nil {
		return nil, err
	}
	if p.TotalRevenue, err = decimal.NewFromString(revenue); err != nil {
		return nil, err
	}
	p.ID = crm.PartnerID(id)
	p.CommissionSlabs = decoded
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) GetSubscriber(ctx context.Context, id crm.UserID) (*crm.Subscriber, error) {
	return getSubscriber(ctx, s.pool, id)
}

func getSubscriber(ctx context.Context, q querier, id crm.UserID) (*crm.Subscriber, error) {
	sub, err := scanSubscriber(q.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM user_subscriptions WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, crm.ErrUserNotFound
	}
	return sub, err
}

func (s *Store) ListSubscribers(ctx context.Context, partnerID *crm.PartnerID) ([]crm.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM user_subscriptions`
	var args []any
	if partnerID != nil {
		query += ` WHERE partner_id = $1`
		args = append(args, string(*partnerID))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []crm.Subscriber{}
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanSubscriber(row scanner) (*crm.Subscriber, error) {
	var (
		sub                crm.Subscriber
		id, region, status string
		partnerID          *string
	)
	if err := row.Scan(&id, &sub.Email, &partnerID, &region, &status, &sub.SubscriptionEndsAt,
		&sub.ConvertedAt, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.ID = crm.UserID(id)
	if partnerID != nil {
		pid := crm.PartnerID(*partnerID)
		sub.PartnerID = &pid
	}
	sub.Region = crm.Region(region)
	sub.Status = crm.Status(status)
	sub.SubscriptionEndsAt = utc(sub.SubscriptionEndsAt)
	sub.ConvertedAt = utc(sub.ConvertedAt)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func (s *Store) ListPayments(ctx context.Context, userID crm.UserID) ([]crm.Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_ref, user_id, amount::text, currency, paid_at, covers_until, created_at
		FROM payments
		WHERE user_id = $1
		ORDER BY paid_at, created_at
	`, string(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []crm.Payment{}
	for rows.Next() {
		var (
			p               crm.Payment
			id, uid, amount string
		)
		if err := rows.Scan(&id, &p.ExternalRef, &uid, &amount, &p.Currency, &p.PaidAt, &p.CoversUntil, &p.CreatedAt); err != nil {
			return nil, err
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		p.ID = crm.PaymentID(id)
		p.UserID = crm.UserID(uid)
		p.PaidAt = p.PaidAt.UTC()
		p.CoversUntil = utc(p.CoversUntil)
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) StatusCounts(ctx context.Context, partnerID *crm.PartnerID) (crm.StatusCounts, error) {
	query := `SELECT subscription_status, COUNT(*) FROM user_subscriptions`
	var args []any
	if partnerID != nil {
		query += ` WHERE partner_id = $1`
		args = append(args, string(*partnerID))
	}
	query += ` GROUP BY subscription_status`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := crm.StatusCounts{}
	for _, st := range crm.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[crm.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) AuditPartner(ctx context.Context, id crm.PartnerID) (*crm.PartnerAudit, error) {
	var (
		revenue, journalRevenue     string
		converted, journalConverted int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT p.total_revenue::text, p.total_converted,
		       COALESCE(SUM(c.amount), 0)::text, COUNT(c.id)
		FROM partners p
		LEFT JOIN commissions c ON c.partner_id = p.id
		WHERE p.id = $1
		GROUP BY p.id
	`, string(id)).Scan(&revenue, &converted, &journalRevenue, &journalConverted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, crm.ErrPartnerNotFound
	}
	if err != nil {
		return nil, err
	}
	audit := &crm.PartnerAudit{PartnerID: id, TotalConverted: converted, JournalConverted: journalConverted}
	if audit.TotalRevenue, err = decimal.NewFromString(revenue); err != nil {
		return nil, err
	}
	if audit.JournalRevenue, err = decimal.NewFromString(journalRevenue); err != nil {
		return nil, err
	}
	return audit, nil
}

// =============================================================================
// SWEEP / RESET
// =============================================================================

func (s *Store) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_subscriptions
		SET subscription_status = 'expired', updated_at = $1
		WHERE subscription_status = 'active'
		  AND subscription_ends_at < $1
	`, now)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

// Reset clears all data (for demo scenarios and tests).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE commissions, payments, user_subscriptions, partners`)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func partnerArg(id *crm.PartnerID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func encodeSlabs(slabs []crm.CommissionSlab) (*string, error) {
	if len(slabs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(slabs)
	if err != nil {
		return nil, fmt.Errorf("encode commission slabs: %w", err)
	}
	s := string(b)
	return &s, nil
}

func decodeSlabs(b []byte) ([]crm.CommissionSlab, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var slabs []crm.CommissionSlab
	if err := json.Unmarshal(b, &slabs); err != nil {
		return nil, fmt.Errorf("decode commission slabs: %w", err)
	}
	return slabs, nil
}

func affected(tag pgconn.CommandTag, err error) (bool, error) {
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// mapError converts constraint and guard failures into crm errors.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		switch pgErr.ConstraintName {
		case "payments_external_ref_key":
			return crm.ErrDuplicatePaymentReference
		case "idx_partners_email", "idx_user_subscriptions_email":
			return crm.ErrDuplicateEmail
		}
		return fmt.Errorf("%w: %s", crm.ErrDuplicateID, pgErr.ConstraintName)
	case "23514": // check_violation
		return fmt.Errorf("%w: %s", crm.ErrInvalidInput, pgErr.ConstraintName)
	case "P0001": // raise_exception
		if strings.Contains(pgErr.Message, "illegal subscription status transition") {
			return fmt.Errorf("%w: %s", crm.ErrIllegalTransition, pgErr.Message)
		}
		return fmt.Errorf("%w: %s", crm.ErrConsistencyViolation, pgErr.Message)
	}
	return err
}
