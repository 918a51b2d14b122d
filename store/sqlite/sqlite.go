/*
Package sqlite provides a SQLite-backed implementation of crm.Store.

PURPOSE:
  Default store for the partner CRM, and the store used by most tests.
  Every ledger primitive is one SQL statement whose WHERE clause carries the
  invariant, executed inside a BEGIN IMMEDIATE transaction.

KEY TABLES:
  partners:            Referrers and their running aggregates
  user_subscriptions:  One row per end-user
  payments:            Append-only charges, unique external_ref
  commissions:         Append-only commission journal, unique user_id

MONEY:
  Stored as INTEGER minor units (*_minor columns). total_revenue_minor =
  total_revenue_minor + ? is exact integer arithmetic inside the engine.

TIME:
  Stored as fixed-width UTC text (timeLayout) so string comparison in SQL
  matches chronological order. The sweeper relies on this.

SCHEMA GUARDS:
  The triggers below reject, at the lowest layer:
  - status regression to 'added' (trg_subscription_status_guard)
  - clearing or overwriting converted_at (trg_converted_at_immutable)
  - lowering any partner aggregate (trg_partner_aggregates_monotonic)
  - updating payments or commission journal rows

CONCURRENCY:
  Opened with _txlock=immediate: a unit of work takes the write lock when
  it begins, so read-then-update sequences inside one unit of work cannot
  interleave with another writer. WAL mode lets readers proceed. An
  in-memory database is pinned to one connection, since each connection to
  ":memory:" would otherwise see its own empty database.

USAGE:
  store, err := sqlite.New("./data/crm.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := crm.NewLedger(store)

SEE ALSO:
  - crm/store.go: Interface definitions
  - store/postgres: Same contract on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/partner-crm/crm"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements crm.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tests that need raw SQL.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS partners (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		name TEXT NOT NULL,
		commission_percent INTEGER NOT NULL DEFAULT 0
			CHECK (commission_percent BETWEEN 0 AND 50),
		commission_slabs_json TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		total_revenue_minor INTEGER NOT NULL DEFAULT 0 CHECK (total_revenue_minor >= 0),
		total_added INTEGER NOT NULL DEFAULT 0 CHECK (total_added >= 0),
		total_converted INTEGER NOT NULL DEFAULT 0 CHECK (total_converted >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_partners_email
		ON partners(email COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS user_subscriptions (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		partner_id TEXT REFERENCES partners(id),
		region TEXT NOT NULL
			CHECK (region IN ('in', 'us', 'eu', 'uk', 'apac', 'row')),
		subscription_status TEXT NOT NULL DEFAULT 'added'
			CHECK (subscription_status IN ('added', 'active', 'expired')),
		subscription_ends_at TEXT,
		converted_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_user_subscriptions_email
		ON user_subscriptions(email COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_user_subscriptions_partner
		ON user_subscriptions(partner_id);

	-- Sweeper hot path
	CREATE INDEX IF NOT EXISTS idx_user_subscriptions_expiry
		ON user_subscriptions(subscription_status, subscription_ends_at);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		external_ref TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES user_subscriptions(id),
		amount_minor INTEGER NOT NULL CHECK (amount_minor >= 0),
		currency TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		covers_until TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_user
		ON payments(user_id, paid_at);

	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL REFERENCES partners(id),
		user_id TEXT NOT NULL UNIQUE REFERENCES user_subscriptions(id),
		payment_id TEXT NOT NULL REFERENCES payments(id),
		payment_amount_minor INTEGER NOT NULL CHECK (payment_amount_minor >= 0),
		rate TEXT NOT NULL,
		amount_minor INTEGER NOT NULL CHECK (amount_minor >= 0),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commissions_partner
		ON commissions(partner_id);

	CREATE TRIGGER IF NOT EXISTS trg_subscription_status_guard
	BEFORE UPDATE OF subscription_status ON user_subscriptions
	WHEN NEW.subscription_status = 'added' AND OLD.subscription_status <> 'added'
	BEGIN
		SELECT RAISE(ABORT, 'illegal subscription status transition');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_converted_at_immutable
	BEFORE UPDATE OF converted_at ON user_subscriptions
	WHEN OLD.converted_at IS NOT NULL
		AND (NEW.converted_at IS NULL OR NEW.converted_at <> OLD.converted_at)
	BEGIN
		SELECT RAISE(ABORT, 'converted_at is immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_partner_aggregates_monotonic
	BEFORE UPDATE ON partners
	WHEN NEW.total_revenue_minor < OLD.total_revenue_minor
		OR NEW.total_added < OLD.total_added
		OR NEW.total_converted < OLD.total_converted
	BEGIN
		SELECT RAISE(ABORT, 'partner aggregates are monotonic');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_payments_append_only
	BEFORE UPDATE ON payments
	BEGIN
		SELECT RAISE(ABORT, 'payments are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_commissions_append_only
	BEFORE UPDATE ON commissions
	BEGIN
		SELECT RAISE(ABORT, 'commissions are append-only');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNITS OF WORK
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside one BEGIN IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(crm.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

type tx struct {
	q querier
}

func (t *tx) CreatePartner(ctx context.Context, p crm.Partner) error {
	slabs, err := encodeSlabs(p.CommissionSlabs)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO partners
		(id, email, name, commission_percent, commission_slabs_json, active,
		 total_revenue_minor, total_added, total_converted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
	`,
		string(p.ID), p.Email, p.Name, p.CommissionPercent, slabs, p.Active,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return mapError(err)
}

func (t *tx) GetPartner(ctx context.Context, id crm.PartnerID) (*crm.Partner, error) {
	return getPartner(ctx, t.q, id)
}

func (t *tx) SetPartnerActive(ctx context.Context, id crm.PartnerID, active bool, at time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE partners SET active = ?, updated_at = ? WHERE id = ?`,
		active, formatTime(at), string(id))
	return affected(res, err)
}

func (t *tx) InsertSubscriber(ctx context.Context, s crm.Subscriber) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO user_subscriptions
		(id, email, partner_id, region, subscription_status, subscription_ends_at,
		 converted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(s.ID), s.Email, partnerArg(s.PartnerID), string(s.Region), string(s.Status),
		timeArg(s.SubscriptionEndsAt), timeArg(s.ConvertedAt),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if isForeignKeyError(err) {
		return crm.ErrPartnerNotFound
	}
	return mapError(err)
}

func (t *tx) GetSubscriber(ctx context.Context, id crm.UserID) (*crm.Subscriber, error) {
	return getSubscriber(ctx, t.q, id)
}

func (t *tx) IncrementAdded(ctx context.Context, id crm.PartnerID, at time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE partners
		SET total_added = total_added + 1, updated_at = ?
		WHERE id = ?
	`, formatTime(at), string(id))
	return affected(res, err)
}

func (t *tx) InsertPayment(ctx context.Context, p crm.Payment) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO payments
		(id, external_ref, user_id, amount_minor, currency, paid_at, covers_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(p.ID), p.ExternalRef, string(p.UserID), toMinor(p.Amount), p.Currency,
		formatTime(p.PaidAt), timeArg(p.CoversUntil), formatTime(p.CreatedAt),
	)
	if isForeignKeyError(err) {
		return crm.ErrUserNotFound
	}
	return mapError(err)
}

func (t *tx) MarkConverted(ctx context.Context, id crm.UserID, paidAt, at time.Time) (*crm.PartnerID, bool, error) {
	var partnerID sql.NullString
	err := t.q.QueryRowContext(ctx, `
		UPDATE user_subscriptions
		SET converted_at = ?, subscription_status = 'active', updated_at = ?
		WHERE id = ? AND converted_at IS NULL
		RETURNING partner_id
	`, formatTime(paidAt), formatTime(at), string(id)).Scan(&partnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapError(err)
	}
	if !partnerID.Valid {
		return nil, true, nil
	}
	pid := crm.PartnerID(partnerID.String)
	return &pid, true, nil
}

func (t *tx) ExtendSubscription(ctx context.Context, id crm.UserID, until time.Time, at time.Time) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE user_subscriptions
		SET subscription_ends_at = ?, updated_at = ?,
			subscription_status = CASE
				WHEN subscription_status = 'expired' AND ? THEN 'active'
				ELSE subscription_status
			END
		WHERE id = ? AND (subscription_ends_at IS NULL OR subscription_ends_at < ?)
	`, formatTime(until), formatTime(at), until.After(at), string(id), formatTime(until))
	return mapError(err)
}

func (t *tx) CommissionTerms(ctx context.Context, id crm.PartnerID) (*crm.CommissionTerms, error) {
	var (
		percent int64
		slabs   sql.NullString
		revenue int64
	)
	err := t.q.QueryRowContext(ctx, `
		SELECT commission_percent, commission_slabs_json, total_revenue_minor
		FROM partners WHERE id = ?
	`, string(id)).Scan(&percent, &slabs, &revenue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, crm.ErrPartnerNotFound
	}
	if err != nil {
		return nil, err
	}
	decoded, err := decodeSlabs(slabs)
	if err != nil {
		return nil, err
	}
	return &crm.CommissionTerms{
		PartnerID:    id,
		Percent:      decimal.NewFromInt(percent),
		Slabs:        decoded,
		TotalRevenue: fromMinor(revenue),
	}, nil
}

func (t *tx) CreditCommission(ctx context.Context, id crm.PartnerID, amount decimal.Decimal, at time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE partners
		SET total_revenue_minor = total_revenue_minor + ?,
		    total_converted = total_converted + 1,
		    updated_at = ?
		WHERE id = ?
	`, toMinor(amount), formatTime(at), string(id))
	return affected(res, err)
}

func (t *tx) AppendCommission(ctx context.Context, e crm.CommissionEntry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO commissions
		(id, partner_id, user_id, payment_id, payment_amount_minor, rate, amount_minor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, string(e.PartnerID), string(e.UserID), string(e.PaymentID),
		toMinor(e.PaymentAmount), e.Rate.String(), toMinor(e.Amount), formatTime(e.CreatedAt),
	)
	if errors.Is(mapError(err), crm.ErrDuplicateID) && strings.Contains(err.Error(), "commissions.user_id") {
		return &crm.ConsistencyError{PartnerID: e.PartnerID, Op: "journal second commission for user " + string(e.UserID)}
	}
	return mapError(err)
}

func (t *tx) CompareAndSetSubscription(ctx context.Context, id crm.UserID, expect crm.Status, upd crm.SubscriptionUpdate, at time.Time) (bool, error) {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(at)}
	if upd.Status != nil {
		sets = append(sets, "subscription_status = ?")
		args = append(args, string(*upd.Status))
	}
	switch {
	case upd.ClearEndsAt:
		sets = append(sets, "subscription_ends_at = NULL")
	case upd.EndsAt != nil:
		sets = append(sets, "subscription_ends_at = ?")
		args = append(args, formatTime(*upd.EndsAt))
	}
	args = append(args, string(id), string(expect))

	query := `UPDATE user_subscriptions SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND subscription_status = ?`
	res, err := t.q.ExecContext(ctx, query, args...)
	return affected(res, err)
}

// =============================================================================
// READS
// =============================================================================

const partnerColumns = `
	id, email, name, commission_percent, commission_slabs_json, active,
	total_revenue_minor, total_added, total_converted, created_at, updated_at`

const subscriberColumns = `
	id, email, partner_id, region, subscription_status, subscription_ends_at,
	converted_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) GetPartner(ctx context.Context, id crm.PartnerID) (*crm.Partner, error) {
	return getPartner(ctx, s.db, id)
}

func getPartner(ctx context.Context, q querier, id crm.PartnerID) (*crm.Partner, error) {
	row := q.QueryRowContext(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = ?`, string(id))
	p, err := scanPartner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, crm.ErrPartnerNotFound
	}
	return p, err
}

func (s *Store) ListPartners(ctx context.Context) ([]crm.Partner, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+partnerColumns+` FROM partners ORDER BY created_at, id`)
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
		p                  crm.Partner
		id                 string
		slabs              sql.NullString
		revenue            int64
		createdAt, updated string
	)
	if err := row.Scan(&id, &p.Email, &p.Name, &p.CommissionPercent, &slabs, &p.Active,
		&revenue, &p.TotalAdded, &p.TotalConverted, &createdAt, &updated); err != nil {
		return nil, err
	}
	decoded, err := decodeSlabs(slabs)
	if err != nil {
		return nil, err
	}
	p.ID = crm.PartnerID(id)
	p.CommissionSlabs = decoded
	p.TotalRevenue = fromMinor(revenue)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func (s *Store) GetSubscriber(ctx context.Context, id crm.UserID) (*crm.Subscriber, error) {
	return getSubscriber(ctx, s.db, id)
}

func getSubscriber(ctx context.Context, q querier, id crm.UserID) (*crm.Subscriber, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM user_subscriptions WHERE id = ?`, string(id))
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, crm.ErrUserNotFound
	}
	return sub, err
}

func (s *Store) ListSubscribers(ctx context.Context, partnerID *crm.PartnerID) ([]crm.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM user_subscriptions`
	var args []any
	if partnerID != nil {
		query += ` WHERE partner_id = ?`
		args = append(args, string(*partnerID))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
		sub                  crm.Subscriber
		id, region, status   string
		partnerID            sql.NullString
		endsAt, convertedAt  sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &sub.Email, &partnerID, &region, &status, &endsAt,
		&convertedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sub.ID = crm.UserID(id)
	if partnerID.Valid {
		pid := crm.PartnerID(partnerID.String)
		sub.PartnerID = &pid
	}
	sub.Region = crm.Region(region)
	sub.Status = crm.Status(status)
	sub.SubscriptionEndsAt = parseNullTime(endsAt)
	sub.ConvertedAt = parseNullTime(convertedAt)
	sub.CreatedAt = parseTime(createdAt)
	sub.UpdatedAt = parseTime(updatedAt)
	return &sub, nil
}

func (s *Store) ListPayments(ctx context.Context, userID crm.UserID) ([]crm.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_ref, user_id, amount_minor, currency, paid_at, covers_until, created_at
		FROM payments
		WHERE user_id = ?
		ORDER BY paid_at, created_at
	`, string(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []crm.Payment{}
	for rows.Next() {
		var (
			p                 crm.Payment
			id, uid           string
			amount            int64
			paidAt, createdAt string
			coversUntil       sql.NullString
		)
		if err := rows.Scan(&id, &p.ExternalRef, &uid, &amount, &p.Currency, &paidAt, &coversUntil, &createdAt); err != nil {
			return nil, err
		}
		p.ID = crm.PaymentID(id)
		p.UserID = crm.UserID(uid)
		p.Amount = fromMinor(amount)
		p.PaidAt = parseTime(paidAt)
		p.CoversUntil = parseNullTime(coversUntil)
		p.CreatedAt = parseTime(createdAt)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) StatusCounts(ctx context.Context, partnerID *crm.PartnerID) (crm.StatusCounts, error) {
	query := `SELECT subscription_status, COUNT(*) FROM user_subscriptions`
	var args []any
	if partnerID != nil {
		query += ` WHERE partner_id = ?`
		args = append(args, string(*partnerID))
	}
	query += ` GROUP BY subscription_status`

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// AuditPartner reads aggregates and journal sums in one statement so both
// come from the same snapshot.
func (s *Store) AuditPartner(ctx context.Context, id crm.PartnerID) (*crm.PartnerAudit, error) {
	var revenue, converted, journalRevenue, journalConverted int64
	err := s.db.QueryRowContext(ctx, `
		SELECT p.total_revenue_minor, p.total_converted,
		       (SELECT COALESCE(SUM(c.amount_minor), 0) FROM commissions c WHERE c.partner_id = p.id),
		       (SELECT COUNT(*) FROM commissions c WHERE c.partner_id = p.id)
		FROM partners p
		WHERE p.id = ?
	`, string(id)).Scan(&revenue, &converted, &journalRevenue, &journalConverted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, crm.ErrPartnerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &crm.PartnerAudit{
		PartnerID:        id,
		TotalRevenue:     fromMinor(revenue),
		TotalConverted:   converted,
		JournalRevenue:   fromMinor(journalRevenue),
		JournalConverted: journalConverted,
	}, nil
}

// =============================================================================
// SWEEP / RESET
// =============================================================================

// ExpireSubscriptions is one set-based statement. A row already expired by
// a concurrent sweep no longer matches the WHERE clause.
func (s *Store) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_subscriptions
		SET subscription_status = 'expired', updated_at = ?
		WHERE subscription_status = 'active'
		  AND subscription_ends_at IS NOT NULL
		  AND subscription_ends_at < ?
	`, formatTime(now), formatTime(now))
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(t crm.Tx) error {
		q := t.(*tx).q
		for _, table := range []string{"commissions", "payments", "user_subscriptions", "partners"} {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func timeArg(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func partnerArg(id *crm.PartnerID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toMinor(d decimal.Decimal) int64 {
	return d.Shift(crm.MinorUnitPlaces).Round(0).IntPart()
}

func fromMinor(n int64) decimal.Decimal {
	return decimal.New(n, -crm.MinorUnitPlaces)
}

func encodeSlabs(slabs []crm.CommissionSlab) (sql.NullString, error) {
	if len(slabs) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(slabs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode commission slabs: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeSlabs(s sql.NullString) ([]crm.CommissionSlab, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var slabs []crm.CommissionSlab
	if err := json.Unmarshal([]byte(s.String), &slabs); err != nil {
		return nil, fmt.Errorf("decode commission slabs: %w", err)
	}
	return slabs, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// mapError converts constraint and trigger failures into crm errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return err
	}
	msg := se.Error()
	switch {
	case strings.Contains(msg, "illegal subscription status transition"):
		return fmt.Errorf("%w: %s", crm.ErrIllegalTransition, msg)
	case strings.Contains(msg, "converted_at is immutable"),
		strings.Contains(msg, "partner aggregates are monotonic"),
		strings.Contains(msg, "append-only"):
		return fmt.Errorf("%w: %s", crm.ErrConsistencyViolation, msg)
	case strings.Contains(msg, "payments.external_ref"):
		return crm.ErrDuplicatePaymentReference
	case strings.Contains(msg, ".email"):
		return crm.ErrDuplicateEmail
	case se.ExtendedCode == sqlite3.ErrConstraintUnique,
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %s", crm.ErrDuplicateID, msg)
	case se.ExtendedCode == sqlite3.ErrConstraintCheck:
		return fmt.Errorf("%w: %s", crm.ErrInvalidInput, msg)
	}
	return err
}
