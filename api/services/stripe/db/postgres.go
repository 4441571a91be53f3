package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists subscriptions and the native-path link records.
// Every mutation is its own short statement or transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `s.id, s.product_id, s.user_id, s.status, s.active, s.next_due,
	COALESCE(s.last_notification, 0), s.created_at, s.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (InternalSubscription, error) {
	var s InternalSubscription
	var status string
	err := row.Scan(&s.ID, &s.ProductID, &s.UserID, &status, &s.Active, &s.NextDue,
		&s.LastNotification, &s.CreatedAt, &s.UpdatedAt)
	s.Status = Status(status)
	return s, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullableEpoch(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// FindByPaymentRef returns the subscription whose current refs contain ref exactly.
func (p *PostgresStore) FindByPaymentRef(ctx context.Context, ref string) (InternalSubscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM internal_subscriptions s
		JOIN internal_subscription_payment_refs r ON r.subscription_id = s.id
		WHERE r.ref = $1`, ref)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return InternalSubscription{}, ErrNotFound
	}
	if err != nil {
		return InternalSubscription{}, fmt.Errorf("find subscription by ref: %w", err)
	}
	if err := p.loadRefs(ctx, []*InternalSubscription{&s}); err != nil {
		return InternalSubscription{}, err
	}
	return s, nil
}

func (p *PostgresStore) GetSubscription(ctx context.Context, id int64) (InternalSubscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM internal_subscriptions s WHERE s.id = $1`, id)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return InternalSubscription{}, ErrNotFound
	}
	if err != nil {
		return InternalSubscription{}, fmt.Errorf("get subscription %d: %w", id, err)
	}
	if err := p.loadRefs(ctx, []*InternalSubscription{&s}); err != nil {
		return InternalSubscription{}, err
	}
	return s, nil
}

// CreateSubscription inserts s and its refs. ErrAlreadyExists means another
// row already owns one of the refs.
func (p *PostgresStore) CreateSubscription(ctx context.Context, s InternalSubscription) (InternalSubscription, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return InternalSubscription{}, fmt.Errorf("begin create subscription: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `INSERT INTO internal_subscriptions
		(product_id, user_id, status, active, next_due, last_notification)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		s.ProductID, s.UserID, string(s.Status), s.Active, s.NextDue, nullableEpoch(s.LastNotification),
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return InternalSubscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	if err := replaceRefs(ctx, tx, s.ID, s.PaymentRefs); err != nil {
		return InternalSubscription{}, err
	}
	if err := tx.Commit(); err != nil {
		return InternalSubscription{}, fmt.Errorf("commit create subscription: %w", err)
	}
	return s, nil
}

func replaceRefs(ctx context.Context, tx *sql.Tx, id int64, refs PaymentRefs) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM internal_subscription_payment_refs WHERE subscription_id = $1`, id); err != nil {
		return fmt.Errorf("clear payment refs: %w", err)
	}
	for i, ref := range refs {
		_, err := tx.ExecContext(ctx, `INSERT INTO internal_subscription_payment_refs
			(subscription_id, position, ref) VALUES ($1, $2, $3)`, id, i, ref)
		if isUniqueViolation(err) {
			return fmt.Errorf("payment ref %s: %w", ref, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert payment ref: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) loadRefs(ctx context.Context, subs []*InternalSubscription) error {
	if len(subs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(subs))
	byID := make(map[int64]*InternalSubscription, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID)
		byID[s.ID] = s
		s.PaymentRefs = nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT subscription_id, ref
		FROM internal_subscription_payment_refs
		WHERE subscription_id = ANY($1)
		ORDER BY subscription_id, position`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load payment refs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var ref string
		if err := rows.Scan(&id, &ref); err != nil {
			return fmt.Errorf("scan payment ref: %w", err)
		}
		if s, ok := byID[id]; ok {
			s.PaymentRefs = append(s.PaymentRefs, ref)
		}
	}
	return rows.Err()
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSucceeded records a paid cycle. It reports false when the row was
// already active and succeeded.
func (p *PostgresStore) MarkSucceeded(ctx context.Context, id int64, nextDue int64) (bool, error) {
	ok, err := affected(p.db.ExecContext(ctx, `UPDATE internal_subscriptions
		SET status = $2, active = TRUE, next_due = $3, last_notification = NULL, updated_at = NOW()
		WHERE id = $1 AND NOT (status = $2 AND active)`,
		id, string(StatusSucceeded), nextDue))
	if err != nil {
		return false, fmt.Errorf("mark subscription %d succeeded: %w", id, err)
	}
	return ok, nil
}

// Cancel terminates the subscription immediately. It reports false when it
// was already cancelled and inactive.
func (p *PostgresStore) Cancel(ctx context.Context, id int64) (bool, error) {
	ok, err := affected(p.db.ExecContext(ctx, `UPDATE internal_subscriptions
		SET status = $2, active = FALSE, updated_at = NOW()
		WHERE id = $1 AND (active OR status <> $2)`,
		id, string(StatusCancelled)))
	if err != nil {
		return false, fmt.Errorf("cancel subscription %d: %w", id, err)
	}
	return ok, nil
}

// Deactivate moves an active row from one status to another and clears the
// active flag, only if it is still in the expected status.
func (p *PostgresStore) Deactivate(ctx context.Context, id int64, from, to Status) (bool, error) {
	ok, err := affected(p.db.ExecContext(ctx, `UPDATE internal_subscriptions
		SET status = $3, active = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND active`,
		id, string(from), string(to)))
	if err != nil {
		return false, fmt.Errorf("deactivate subscription %d: %w", id, err)
	}
	return ok, nil
}

// ScheduleCancel flags a paid subscription to end at its next due date.
func (p *PostgresStore) ScheduleCancel(ctx context.Context, id int64) (bool, error) {
	ok, err := affected(p.db.ExecContext(ctx, `UPDATE internal_subscriptions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND active`,
		id, string(StatusCancelPending), string(StatusSucceeded)))
	if err != nil {
		return false, fmt.Errorf("schedule cancel for subscription %d: %w", id, err)
	}
	return ok, nil
}

// BeginRenewal swaps in the refs of a new billing cycle and marks the row as
// awaiting payment, provided it is still an active succeeded subscription.
func (p *PostgresStore) BeginRenewal(ctx context.Context, id int64, refs PaymentRefs, notifiedAt int64) (bool, error) {
	if len(refs) == 0 {
		return false, fmt.Errorf("begin renewal for subscription %d: no payment refs", id)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin renewal tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	var active bool
	err = tx.QueryRowContext(ctx, `SELECT status, active FROM internal_subscriptions
		WHERE id = $1 FOR UPDATE`, id).Scan(&status, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock subscription %d: %w", id, err)
	}
	if Status(status) != StatusSucceeded || !active {
		return false, nil
	}
	if err := replaceRefs(ctx, tx, id, refs); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE internal_subscriptions
		SET status = $2, last_notification = $3, updated_at = NOW()
		WHERE id = $1`, id, string(StatusCreated), notifiedAt); err != nil {
		return false, fmt.Errorf("update subscription %d for renewal: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit renewal: %w", err)
	}
	return true, nil
}

// ListActive pages through active subscriptions ordered by id.
func (p *PostgresStore) ListActive(ctx context.Context, afterID int64, limit int) ([]InternalSubscription, error) {
	return p.list(ctx, `SELECT `+subscriptionColumns+`
		FROM internal_subscriptions s
		WHERE s.active AND s.id > $1
		ORDER BY s.id
		LIMIT $2`, afterID, limit)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]InternalSubscription, error) {
	return p.list(ctx, `SELECT `+subscriptionColumns+`
		FROM internal_subscriptions s
		WHERE s.user_id = $1
		ORDER BY s.id`, userID)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]InternalSubscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []InternalSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	ptrs := make([]*InternalSubscription, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := p.loadRefs(ctx, ptrs); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordEvent stores a webhook event id. It reports false for a redelivery.
func (p *PostgresStore) RecordEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	ok, err := affected(p.db.ExecContext(ctx, `INSERT INTO processed_webhook_events (event_id, event_type)
		VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`, eventID, eventType))
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return ok, nil
}

// ForgetEvent lets a failed delivery be processed again on retry.
func (p *PostgresStore) ForgetEvent(ctx context.Context, eventID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM processed_webhook_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("forget webhook event: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAlternatePrice(ctx context.Context, planID string) (AlternatePrice, error) {
	a := AlternatePrice{PlanID: planID}
	err := p.db.QueryRowContext(ctx, `SELECT currency, unit_amount FROM plan_alternate_prices
		WHERE plan_id = $1`, planID).Scan(&a.Currency, &a.UnitAmount)
	if errors.Is(err, sql.ErrNoRows) {
		return AlternatePrice{}, ErrNotFound
	}
	if err != nil {
		return AlternatePrice{}, fmt.Errorf("get alternate price: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) SetAlternatePrice(ctx context.Context, a AlternatePrice) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO plan_alternate_prices (plan_id, currency, unit_amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (plan_id) DO UPDATE SET currency = EXCLUDED.currency, unit_amount = EXCLUDED.unit_amount`,
		a.PlanID, a.Currency, a.UnitAmount)
	if err != nil {
		return fmt.Errorf("set alternate price: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListPlanFeatures(ctx context.Context, planID string) ([]PlanFeature, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, plan_id, feature, feature_id FROM plan_features
		WHERE plan_id = $1 ORDER BY feature_id ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan features: %w", err)
	}
	defer rows.Close()
	var out []PlanFeature
	for rows.Next() {
		var f PlanFeature
		if err := rows.Scan(&f.ID, &f.PlanID, &f.Feature, &f.FeatureID); err != nil {
			return nil, fmt.Errorf("scan plan feature: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddPlanFeature(ctx context.Context, f PlanFeature) (PlanFeature, error) {
	err := p.db.QueryRowContext(ctx, `INSERT INTO plan_features (plan_id, feature, feature_id)
		VALUES ($1, $2, $3) RETURNING id`, f.PlanID, f.Feature, f.FeatureID).Scan(&f.ID)
	if err != nil {
		return PlanFeature{}, fmt.Errorf("add plan feature: %w", err)
	}
	return f, nil
}

// FindOrCreateCustomer is safe against concurrent deliveries of the same customer.
func (p *PostgresStore) FindOrCreateCustomer(ctx context.Context, c CustomerLink) (CustomerLink, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO stripe_customers (customer_id, product_id, user_id)
		VALUES ($1, $2, $3) ON CONFLICT (customer_id, product_id) DO NOTHING`,
		c.CustomerID, c.ProductID, c.UserID)
	if err != nil {
		return CustomerLink{}, fmt.Errorf("insert customer: %w", err)
	}
	return p.FindCustomer(ctx, c.CustomerID, c.ProductID)
}

func (p *PostgresStore) FindCustomer(ctx context.Context, customerID, productID string) (CustomerLink, error) {
	var c CustomerLink
	err := p.db.QueryRowContext(ctx, `SELECT id, customer_id, product_id, user_id, created_at
		FROM stripe_customers WHERE customer_id = $1 AND product_id = $2`, customerID, productID).
		Scan(&c.ID, &c.CustomerID, &c.ProductID, &c.UserID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CustomerLink{}, ErrNotFound
	}
	if err != nil {
		return CustomerLink{}, fmt.Errorf("find customer: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) DeleteCustomer(ctx context.Context, id int64) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM stripe_customers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete customer %d: %w", id, err)
	}
	return nil
}

// FindOrCreateNativeSubscription reports whether a new link row was written.
func (p *PostgresStore) FindOrCreateNativeSubscription(ctx context.Context, s NativeSubscription) (NativeSubscription, bool, error) {
	created, err := affected(p.db.ExecContext(ctx, `INSERT INTO stripe_subscriptions
		(customer_row_id, external_id, status, current_period_end)
		VALUES ($1, $2, $3, $4) ON CONFLICT (external_id) DO NOTHING`,
		s.CustomerRowID, s.ExternalID, s.Status, s.CurrentPeriodEnd))
	if err != nil {
		return NativeSubscription{}, false, fmt.Errorf("insert native subscription: %w", err)
	}
	var out NativeSubscription
	err = p.db.QueryRowContext(ctx, `SELECT ss.id, ss.customer_row_id, ss.external_id, ss.status,
			ss.current_period_end, c.user_id, ss.created_at
		FROM stripe_subscriptions ss
		JOIN stripe_customers c ON c.id = ss.customer_row_id
		WHERE ss.external_id = $1`, s.ExternalID).
		Scan(&out.ID, &out.CustomerRowID, &out.ExternalID, &out.Status, &out.CurrentPeriodEnd, &out.UserID, &out.CreatedAt)
	if err != nil {
		return NativeSubscription{}, false, fmt.Errorf("load native subscription: %w", err)
	}
	return out, created, nil
}

func (p *PostgresStore) DeleteNativeSubscription(ctx context.Context, customerRowID int64, externalID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM stripe_subscriptions
		WHERE customer_row_id = $1 AND external_id = $2`, customerRowID, externalID)
	if err != nil {
		return fmt.Errorf("delete native subscription: %w", err)
	}
	return nil
}

// CreateProduct reports whether the product was new.
func (p *PostgresStore) CreateProduct(ctx context.Context, externalID string) (bool, error) {
	ok, err := affected(p.db.ExecContext(ctx, `INSERT INTO stripe_products (external_id)
		VALUES ($1) ON CONFLICT (external_id) DO NOTHING`, externalID))
	if err != nil {
		return false, fmt.Errorf("create product: %w", err)
	}
	return ok, nil
}
