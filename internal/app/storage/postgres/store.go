// Package postgres implements the storage interfaces on PostgreSQL. The
// idempotent create relies on a unique index over the idempotency token;
// status updates are compare-and-swap guarded in SQL so concurrent
// finalization paths cannot race.
package postgres

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
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/coupon"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/eligibility"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.OrderStore  = (*Store)(nil)
	_ storage.CouponStore = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL, verifies the connection and applies pending
// migrations.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return New(db), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type orderRow struct {
	BatchOrderID     string          `db:"batch_order_id"`
	IdempotencyToken string          `db:"idempotency_token"`
	OrderIDs         pq.StringArray  `db:"order_ids"`
	OrderNumbers     pq.StringArray  `db:"order_numbers"`
	TotalAmount      decimal.Decimal `db:"total_amount"`
	Currency         string          `db:"currency"`
	ReceiverWallet   string          `db:"receiver_wallet"`
	BuyerWallet      string          `db:"buyer_wallet"`
	TxReference      string          `db:"tx_reference"`
	PaymentKind      string          `db:"payment_kind"`
	CouponCode       string          `db:"coupon_code"`
	DiscountAmount   decimal.Decimal `db:"discount_amount"`
	Status           string          `db:"status"`
	FailureReason    string          `db:"failure_reason"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func (r orderRow) toDomain() order.BatchOrder {
	return order.BatchOrder{
		BatchOrderID:     r.BatchOrderID,
		IdempotencyToken: r.IdempotencyToken,
		OrderIDs:         append([]string(nil), r.OrderIDs...),
		OrderNumbers:     append([]string(nil), r.OrderNumbers...),
		TotalAmount:      r.TotalAmount,
		Currency:         r.Currency,
		ReceiverWallet:   r.ReceiverWallet,
		BuyerWallet:      r.BuyerWallet,
		TxReference:      r.TxReference,
		PaymentKind:      r.PaymentKind,
		CouponCode:       r.CouponCode,
		DiscountAmount:   r.DiscountAmount,
		Status:           order.Status(r.Status),
		FailureReason:    r.FailureReason,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

const orderColumns = `batch_order_id, idempotency_token, order_ids, order_numbers,
	total_amount, currency, receiver_wallet, buyer_wallet, tx_reference,
	payment_kind, coupon_code, discount_amount, status, failure_reason,
	created_at, updated_at`

// CreateBatchOrder inserts the order or, when the token already exists,
// returns the previously stored record. ON CONFLICT DO NOTHING plus a
// re-read makes two concurrent creates with the same token converge on one
// row and one batch order id.
func (s *Store) CreateBatchOrder(ctx context.Context, token string, o order.BatchOrder) (order.BatchOrder, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return order.BatchOrder{}, fmt.Errorf("idempotency token is required")
	}

	if o.BatchOrderID == "" {
		o.BatchOrderID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = order.StatusCreated
	}
	if len(o.OrderNumbers) == 0 {
		for i := range o.OrderIDs {
			o.OrderNumbers = append(o.OrderNumbers, fmt.Sprintf("ORD-%s", strings.ToUpper(o.BatchOrderID[:8]))+fmt.Sprintf("-%02d", i+1))
		}
	}
	now := time.Now().UTC()
	o.IdempotencyToken = token
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (idempotency_token) DO NOTHING
	`, o.BatchOrderID, token, pq.StringArray(o.OrderIDs), pq.StringArray(o.OrderNumbers),
		o.TotalAmount, o.Currency, o.ReceiverWallet, o.BuyerWallet, o.TxReference,
		o.PaymentKind, o.CouponCode, o.DiscountAmount, string(o.Status), o.FailureReason,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return order.BatchOrder{}, err
	}

	return s.GetBatchOrderByToken(ctx, token)
}

func (s *Store) GetBatchOrder(ctx context.Context, batchOrderID string) (order.BatchOrder, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+orderColumns+` FROM batch_orders WHERE batch_order_id = $1
	`, batchOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return order.BatchOrder{}, fmt.Errorf("batch order %s: %w", batchOrderID, storage.ErrNotFound)
	}
	if err != nil {
		return order.BatchOrder{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) GetBatchOrderByToken(ctx context.Context, token string) (order.BatchOrder, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+orderColumns+` FROM batch_orders WHERE idempotency_token = $1
	`, strings.TrimSpace(token))
	if errors.Is(err, sql.ErrNoRows) {
		return order.BatchOrder{}, fmt.Errorf("token %s: %w", token, storage.ErrNotFound)
	}
	if err != nil {
		return order.BatchOrder{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) AttachTransaction(ctx context.Context, batchOrderID, reference string, amount decimal.Decimal) error {
	if strings.TrimSpace(reference) == "" {
		return fmt.Errorf("transaction reference is required")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE batch_orders
		SET tx_reference = $2, total_amount = $3, status = $4, updated_at = $5
		WHERE batch_order_id = $1 AND status IN ($6, $7)
	`, batchOrderID, reference, amount, string(order.StatusAwaitingPayment),
		time.Now().UTC(), string(order.StatusCreated), string(order.StatusAwaitingPayment))
	if err != nil {
		return err
	}
	return s.checkGuarded(ctx, result, batchOrderID, "attach transaction")
}

func (s *Store) TransitionStatus(ctx context.Context, batchOrderID string, from, to order.Status, reason string) error {
	if !order.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, storage.ErrStatusConflict)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE batch_orders
		SET status = $3, failure_reason = CASE WHEN $4 = '' THEN failure_reason ELSE $4 END, updated_at = $5
		WHERE batch_order_id = $1 AND status = $2
	`, batchOrderID, string(from), string(to), reason, time.Now().UTC())
	if err != nil {
		return err
	}
	return s.checkGuarded(ctx, result, batchOrderID, fmt.Sprintf("transition %s -> %s", from, to))
}

func (s *Store) ListAwaitingPayment(ctx context.Context, olderThan time.Duration) ([]order.BatchOrder, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+orderColumns+` FROM batch_orders
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`, string(order.StatusAwaitingPayment), time.Now().UTC().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	result := make([]order.BatchOrder, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

// checkGuarded distinguishes a missing row from a CAS miss after a guarded
// update touched zero rows.
func (s *Store) checkGuarded(ctx context.Context, result sql.Result, batchOrderID, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.GetBatchOrder(ctx, batchOrderID); err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", op, storage.ErrStatusConflict)
}

// CouponStore implementation --------------------------------------------------

type couponRow struct {
	Code            string           `db:"code"`
	DiscountType    string           `db:"discount_type"`
	DiscountValue   decimal.Decimal  `db:"discount_value"`
	MaxDiscount     *decimal.Decimal `db:"max_discount"`
	CollectionScope pq.StringArray   `db:"collection_scope"`
	Rules           []byte           `db:"rules"`
}

func (s *Store) GetCoupon(ctx context.Context, code string) (coupon.Coupon, error) {
	var row couponRow
	err := s.db.GetContext(ctx, &row, `
		SELECT code, discount_type, discount_value, max_discount, collection_scope, rules
		FROM coupons WHERE code = $1
	`, strings.ToUpper(strings.TrimSpace(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Coupon{}, fmt.Errorf("coupon %s: %w", code, storage.ErrNotFound)
	}
	if err != nil {
		return coupon.Coupon{}, err
	}

	c := coupon.Coupon{
		Code:            row.Code,
		DiscountType:    coupon.DiscountType(row.DiscountType),
		DiscountValue:   row.DiscountValue,
		MaxDiscount:     row.MaxDiscount,
		CollectionScope: append([]string(nil), row.CollectionScope...),
	}
	if len(row.Rules) > 0 {
		var groups eligibility.RuleGroups
		if err := json.Unmarshal(row.Rules, &groups); err != nil {
			return coupon.Coupon{}, fmt.Errorf("decode coupon rules: %w", err)
		}
		if !groups.Empty() {
			c.EligibilityRules = &groups
		}
	}
	return c, nil
}
