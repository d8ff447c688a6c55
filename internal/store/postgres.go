package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const entitlementColumns = `user_id, tier, status, billing_customer_id, billing_subscription_id,
	current_period_end, cancel_at_period_end, updated_at`

func (p *Postgres) Get(ctx context.Context, userID string) (models.Entitlement, error) {
	if userID == "" {
		return models.Entitlement{}, ErrNotFound
	}
	e, err := scanEntitlement(p.pool.QueryRow(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements WHERE user_id = $1`, userID))
	if errors.Is(err, ErrNotFound) {
		return models.DefaultEntitlement(userID), nil
	}
	return e, err
}

func (p *Postgres) GetByBillingCustomerID(ctx context.Context, customerID string) (models.Entitlement, error) {
	if customerID == "" {
		return models.Entitlement{}, ErrNotFound
	}
	return scanEntitlement(p.pool.QueryRow(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements WHERE billing_customer_id = $1`, customerID))
}

// Upsert 单条语句完成，同一用户的并发写入按字段合并，后写入者生效
func (p *Postgres) Upsert(ctx context.Context, userID string, u models.EntitlementUpdate) (models.Entitlement, error) {
	if userID == "" {
		return models.Entitlement{}, ErrNotFound
	}
	var tierName, status *string
	if u.Tier != nil {
		if !u.Tier.Valid() {
			return models.Entitlement{}, fmt.Errorf("upsert entitlement: %w", tier.ErrUnknownTier)
		}
		v := u.Tier.String()
		tierName = &v
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return models.Entitlement{}, fmt.Errorf("upsert entitlement: %w", models.ErrUnknownStatus)
		}
		v := string(*u.Status)
		status = &v
	}

	e, err := scanEntitlement(p.pool.QueryRow(ctx, `
		INSERT INTO entitlements (user_id, tier, status, billing_customer_id, billing_subscription_id,
			current_period_end, cancel_at_period_end, updated_at)
		VALUES ($1, COALESCE($2::text, 'bronze'), COALESCE($3::text, 'active'), $4::text, $5::text,
			$6::timestamptz, COALESCE($7::boolean, FALSE), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			tier = COALESCE($2::text, entitlements.tier),
			status = COALESCE($3::text, entitlements.status),
			billing_customer_id = COALESCE($4::text, entitlements.billing_customer_id),
			billing_subscription_id = COALESCE($5::text, entitlements.billing_subscription_id),
			current_period_end = COALESCE($6::timestamptz, entitlements.current_period_end),
			cancel_at_period_end = COALESCE($7::boolean, entitlements.cancel_at_period_end),
			updated_at = NOW()
		RETURNING `+entitlementColumns,
		userID, tierName, status, u.BillingCustomerID, u.BillingSubscriptionID, u.CurrentPeriodEnd, u.CancelAtPeriodEnd,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Entitlement{}, fmt.Errorf("billing customer already mapped: %w", ErrConflict)
		}
		return models.Entitlement{}, fmt.Errorf("upsert entitlement: %w", err)
	}
	return e, nil
}

func scanEntitlement(row pgx.Row) (models.Entitlement, error) {
	var (
		e         models.Entitlement
		tierName  string
		statusRaw string
	)
	err := row.Scan(&e.UserID, &tierName, &statusRaw, &e.BillingCustomerID, &e.BillingSubscriptionID,
		&e.CurrentPeriodEnd, &e.CancelAtPeriodEnd, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Entitlement{}, ErrNotFound
	}
	if err != nil {
		return models.Entitlement{}, fmt.Errorf("scan entitlement: %w", err)
	}
	if e.Tier, err = tier.Parse(tierName); err != nil {
		return models.Entitlement{}, fmt.Errorf("entitlement %s: %w", e.UserID, err)
	}
	if e.Status, err = models.ParseStatus(statusRaw); err != nil {
		return models.Entitlement{}, fmt.Errorf("entitlement %s: %w", e.UserID, err)
	}
	return e, nil
}

const userColumns = `id, email, password_hash, google_id, status, created_at, updated_at`

func (p *Postgres) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.User{}, err
	}
	defer tx.Rollback(ctx)

	created, err := scanUser(tx.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, google_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+userColumns,
		user.ID, strings.ToLower(user.Email), user.PasswordHash, user.GoogleID, user.Status,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrConflict
		}
		return models.User{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO entitlements (user_id, tier, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		created.ID, tier.Bronze.String(), string(models.StatusActive))
	if err != nil {
		return models.User{}, fmt.Errorf("create entitlement: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.User{}, err
	}
	return created, nil
}

func (p *Postgres) GetUserByID(ctx context.Context, id string) (models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE lower(email) = $1`, strings.ToLower(strings.TrimSpace(email))))
}

func (p *Postgres) GetUserByGoogleID(ctx context.Context, googleID string) (models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE google_id = $1`, googleID))
}

func (p *Postgres) LinkGoogleID(ctx context.Context, userID, googleID string) error {
	ct, err := p.pool.Exec(ctx, `
		UPDATE users SET google_id = $1, updated_at = NOW()
		WHERE id = $2`, googleID, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.GoogleID, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return u, err
}

func (p *Postgres) RecordWebhookEvent(ctx context.Context, event models.BillingWebhookEvent) (bool, models.BillingWebhookEvent, error) {
	ct, err := p.pool.Exec(ctx, `
		INSERT INTO billing_webhook_events (provider, provider_event_id, event_type, payload_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.Provider, event.ProviderEventID, event.EventType, event.PayloadJSON)
	if err != nil {
		return false, models.BillingWebhookEvent{}, fmt.Errorf("record webhook event: %w", err)
	}

	var stored models.BillingWebhookEvent
	err = p.pool.QueryRow(ctx, `
		SELECT provider, provider_event_id, event_type, payload_json, processed_at, processing_error, created_at
		FROM billing_webhook_events WHERE provider = $1 AND provider_event_id = $2`,
		event.Provider, event.ProviderEventID,
	).Scan(&stored.Provider, &stored.ProviderEventID, &stored.EventType, &stored.PayloadJSON,
		&stored.ProcessedAt, &stored.ProcessingError, &stored.CreatedAt)
	if err != nil {
		return false, models.BillingWebhookEvent{}, fmt.Errorf("load webhook event: %w", err)
	}
	return ct.RowsAffected() > 0, stored, nil
}

func (p *Postgres) MarkWebhookProcessed(ctx context.Context, provider, providerEventID, processingError string) error {
	ct, err := p.pool.Exec(ctx, `
		UPDATE billing_webhook_events
		SET processed_at = $1, processing_error = $2
		WHERE provider = $3 AND provider_event_id = $4`,
		time.Now().UTC(), processingError, provider, providerEventID)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
