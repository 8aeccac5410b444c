// Package postgres provides a PostgreSQL implementation of entitlement.Storage.
// Uniqueness constraints on purchase_events, user_entitlements and
// pending_entitlements are the only concurrency control the engine relies on;
// claims run in a transaction with SELECT FOR UPDATE.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// Storage implements entitlement.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopSweep cancels the background expiry sweeper
	stopSweep func()
}

var _ entitlement.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Expiry sweep configuration
	SweepEnabled  bool
	SweepInterval time.Duration

	Logger  entitlement.Logger
	Metrics entitlement.Metrics
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		SweepEnabled:    true,
		SweepInterval:   15 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewWithPool(pool, config), nil
}

// NewWithPool wraps an existing pool. Close closes the pool.
func NewWithPool(pool *pgxpool.Pool, config Config) *Storage {
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &entitlement.NoopMetrics{}
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 15 * time.Minute
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:      pool,
		config:    config,
		stopSweep: cancel,
	}

	if config.SweepEnabled {
		go s.startSweep(sweepCtx)
	}
	return s
}

// Pool returns the underlying connection pool.
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the PostgreSQL connection pool and stops the sweeper
func (s *Storage) Close() {
	if s.stopSweep != nil {
		s.stopSweep()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Storage) observe(op string, start time.Time, err *error) {
	s.config.Metrics.RecordStorageOperation(op, time.Since(start), *err)
}

const productColumns = `sku, display_name, tier, features, price_cents, currency, billing_type, is_active, created_at, updated_at`

func scanProduct(row pgx.Row) (*entitlement.Product, error) {
	var p entitlement.Product
	var features []byte
	var billing string
	if err := row.Scan(&p.SKU, &p.DisplayName, &p.Tier, &features, &p.PriceCents,
		&p.Currency, &billing, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.BillingType = entitlement.BillingType(billing)
	if err := unmarshalMap(features, &p.Features); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProduct implements entitlement.Catalog
func (s *Storage) GetProduct(ctx context.Context, sku string) (p *entitlement.Product, err error) {
	defer s.observe("get_product", time.Now(), &err)

	p, err = scanProduct(s.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE sku = $1`, sku))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// ListProducts implements entitlement.Catalog
func (s *Storage) ListProducts(ctx context.Context, includeInactive bool) ([]*entitlement.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE is_active OR $1 ORDER BY sku`, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertProduct implements entitlement.Catalog
func (s *Storage) UpsertProduct(ctx context.Context, p *entitlement.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	features, err := marshalMap(p.Features)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO products (sku, display_name, tier, features, price_cents, currency, billing_type, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (sku) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				tier = EXCLUDED.tier,
				features = EXCLUDED.features,
				price_cents = EXCLUDED.price_cents,
				currency = EXCLUDED.currency,
				billing_type = EXCLUDED.billing_type,
				is_active = EXCLUDED.is_active,
				updated_at = now()`,
		p.SKU, p.DisplayName, p.Tier, features, p.PriceCents, p.Currency, string(p.BillingType), p.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

// DeactivateProduct implements entitlement.Catalog
func (s *Storage) DeactivateProduct(ctx context.Context, sku string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET is_active = FALSE, updated_at = now() WHERE sku = $1`, sku)
	if err != nil {
		return fmt.Errorf("failed to deactivate product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrProductNotFound
	}
	return nil
}

const mappingColumns = `provider, provider_product_id, product_sku, is_active, created_at, updated_at`

func scanMapping(row pgx.Row) (*entitlement.ProviderMapping, error) {
	var m entitlement.ProviderMapping
	var provider string
	if err := row.Scan(&provider, &m.ProviderProductID, &m.ProductSKU, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Provider = entitlement.Provider(provider)
	return &m, nil
}

// ResolveMapping implements entitlement.Catalog
func (s *Storage) ResolveMapping(ctx context.Context, provider entitlement.Provider, providerProductID string) (m *entitlement.ProviderMapping, err error) {
	defer s.observe("resolve_mapping", time.Now(), &err)

	m, err = scanMapping(s.pool.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM provider_mappings
			WHERE provider = $1 AND provider_product_id = $2 AND is_active`,
		string(provider), providerProductID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mapping: %w", err)
	}
	return m, nil
}

// ListMappings implements entitlement.Catalog
func (s *Storage) ListMappings(ctx context.Context) ([]*entitlement.ProviderMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mappingColumns+` FROM provider_mappings ORDER BY provider, provider_product_id, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.ProviderMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMapping implements entitlement.Catalog
func (s *Storage) UpsertMapping(ctx context.Context, m *entitlement.ProviderMapping) error {
	if m == nil || !m.Provider.Valid() || m.ProviderProductID == "" || m.ProductSKU == "" {
		return fmt.Errorf("invalid provider mapping")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_mappings (provider, provider_product_id, product_sku, is_active)
			VALUES ($1, $2, $3, TRUE)
			ON CONFLICT (provider, provider_product_id) WHERE is_active DO UPDATE SET
				product_sku = EXCLUDED.product_sku,
				updated_at = now()`,
		string(m.Provider), m.ProviderProductID, m.ProductSKU)
	if isForeignKeyViolation(err) {
		return entitlement.ErrProductNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}
	return nil
}

// DeactivateMapping implements entitlement.Catalog
func (s *Storage) DeactivateMapping(ctx context.Context, provider entitlement.Provider, providerProductID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE provider_mappings SET is_active = FALSE, updated_at = now()
			WHERE provider = $1 AND provider_product_id = $2 AND is_active`,
		string(provider), providerProductID)
	if err != nil {
		return fmt.Errorf("failed to deactivate mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrMappingNotFound
	}
	return nil
}

const eventColumns = `id::text, provider, provider_event_id, provider_order_id, event_type, purchaser_email,
	product_ref, product_sku, amount_cents, currency, status, raw, occurred_at, received_at, processed_at`

func scanEvent(row pgx.Row) (*entitlement.PurchaseEvent, error) {
	var ev entitlement.PurchaseEvent
	var provider, status string
	var raw []byte
	if err := row.Scan(&ev.ID, &provider, &ev.ProviderEventID, &ev.ProviderOrderID, &ev.EventType,
		&ev.PurchaserEmail, &ev.ProductRef, &ev.ProductSKU, &ev.AmountCents, &ev.Currency, &status,
		&raw, &ev.OccurredAt, &ev.ReceivedAt, &ev.ProcessedAt); err != nil {
		return nil, err
	}
	ev.Provider = entitlement.Provider(provider)
	ev.Status = entitlement.EventStatus(status)
	ev.Raw = raw
	return &ev, nil
}

// InsertEvent implements entitlement.EventStore
func (s *Storage) InsertEvent(ctx context.Context, ev *entitlement.PurchaseEvent) (stored *entitlement.PurchaseEvent, inserted bool, err error) {
	defer s.observe("insert_event", time.Now(), &err)

	raw := ev.Raw
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO purchase_events
				(id, provider, provider_event_id, provider_order_id, event_type, purchaser_email,
				 product_ref, product_sku, amount_cents, currency, status, raw, occurred_at, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (provider, provider_event_id) DO NOTHING
			RETURNING id::text`,
		ev.ID, string(ev.Provider), ev.ProviderEventID, ev.ProviderOrderID, ev.EventType, ev.PurchaserEmail,
		ev.ProductRef, ev.ProductSKU, ev.AmountCents, ev.Currency, string(ev.Status), raw,
		ev.OccurredAt, ev.ReceivedAt,
	).Scan(&id)

	if err == nil {
		evCopy := *ev
		evCopy.Raw = raw
		return &evCopy, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert purchase event: %w", err)
	}

	// Conflict: the event was seen before.
	stored, err = scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM purchase_events WHERE provider = $1 AND provider_event_id = $2`,
		string(ev.Provider), ev.ProviderEventID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing purchase event: %w", err)
	}
	return stored, false, nil
}

// LockEvent implements entitlement.EventStore
func (s *Storage) LockEvent(ctx context.Context, provider entitlement.Provider, providerEventID string, now, until time.Time) (locked bool, err error) {
	defer s.observe("lock_event", time.Now(), &err)

	tag, err := s.pool.Exec(ctx,
		`UPDATE purchase_events SET locked_until = $4
			WHERE provider = $1 AND provider_event_id = $2 AND processed_at IS NULL
			  AND (locked_until IS NULL OR locked_until <= $3)`,
		string(provider), providerEventID, now, until)
	if err != nil {
		return false, fmt.Errorf("failed to lock purchase event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UnlockEvent implements entitlement.EventStore
func (s *Storage) UnlockEvent(ctx context.Context, provider entitlement.Provider, providerEventID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE purchase_events SET locked_until = NULL
			WHERE provider = $1 AND provider_event_id = $2 AND processed_at IS NULL`,
		string(provider), providerEventID)
	if err != nil {
		return fmt.Errorf("failed to unlock purchase event: %w", err)
	}
	return nil
}

// MarkEventProcessed implements entitlement.EventStore
func (s *Storage) MarkEventProcessed(ctx context.Context, provider entitlement.Provider, providerEventID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE purchase_events SET processed_at = $3, locked_until = NULL
			WHERE provider = $1 AND provider_event_id = $2 AND processed_at IS NULL`,
		string(provider), providerEventID, at)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

const entitlementColumns = `user_id, product_sku, source_provider, source_txn_id, status, started_at, expires_at, metadata, updated_at`

func scanEntitlement(row pgx.Row) (*entitlement.UserEntitlement, error) {
	var ent entitlement.UserEntitlement
	var provider, status string
	var metadata []byte
	if err := row.Scan(&ent.UserID, &ent.ProductSKU, &provider, &ent.SourceTxnID, &status,
		&ent.StartedAt, &ent.ExpiresAt, &metadata, &ent.UpdatedAt); err != nil {
		return nil, err
	}
	ent.SourceProvider = entitlement.Provider(provider)
	ent.Status = entitlement.Status(status)
	if err := unmarshalMap(metadata, &ent.Metadata); err != nil {
		return nil, err
	}
	return &ent, nil
}

func collectEntitlements(rows pgx.Rows) ([]*entitlement.UserEntitlement, error) {
	defer rows.Close()
	var out []*entitlement.UserEntitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

// GetUserEntitlement implements entitlement.EntitlementStore
func (s *Storage) GetUserEntitlement(ctx context.Context, userID, sku string) (ent *entitlement.UserEntitlement, err error) {
	defer s.observe("get_entitlement", time.Now(), &err)

	ent, err = scanEntitlement(s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM user_entitlements WHERE user_id = $1 AND product_sku = $2`,
		userID, sku))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return ent, nil
}

// ListUserEntitlements implements entitlement.EntitlementStore
func (s *Storage) ListUserEntitlements(ctx context.Context, userID string) ([]*entitlement.UserEntitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entitlementColumns+` FROM user_entitlements WHERE user_id = $1 ORDER BY product_sku`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	return collectEntitlements(rows)
}

// FindUserEntitlementsBySource implements entitlement.EntitlementStore
func (s *Storage) FindUserEntitlementsBySource(ctx context.Context, provider entitlement.Provider, txnID string) ([]*entitlement.UserEntitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entitlementColumns+` FROM user_entitlements
			WHERE source_provider = $1 AND source_txn_id = $2 ORDER BY product_sku`,
		string(provider), txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to find entitlements by source: %w", err)
	}
	return collectEntitlements(rows)
}

// UpsertUserEntitlement implements entitlement.EntitlementStore
func (s *Storage) UpsertUserEntitlement(ctx context.Context, ent *entitlement.UserEntitlement) (err error) {
	defer s.observe("upsert_entitlement", time.Now(), &err)
	return upsertEntitlement(ctx, s.pool, ent)
}

func upsertEntitlement(ctx context.Context, q querier, ent *entitlement.UserEntitlement) error {
	if ent == nil || ent.UserID == "" || ent.ProductSKU == "" {
		return fmt.Errorf("invalid entitlement")
	}
	metadata, err := marshalMap(ent.Metadata)
	if err != nil {
		return err
	}
	updatedAt := ent.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = q.Exec(ctx,
		`INSERT INTO user_entitlements
				(user_id, product_sku, source_provider, source_txn_id, status, started_at, expires_at, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, product_sku) DO UPDATE SET
				source_provider = EXCLUDED.source_provider,
				source_txn_id = EXCLUDED.source_txn_id,
				status = EXCLUDED.status,
				started_at = EXCLUDED.started_at,
				expires_at = EXCLUDED.expires_at,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at`,
		ent.UserID, ent.ProductSKU, string(ent.SourceProvider), ent.SourceTxnID, string(ent.Status),
		ent.StartedAt, ent.ExpiresAt, metadata, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

const pendingColumns = `id::text, purchaser_email, product_sku, source_provider, source_txn_id, status,
	claimed_by, claimed_at, expires_at, metadata, created_at, updated_at`

func scanPending(row pgx.Row) (*entitlement.PendingEntitlement, error) {
	var p entitlement.PendingEntitlement
	var provider, status string
	var claimedBy *string
	var metadata []byte
	if err := row.Scan(&p.ID, &p.PurchaserEmail, &p.ProductSKU, &provider, &p.SourceTxnID, &status,
		&claimedBy, &p.ClaimedAt, &p.ExpiresAt, &metadata, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.SourceProvider = entitlement.Provider(provider)
	p.Status = entitlement.PendingStatus(status)
	if claimedBy != nil {
		p.ClaimedBy = *claimedBy
	}
	if err := unmarshalMap(metadata, &p.Metadata); err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPending(rows pgx.Rows) ([]*entitlement.PendingEntitlement, error) {
	defer rows.Close()
	var out []*entitlement.PendingEntitlement
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending entitlement: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) GetPendingEntitlement(ctx context.Context, id string) (*entitlement.PendingEntitlement, error) {
	p, err := scanPending(s.pool.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_entitlements WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending entitlement: %w", err)
	}
	return p, nil
}

// FindPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) FindPendingEntitlement(ctx context.Context, email, sku string) (*entitlement.PendingEntitlement, error) {
	p, err := scanPending(s.pool.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_entitlements WHERE purchaser_email = $1 AND product_sku = $2`,
		entitlement.NormalizeEmail(email), sku))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending entitlement: %w", err)
	}
	return p, nil
}

// FindPendingBySource implements entitlement.EntitlementStore
func (s *Storage) FindPendingBySource(ctx context.Context, provider entitlement.Provider, txnID string) ([]*entitlement.PendingEntitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_entitlements
			WHERE source_provider = $1 AND source_txn_id = $2 ORDER BY product_sku`,
		string(provider), txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending by source: %w", err)
	}
	return collectPending(rows)
}

// ListPendingEntitlements implements entitlement.EntitlementStore
func (s *Storage) ListPendingEntitlements(ctx context.Context, email string, status entitlement.PendingStatus) ([]*entitlement.PendingEntitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_entitlements
			WHERE purchaser_email = $1 AND status = $2 ORDER BY created_at`,
		entitlement.NormalizeEmail(email), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entitlements: %w", err)
	}
	return collectPending(rows)
}

// UpsertPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) UpsertPendingEntitlement(ctx context.Context, p *entitlement.PendingEntitlement) (stored *entitlement.PendingEntitlement, err error) {
	defer s.observe("upsert_pending", time.Now(), &err)

	if p == nil || p.PurchaserEmail == "" || p.ProductSKU == "" {
		return nil, fmt.Errorf("invalid pending entitlement")
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	metadata, err := marshalMap(p.Metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	createdAt, updatedAt := p.CreatedAt, p.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}

	stored, err = scanPending(s.pool.QueryRow(ctx,
		`INSERT INTO pending_entitlements
				(id, purchaser_email, product_sku, source_provider, source_txn_id, status, expires_at, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (purchaser_email, product_sku) DO UPDATE SET
				source_provider = EXCLUDED.source_provider,
				source_txn_id = EXCLUDED.source_txn_id,
				status = EXCLUDED.status,
				expires_at = EXCLUDED.expires_at,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at
			WHERE pending_entitlements.status <> 'claimed'
			RETURNING `+pendingColumns,
		id, entitlement.NormalizeEmail(p.PurchaserEmail), p.ProductSKU, string(p.SourceProvider),
		p.SourceTxnID, string(p.Status), p.ExpiresAt, metadata, createdAt, updatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting row is claimed and the WHERE clause skipped it.
		return nil, entitlement.ErrPendingImmutable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert pending entitlement: %w", err)
	}
	return stored, nil
}

// ClaimPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) ClaimPendingEntitlement(ctx context.Context, pendingID, userID string, ent *entitlement.UserEntitlement, at time.Time) (err error) {
	defer s.observe("claim_pending", time.Now(), &err)

	if ent == nil || ent.UserID != userID {
		return fmt.Errorf("invalid entitlement")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM pending_entitlements WHERE id::text = $1 FOR UPDATE`, pendingID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return entitlement.ErrPendingNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock pending entitlement: %w", err)
	}

	switch entitlement.PendingStatus(status) {
	case entitlement.PendingClaimed:
		return entitlement.ErrAlreadyClaimed
	case entitlement.PendingCancelled:
		return entitlement.ErrPendingCancelled
	}

	if err := upsertEntitlement(ctx, tx, ent); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE pending_entitlements
			SET status = 'claimed', claimed_by = $2, claimed_at = $3, updated_at = $3
			WHERE id::text = $1`,
		pendingID, userID, at)
	if err != nil {
		return fmt.Errorf("failed to mark pending entitlement claimed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit claim: %w", err)
	}
	return nil
}

// ExpireLapsed implements entitlement.EntitlementStore
func (s *Storage) ExpireLapsed(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_entitlements SET status = 'expired', updated_at = $1
			WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire entitlements: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// startSweep periodically marks lapsed entitlements expired. Access checks do
// not depend on it; it keeps the stored status honest for reporting.
func (s *Storage) startSweep(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireLapsed(ctx, time.Now().UTC())
			if err != nil {
				s.config.Logger.Error("expiry sweep failed", entitlement.Field{Key: "error", Value: err.Error()})
				continue
			}
			if n > 0 {
				s.config.Logger.Info("expired lapsed entitlements", entitlement.Field{Key: "count", Value: n})
			}
		}
	}
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return b, nil
}

func unmarshalMap(b []byte, dst *map[string]any) error {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("failed to decode json: %w", err)
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}
