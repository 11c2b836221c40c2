package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAccountNotFound indicates no platform account matches the lookup key.
var ErrAccountNotFound = errors.New("platform account not found")

// UpsertAccountRequest is the input for creating or updating a platform
// account.
type UpsertAccountRequest struct {
	Platform          string `json:"platform" validate:"required"`
	ExternalAccountID string `json:"external_account_id" validate:"required"`
	AppSecret         string `json:"app_secret"`
	VerifyToken       string `json:"verify_token"`
	AccessToken       string `json:"access_token"`
	SendRatePerMinute int    `json:"send_rate_per_minute" validate:"gte=0"`
	Disabled          *bool  `json:"disabled,omitempty"`
}

// Store provides CRUD operations for platform account credentials.
type Store struct {
	pool     *pgxpool.Pool
	registry *Registry
}

// NewStore creates a Store backed by the given pool and adapter registry.
func NewStore(pool *pgxpool.Pool, registry *Registry) *Store {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Store{pool: pool, registry: registry}
}

const accountColumns = `id, platform, external_account_id, app_secret, verify_token,
	access_token, send_rate_per_minute, disabled, created_at, updated_at`

// GetAccount looks up an account by its webhook routing key.
func (s *Store) GetAccount(ctx context.Context, platform ChannelType, externalAccountID string) (Account, error) {
	if s.pool == nil {
		return Account{}, fmt.Errorf("account store not configured")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE platform = $1 AND external_account_id = $2`,
		platform.String(), strings.TrimSpace(externalAccountID))
	return scanAccount(row)
}

// GetAccountByID looks up an account by primary key.
func (s *Store) GetAccountByID(ctx context.Context, id string) (Account, error) {
	if s.pool == nil {
		return Account{}, fmt.Errorf("account store not configured")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// UpsertAccount creates or updates an account keyed by
// (platform, external_account_id).
func (s *Store) UpsertAccount(ctx context.Context, req UpsertAccountRequest) (Account, error) {
	if s.pool == nil {
		return Account{}, fmt.Errorf("account store not configured")
	}
	platform, err := s.registry.ParseChannelType(req.Platform)
	if err != nil {
		return Account{}, err
	}
	externalID := strings.TrimSpace(req.ExternalAccountID)
	if externalID == "" {
		return Account{}, fmt.Errorf("external account id is required")
	}
	disabled := false
	if req.Disabled != nil {
		disabled = *req.Disabled
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (platform, external_account_id, app_secret, verify_token,
			access_token, send_rate_per_minute, disabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (platform, external_account_id) DO UPDATE SET
			app_secret = EXCLUDED.app_secret,
			verify_token = EXCLUDED.verify_token,
			access_token = EXCLUDED.access_token,
			send_rate_per_minute = EXCLUDED.send_rate_per_minute,
			disabled = EXCLUDED.disabled,
			updated_at = now()
		RETURNING `+accountColumns,
		platform.String(), externalID, req.AppSecret, req.VerifyToken,
		req.AccessToken, req.SendRatePerMinute, disabled)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by platform and external id.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("account store not configured")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY platform, external_account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, account)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var platform string
	err := row.Scan(&a.ID, &platform, &a.ExternalAccountID, &a.AppSecret,
		&a.VerifyToken, &a.AccessToken, &a.SendRatePerMinute, &a.Disabled,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	a.Platform = ChannelType(platform)
	return a, nil
}
