package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for user accounts.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	SetClaimLimit(ctx context.Context, userID string, maxClaims int) error
	SetBillingActive(ctx context.Context, userID string, active bool) error
	SetProcessorCustomerID(ctx context.Context, userID, customerID string) error
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

const userColumns = `id, email, full_name, password_hash, role, max_claims, billing_active, processor_customer_id, created_at, updated_at`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateUser inserts a new user with hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	insertSQL := `
		INSERT INTO users (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail retrieves a user by email address.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	selectSQL := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by email: %w", err)
	}

	return user, nil
}

// GetUserByID retrieves a user by identifier.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	selectSQL := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}

	return user, nil
}

// SetClaimLimit updates the concurrent active-claim ceiling for a user.
func (r *PGRepository) SetClaimLimit(ctx context.Context, userID string, maxClaims int) error {
	if maxClaims < 0 {
		return fmt.Errorf("auth: claim limit must be non-negative")
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET max_claims = $2, updated_at = now() WHERE id = $1
	`, userID, maxClaims)
	if err != nil {
		return fmt.Errorf("auth: set claim limit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetBillingActive toggles whether the daily billing job invoices the user.
func (r *PGRepository) SetBillingActive(ctx context.Context, userID string, active bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET billing_active = $2, updated_at = now() WHERE id = $1
	`, userID, active)
	if err != nil {
		return fmt.Errorf("auth: set billing active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetProcessorCustomerID records the payment processor's customer reference.
func (r *PGRepository) SetProcessorCustomerID(ctx context.Context, userID, customerID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET processor_customer_id = $2, updated_at = now() WHERE id = $1
	`, userID, customerID)
	if err != nil {
		return fmt.Errorf("auth: set processor customer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.FullName,
		&u.PasswordHash,
		&u.Role,
		&u.MaxClaims,
		&u.BillingActive,
		&u.ProcessorCustomerID,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return u, nil
}
