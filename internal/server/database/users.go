package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateAdminUser inserts an admin user row and returns it with its id.
// googleID may be empty for operator-provisioned rows; the OIDC callback
// binds it on first login.
func (r *Repository) CreateAdminUser(ctx context.Context, email, googleID string, now int64) (*AdminUser, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	var id int64
	err := r.db.Pool.QueryRowContext(ctx, `
		INSERT INTO admin_users (email, google_id, created_at) VALUES (?, ?, ?)
		RETURNING id
	`, email, googleID, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin user: %w", err)
	}
	return &AdminUser{ID: id, Email: email, GoogleID: googleID, CreatedAt: now}, nil
}

// GetAdminUserByID retrieves an admin user row.
func (r *Repository) GetAdminUserByID(ctx context.Context, id int64) (*AdminUser, error) {
	return r.getAdminUser(ctx, "SELECT id, email, google_id, created_at FROM admin_users WHERE id = ?", id)
}

// GetAdminUserByGoogleID looks up an admin user by federated subject id.
func (r *Repository) GetAdminUserByGoogleID(ctx context.Context, googleID string) (*AdminUser, error) {
	return r.getAdminUser(ctx, "SELECT id, email, google_id, created_at FROM admin_users WHERE google_id = ?", googleID)
}

// GetAdminUserByEmail looks up an admin user by email.
func (r *Repository) GetAdminUserByEmail(ctx context.Context, email string) (*AdminUser, error) {
	return r.getAdminUser(ctx, "SELECT id, email, google_id, created_at FROM admin_users WHERE email = ?", email)
}

func (r *Repository) getAdminUser(ctx context.Context, query string, arg any) (*AdminUser, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	u := &AdminUser{}
	err := r.db.Pool.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.GoogleID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get admin user: %w", err)
	}
	return u, nil
}

// BindAdminUserGoogleID attaches a federated subject id to a pre-provisioned
// row that was created with an empty google_id.
func (r *Repository) BindAdminUserGoogleID(ctx context.Context, id int64, googleID string) error {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	_, err := r.db.Pool.ExecContext(ctx, `
		UPDATE admin_users SET google_id = ? WHERE id = ? AND google_id = ''
	`, googleID, id)
	if err != nil {
		return fmt.Errorf("failed to bind google id: %w", err)
	}
	return nil
}

// ListAdminUsers returns all admin user rows.
func (r *Repository) ListAdminUsers(ctx context.Context) ([]AdminUser, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	rows, err := r.db.Pool.QueryContext(ctx, "SELECT id, email, google_id, created_at FROM admin_users")
	if err != nil {
		return nil, fmt.Errorf("failed to list admin users: %w", err)
	}
	defer rows.Close()

	var users []AdminUser
	for rows.Next() {
		var u AdminUser
		if err := rows.Scan(&u.ID, &u.Email, &u.GoogleID, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan admin user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteAdminUser removes an admin user row.
func (r *Repository) DeleteAdminUser(ctx context.Context, id int64) error {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	res, err := r.db.Pool.ExecContext(ctx, "DELETE FROM admin_users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete admin user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}
