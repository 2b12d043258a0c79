package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const userCols = `id, name, email, phone, password_hash, role, status, created_at`

// InsertUser adds a user account.
func (s *Store) InsertUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = s.newID()
	}
	if u.Role == "" {
		u.Role = "user"
	}
	if u.Status == "" {
		u.Status = "active"
	}
	u.CreatedAt = time.Now().UnixMilli()

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.Name, u.Email, u.Phone, u.PasswordHash, u.Role, u.Status, u.CreatedAt,
	)
	return err
}

// GetUser retrieves a user by ID. Returns nil, nil if not found.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	return scanUser(row.Scan)
}

// GetUserByEmail retrieves a user by email. Returns nil, nil if not found.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = ?`, email)
	return scanUser(row.Scan)
}

// ListUsers returns all users ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+userCols+` FROM users ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Subscribe upserts a subscription linking a user to a company.
func (s *Store) Subscribe(ctx context.Context, sub *Subscription) error {
	sub.CreatedAt = time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, company_id, notify_email, notify_whatsapp, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (user_id, company_id)
		DO UPDATE SET notify_email = excluded.notify_email,
		              notify_whatsapp = excluded.notify_whatsapp`,
		sub.UserID, sub.CompanyID, sub.NotifyEmail, sub.NotifyWhatsApp, sub.CreatedAt,
	)
	return err
}

// Unsubscribe removes a user's subscription to a company.
func (s *Store) Unsubscribe(ctx context.Context, userID, companyID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND company_id = ?`,
		userID, companyID)
	return err
}

// ListSubscriptionsByUser returns a user's subscriptions.
func (s *Store) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, company_id, notify_email, notify_whatsapp, created_at
		FROM subscriptions WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		var email, wa int
		if err := rows.Scan(&sub.UserID, &sub.CompanyID, &email, &wa, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.NotifyEmail = email != 0
		sub.NotifyWhatsApp = wa != 0
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// Subscribers resolves the active users subscribed to a company, carrying
// their per-channel opt-in flags. Inactive accounts never receive anything.
func (s *Store) Subscribers(ctx context.Context, companyID string) ([]*Subscriber, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT u.id, u.name, u.email, u.phone, u.password_hash, u.role, u.status,
		        u.created_at, s.notify_email, s.notify_whatsapp
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.company_id = ? AND u.status = 'active'
		ORDER BY u.name`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		var sub Subscriber
		var email, wa int
		err := rows.Scan(
			&sub.ID, &sub.Name, &sub.Email, &sub.Phone, &sub.PasswordHash,
			&sub.Role, &sub.Status, &sub.CreatedAt, &email, &wa,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub.NotifyEmail = email != 0
		sub.NotifyWhatsApp = wa != 0
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func scanUser(scan func(...any) error) (*User, error) {
	var u User
	err := scan(
		&u.ID, &u.Name, &u.Email, &u.Phone, &u.PasswordHash, &u.Role,
		&u.Status, &u.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
