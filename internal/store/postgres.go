package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL DEFAULT 0,
			plan TEXT NOT NULL DEFAULT 'free',
			referral_code TEXT UNIQUE NOT NULL,
			referred_by TEXT NOT NULL DEFAULT '',
			last_bonus_claimed TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_referred_by ON users(referred_by)`,
		`CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			action TEXT NOT NULL,
			amount INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id ON ledger_entries(user_id)`,
		`CREATE TABLE IF NOT EXISTS works (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			type TEXT NOT NULL,
			url TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_works_user_id ON works(user_id)`,
		`CREATE TABLE IF NOT EXISTS payments (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			plan TEXT NOT NULL,
			credits INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, external_id, credits, plan, referral_code, referred_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.Username, user.PasswordHash, user.ExternalID, user.Credits,
		user.Plan, user.ReferralCode, user.ReferredBy, user.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "users_username_key") {
		return ErrUsernameTaken
	}
	return err
}

func (s *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var lastBonus sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.ExternalID, &u.Credits,
		&u.Plan, &u.ReferralCode, &u.ReferredBy, &lastBonus, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastBonus.Valid {
		u.LastBonusClaimed = &lastBonus.Time
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
}

func (s *PostgresStore) GetUserByReferralCode(ctx context.Context, code string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code))
}

// --- Credits ---

func (s *PostgresStore) DebitCredits(ctx context.Context, userID string, amount int) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET credits = credits - $1
		WHERE id = $2 AND credits >= $1
		RETURNING credits`,
		amount, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.creditFailure(ctx, userID)
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *PostgresStore) CreditCredits(ctx context.Context, userID string, amount int) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET credits = credits + $1
		WHERE id = $2
		RETURNING credits`,
		amount, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *PostgresStore) ClaimDailyBonus(ctx context.Context, userID string, amount int, cooldown time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-cooldown)
	var balance int
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET credits = credits + $1, last_bonus_claimed = $2
		WHERE id = $3 AND (last_bonus_claimed IS NULL OR last_bonus_claimed <= $4)
		RETURNING credits`,
		amount, now, userID, cutoff).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		if failure := s.creditFailure(ctx, userID); errors.Is(failure, ErrNotFound) {
			return 0, failure
		}
		return 0, ErrBonusAlreadyClaimed
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *PostgresStore) creditFailure(ctx context.Context, userID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = $1`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInsufficientCredits
}

// --- Ledger ---

func (s *PostgresStore) AppendLedgerEntry(ctx context.Context, entry *LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, action, amount, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.UserID, entry.Action, entry.Amount, entry.Description, entry.CreatedAt)
	return err
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, amount, description, created_at
		FROM ledger_entries WHERE user_id = $1
		ORDER BY created_at DESC, id LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Amount, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Works ---

func (s *PostgresStore) CreateWork(ctx context.Context, work *Work) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO works (id, user_id, type, url, prompt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		work.ID, work.UserID, work.Type, work.URL, work.Prompt, work.CreatedAt)
	return err
}

func (s *PostgresStore) ListWorks(ctx context.Context, userID string, limit int) ([]Work, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, url, prompt, created_at
		FROM works WHERE user_id = $1
		ORDER BY created_at DESC, id LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var works []Work
	for rows.Next() {
		var w Work
		if err := rows.Scan(&w.ID, &w.UserID, &w.Type, &w.URL, &w.Prompt, &w.CreatedAt); err != nil {
			return nil, err
		}
		works = append(works, w)
	}
	return works, rows.Err()
}

func (s *PostgresStore) DeleteWork(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM works WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Referrals ---

func (s *PostgresStore) ListReferrals(ctx context.Context, userID string) ([]Referral, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, created_at FROM users
		WHERE referred_by = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var referrals []Referral
	for rows.Next() {
		var r Referral
		if err := rows.Scan(&r.Username, &r.CreatedAt); err != nil {
			return nil, err
		}
		referrals = append(referrals, r)
	}
	return referrals, rows.Err()
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.username, COUNT(r.id) AS referral_count
		FROM users u LEFT JOIN users r ON r.referred_by = u.id
		GROUP BY u.id, u.username
		ORDER BY referral_count DESC, u.username
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.Username, &e.ReferralCount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Payments ---

func (s *PostgresStore) ApplyPayment(ctx context.Context, p *Payment) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payments (session_id, user_id, plan, credits, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(session_id) DO NOTHING`,
		p.SessionID, p.UserID, p.Plan, p.Credits, p.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil // already processed
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE users SET plan = $1, credits = credits + $2 WHERE id = $3`,
		p.Plan, p.Credits, p.UserID)
	if err != nil {
		return false, err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNotFound
	}

	return true, tx.Commit()
}

// --- Health ---

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
