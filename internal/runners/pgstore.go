package runners

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the postgres-backed runner store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) CreateRegistrationToken(ctx context.Context, token string) (*RegistrationToken, error) {
	var rt RegistrationToken
	rt.Token = token
	err := s.pool.QueryRow(ctx, `
		INSERT INTO runner_registration_tokens (token) VALUES ($1)
		RETURNING id, created_at`, token,
	).Scan(&rt.ID, &rt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create registration token: %w", err)
	}
	return &rt, nil
}

func (s *PGStore) GetRegistrationToken(ctx context.Context, token string) (*RegistrationToken, error) {
	var rt RegistrationToken
	err := s.pool.QueryRow(ctx, `
		SELECT id, token, created_at FROM runner_registration_tokens WHERE token = $1`, token,
	).Scan(&rt.ID, &rt.Token, &rt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidRegistrationToken
	} else if err != nil {
		return nil, fmt.Errorf("failed to load registration token: %w", err)
	}
	return &rt, nil
}

func (s *PGStore) RevokeRegistrationToken(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM runner_registration_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to revoke registration token: %w", err)
	}
	return nil
}

func (s *PGStore) CreateRunner(ctx context.Context, runner *Runner) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO runners (name, description, token, ip, registration_token_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, last_contact, created_at`,
		runner.Name, runner.Description, runner.Token, runner.IP, runner.RegistrationTokenID,
	).Scan(&runner.ID, &runner.LastContact, &runner.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	return nil
}

func (s *PGStore) GetRunnerByToken(ctx context.Context, token string) (*Runner, error) {
	var r Runner
	var description, ip *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, token, ip, last_contact, registration_token_id, created_at
		FROM runners WHERE token = $1`, token,
	).Scan(&r.ID, &r.Name, &description, &r.Token, &ip, &r.LastContact, &r.RegistrationTokenID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunnerNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load runner: %w", err)
	}
	if description != nil {
		r.Description = *description
	}
	if ip != nil {
		r.IP = *ip
	}
	return &r, nil
}

func (s *PGStore) DeleteRunner(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM runners WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete runner: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateRunnerContact(ctx context.Context, id int64, ip string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runners SET last_contact = GREATEST(last_contact, now()), ip = $1
		WHERE id = $2`, ip, id)
	if err != nil {
		return fmt.Errorf("failed to update runner contact: %w", err)
	}
	return nil
}
