package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"gcliproxy/internal/credential"
)

const pgTimeout = 5 * time.Second

// PostgresBackend persists states, config and usage in postgres. The
// embedded schema is applied at startup.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare schema: %w", err)
	}
	log.Info("Connected to PostgreSQL storage backend")

	return &PostgresBackend{db: db}, nil
}

func (p *PostgresBackend) Name() string { return "postgres" }

func (p *PostgresBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

func (p *PostgresBackend) SaveCredentialState(ctx context.Context, id string, st credential.State) error {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", id, err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO credential_states (id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		id, payload)
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", id, err)
	}
	return nil
}

func (p *PostgresBackend) LoadCredentialStates(ctx context.Context) (map[string]credential.State, error) {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, "SELECT id, state FROM credential_states")
	if err != nil {
		return nil, fmt.Errorf("failed to load credential states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]credential.State)
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		var st credential.State
		if err := json.Unmarshal(payload, &st); err != nil {
			log.WithField("id", id).Warn("skipping corrupt credential state row")
			continue
		}
		out[id] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (p *PostgresBackend) DeleteCredentialState(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, "DELETE FROM credential_states WHERE id = $1", id)
	return err
}

func (p *PostgresBackend) SaveConfig(ctx context.Context, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO config_blob (id, raw, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET raw = EXCLUDED.raw, updated_at = now()`,
		raw)
	return err
}

func (p *PostgresBackend) LoadConfig(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	var raw []byte
	err := p.db.QueryRowContext(ctx, "SELECT raw FROM config_blob WHERE id = 1").Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return raw, nil
}

func (p *PostgresBackend) AddUsage(ctx context.Context, rows []UsageRow) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_stats (credential_id, model, requests, successes, failures, prompt_tokens, candidate_tokens, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (credential_id, model) DO UPDATE SET
				requests         = usage_stats.requests + EXCLUDED.requests,
				successes        = usage_stats.successes + EXCLUDED.successes,
				failures         = usage_stats.failures + EXCLUDED.failures,
				prompt_tokens    = usage_stats.prompt_tokens + EXCLUDED.prompt_tokens,
				candidate_tokens = usage_stats.candidate_tokens + EXCLUDED.candidate_tokens,
				updated_at       = now()`,
			row.CredentialID, row.Model, row.Requests, row.Successes, row.Failures,
			row.PromptTokens, row.CandidateTokens)
		if err != nil {
			return fmt.Errorf("upsert usage for %s: %w", row.Key(), err)
		}
	}
	return tx.Commit()
}

func (p *PostgresBackend) LoadUsage(ctx context.Context) ([]UsageRow, error) {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT credential_id, model, requests, successes, failures, prompt_tokens, candidate_tokens, updated_at
		FROM usage_stats
		ORDER BY credential_id, model`)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var row UsageRow
		if err := rows.Scan(&row.CredentialID, &row.Model, &row.Requests, &row.Successes,
			&row.Failures, &row.PromptTokens, &row.CandidateTokens, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (p *PostgresBackend) ResetUsage(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, "DELETE FROM usage_stats")
	return err
}
