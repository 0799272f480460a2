package playbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rand/asc/internal/database"
	"github.com/rand/asc/pkg/models"
)

// PostgresStorage keeps playbooks in a playbooks table, one JSONB row per agent
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage wraps db and creates the playbooks table if needed
func NewPostgresStorage(ctx context.Context, db *sql.DB) (*PostgresStorage, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS playbooks (
			agent_name TEXT PRIMARY KEY,
			record JSONB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create playbooks table: %w", err)
	}
	return &PostgresStorage{db: db}, nil
}

func (p *PostgresStorage) Load(ctx context.Context, agent string) (*models.PlaybookRecord, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		database.Rebind(`SELECT record FROM playbooks WHERE agent_name = ?`), agent).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query playbook: %w", err)
	}
	return decodeRecord(data)
}

func (p *PostgresStorage) Save(ctx context.Context, rec *models.PlaybookRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal playbook: %w", err)
	}
	_, err = p.db.ExecContext(ctx, database.Rebind(`
		INSERT INTO playbooks (agent_name, record, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (agent_name) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at
	`), rec.AgentName, string(data), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert playbook: %w", err)
	}
	return nil
}
