// Package repositories provides metadata-store data access.
package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/durlabhjain/sql-browser/pkg/apperrors"
	"github.com/durlabhjain/sql-browser/pkg/database"
	"github.com/durlabhjain/sql-browser/pkg/models"
)

// ConnectionRepository stores target-connection descriptors. The endpoint
// parameters arrive and leave this layer as an opaque encrypted blob.
type ConnectionRepository interface {
	Create(ctx context.Context, conn *models.Connection, encryptedConfig string) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, string, error)
	List(ctx context.Context) ([]*models.Connection, error)
	Update(ctx context.Context, id uuid.UUID, name string, encryptedConfig string) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type connectionRepository struct {
	db *database.DB
}

// NewConnectionRepository creates a connection descriptor repository.
func NewConnectionRepository(db *database.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

var _ ConnectionRepository = (*connectionRepository)(nil)

func (r *connectionRepository) Create(ctx context.Context, conn *models.Connection, encryptedConfig string) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}

	query := `
		INSERT INTO connections (id, name, encrypted_config, active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query, conn.ID, conn.Name, encryptedConfig).
		Scan(&conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	conn.Active = true
	return nil
}

// GetByID returns the descriptor and its encrypted config. Soft-deleted
// descriptors are not found.
func (r *connectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, string, error) {
	query := `
		SELECT id, name, encrypted_config, active, created_at, updated_at
		FROM connections
		WHERE id = $1 AND active = TRUE`

	var (
		conn      models.Connection
		encrypted string
	)
	err := r.db.QueryRow(ctx, query, id).Scan(
		&conn.ID, &conn.Name, &encrypted, &conn.Active,
		&conn.CreatedAt, &conn.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", apperrors.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get connection: %w", err)
	}
	return &conn, encrypted, nil
}

func (r *connectionRepository) List(ctx context.Context) ([]*models.Connection, error) {
	query := `
		SELECT id, name, active, created_at, updated_at
		FROM connections
		WHERE active = TRUE
		ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		var conn models.Connection
		if err := rows.Scan(&conn.ID, &conn.Name, &conn.Active, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, &conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return conns, nil
}

func (r *connectionRepository) Update(ctx context.Context, id uuid.UUID, name string, encryptedConfig string) error {
	query := `
		UPDATE connections
		SET name = $1, encrypted_config = $2, updated_at = now()
		WHERE id = $3 AND active = TRUE`

	tag, err := r.db.Exec(ctx, query, name, encryptedConfig, id)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE connections SET active = FALSE, updated_at = now() WHERE id = $1 AND active = TRUE`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
