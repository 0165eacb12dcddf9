// Package services contains the query broker and its collaborators.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durlabhjain/sql-browser/pkg/apperrors"
	"github.com/durlabhjain/sql-browser/pkg/crypto"
	"github.com/durlabhjain/sql-browser/pkg/models"
	"github.com/durlabhjain/sql-browser/pkg/repositories"
	"github.com/durlabhjain/sql-browser/pkg/target"
)

// ConnectionVault stores connection descriptors with their endpoint
// parameters encrypted at rest and decrypts them on demand for the broker.
type ConnectionVault interface {
	// Decrypt returns the decrypted endpoint parameters for a live
	// descriptor. Missing or soft-deleted descriptors surface as
	// apperrors.ErrConnectionUnavailable.
	Decrypt(ctx context.Context, connectionID uuid.UUID) (*models.TargetConfig, error)

	Create(ctx context.Context, name string, cfg *models.TargetConfig) (*models.Connection, error)
	Update(ctx context.Context, id uuid.UUID, name string, cfg *models.TargetConfig) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*models.Connection, error)

	// TestConnection verifies connectivity for parameters that have not been
	// saved yet.
	TestConnection(ctx context.Context, cfg *models.TargetConfig) error
}

type connectionVault struct {
	repo      repositories.ConnectionRepository
	encryptor *crypto.CredentialEncryptor
	connect   target.Connector
	logger    *zap.Logger
}

// NewConnectionVault creates the credential vault. connect may be nil, in
// which case TestConnection dials SQL Server directly.
func NewConnectionVault(
	repo repositories.ConnectionRepository,
	encryptor *crypto.CredentialEncryptor,
	connect target.Connector,
	logger *zap.Logger,
) ConnectionVault {
	if connect == nil {
		connect = dialTarget
	}
	return &connectionVault{repo: repo, encryptor: encryptor, connect: connect, logger: logger}
}

var _ ConnectionVault = (*connectionVault)(nil)

func (v *connectionVault) Decrypt(ctx context.Context, connectionID uuid.UUID) (*models.TargetConfig, error) {
	_, encrypted, err := v.repo.GetByID(ctx, connectionID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("%w: connection %s is missing or inactive", apperrors.ErrConnectionUnavailable, connectionID)
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := v.encryptor.DecryptBytes(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt connection config: %w", err)
	}

	var cfg models.TargetConfig
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}
	return &cfg, nil
}

func (v *connectionVault) Create(ctx context.Context, name string, cfg *models.TargetConfig) (*models.Connection, error) {
	if name == "" {
		return nil, fmt.Errorf("connection name is required")
	}
	if cfg == nil || cfg.Host == "" || cfg.Database == "" {
		return nil, fmt.Errorf("connection host and database are required")
	}

	encrypted, err := v.encryptConfig(cfg)
	if err != nil {
		return nil, err
	}

	conn := &models.Connection{Name: name}
	if err := v.repo.Create(ctx, conn, encrypted); err != nil {
		return nil, err
	}

	v.logger.Info("created connection descriptor",
		zap.String("id", conn.ID.String()),
		zap.String("name", name),
	)
	return conn, nil
}

func (v *connectionVault) Update(ctx context.Context, id uuid.UUID, name string, cfg *models.TargetConfig) error {
	encrypted, err := v.encryptConfig(cfg)
	if err != nil {
		return err
	}
	return v.repo.Update(ctx, id, name, encrypted)
}

func (v *connectionVault) Delete(ctx context.Context, id uuid.UUID) error {
	return v.repo.SoftDelete(ctx, id)
}

func (v *connectionVault) List(ctx context.Context) ([]*models.Connection, error) {
	return v.repo.List(ctx)
}

func (v *connectionVault) TestConnection(ctx context.Context, cfg *models.TargetConfig) error {
	db, err := v.connect(ctx, cfg)
	if err != nil {
		return err
	}
	return db.Close()
}

func (v *connectionVault) encryptConfig(cfg *models.TargetConfig) (string, error) {
	plaintext, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to serialize connection config: %w", err)
	}
	encrypted, err := v.encryptor.EncryptBytes(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt connection config: %w", err)
	}
	return encrypted, nil
}

// dialTarget opens a throwaway connection for TestConnection.
func dialTarget(ctx context.Context, cfg *models.TargetConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", target.DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return db, nil
}
