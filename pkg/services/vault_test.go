package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/durlabhjain/sql-browser/pkg/apperrors"
	"github.com/durlabhjain/sql-browser/pkg/crypto"
	"github.com/durlabhjain/sql-browser/pkg/models"
)

// memoryConnections stores descriptors and their encrypted blobs in memory.
type memoryConnections struct {
	descriptors map[uuid.UUID]*models.Connection
	blobs       map[uuid.UUID]string
}

func newMemoryConnections() *memoryConnections {
	return &memoryConnections{
		descriptors: make(map[uuid.UUID]*models.Connection),
		blobs:       make(map[uuid.UUID]string),
	}
}

func (m *memoryConnections) Create(_ context.Context, conn *models.Connection, encryptedConfig string) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	conn.Active = true
	conn.CreatedAt = time.Now()
	conn.UpdatedAt = conn.CreatedAt
	stored := *conn
	m.descriptors[conn.ID] = &stored
	m.blobs[conn.ID] = encryptedConfig
	return nil
}

func (m *memoryConnections) GetByID(_ context.Context, id uuid.UUID) (*models.Connection, string, error) {
	conn, ok := m.descriptors[id]
	if !ok || !conn.Active {
		return nil, "", apperrors.ErrNotFound
	}
	snapshot := *conn
	return &snapshot, m.blobs[id], nil
}

func (m *memoryConnections) List(context.Context) ([]*models.Connection, error) {
	var out []*models.Connection
	for _, conn := range m.descriptors {
		if conn.Active {
			snapshot := *conn
			out = append(out, &snapshot)
		}
	}
	return out, nil
}

func (m *memoryConnections) Update(_ context.Context, id uuid.UUID, name string, encryptedConfig string) error {
	conn, ok := m.descriptors[id]
	if !ok || !conn.Active {
		return apperrors.ErrNotFound
	}
	conn.Name = name
	conn.UpdatedAt = time.Now()
	m.blobs[id] = encryptedConfig
	return nil
}

func (m *memoryConnections) SoftDelete(_ context.Context, id uuid.UUID) error {
	conn, ok := m.descriptors[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	conn.Active = false
	return nil
}

func newTestEncryptor(t *testing.T) *crypto.CredentialEncryptor {
	t.Helper()
	encryptor, err := crypto.NewCredentialEncryptor("vault-test-passphrase")
	require.NoError(t, err)
	return encryptor
}

func TestConnectionVault_CreateAndDecrypt(t *testing.T) {
	repo := newMemoryConnections()
	vault := NewConnectionVault(repo, newTestEncryptor(t), nil, zaptest.NewLogger(t))

	cfg := &models.TargetConfig{
		Host:     "db.example.com",
		Port:     1433,
		Database: "sales",
		Username: "reporting",
		Password: "s3cret",
	}

	conn, err := vault.Create(context.Background(), "Sales DB", cfg)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, conn.ID)
	assert.True(t, conn.Active)

	// The stored blob must not leak credentials in plaintext.
	assert.NotContains(t, repo.blobs[conn.ID], "s3cret")
	assert.NotContains(t, repo.blobs[conn.ID], "reporting")

	decrypted, err := vault.Decrypt(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg, decrypted)
}

func TestConnectionVault_CreateValidation(t *testing.T) {
	vault := NewConnectionVault(newMemoryConnections(), newTestEncryptor(t), nil, zaptest.NewLogger(t))

	_, err := vault.Create(context.Background(), "", &models.TargetConfig{Host: "h", Database: "d"})
	assert.Error(t, err, "name is required")

	_, err = vault.Create(context.Background(), "No Host", &models.TargetConfig{Database: "d"})
	assert.Error(t, err, "host is required")

	_, err = vault.Create(context.Background(), "No Database", &models.TargetConfig{Host: "h"})
	assert.Error(t, err, "database is required")
}

func TestConnectionVault_DecryptUnknownID(t *testing.T) {
	vault := NewConnectionVault(newMemoryConnections(), newTestEncryptor(t), nil, zaptest.NewLogger(t))

	_, err := vault.Decrypt(context.Background(), uuid.New())
	require.ErrorIs(t, err, apperrors.ErrConnectionUnavailable)
}

func TestConnectionVault_DecryptAfterDelete(t *testing.T) {
	repo := newMemoryConnections()
	vault := NewConnectionVault(repo, newTestEncryptor(t), nil, zaptest.NewLogger(t))

	conn, err := vault.Create(context.Background(), "Doomed", &models.TargetConfig{Host: "h", Database: "d"})
	require.NoError(t, err)

	require.NoError(t, vault.Delete(context.Background(), conn.ID))

	_, err = vault.Decrypt(context.Background(), conn.ID)
	assert.ErrorIs(t, err, apperrors.ErrConnectionUnavailable, "soft-deleted descriptors are unavailable")

	listed, err := vault.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestConnectionVault_UpdateRotatesBlob(t *testing.T) {
	repo := newMemoryConnections()
	vault := NewConnectionVault(repo, newTestEncryptor(t), nil, zaptest.NewLogger(t))

	conn, err := vault.Create(context.Background(), "Sales DB", &models.TargetConfig{Host: "old-host", Database: "sales"})
	require.NoError(t, err)
	original := repo.blobs[conn.ID]

	err = vault.Update(context.Background(), conn.ID, "Sales DB v2", &models.TargetConfig{Host: "new-host", Database: "sales"})
	require.NoError(t, err)
	assert.NotEqual(t, original, repo.blobs[conn.ID])

	decrypted, err := vault.Decrypt(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-host", decrypted.Host)
}

func TestConnectionVault_TestConnection(t *testing.T) {
	var dialed *models.TargetConfig
	connect := func(_ context.Context, cfg *models.TargetConfig) (*sql.DB, error) {
		dialed = cfg
		return nil, errors.New("login failed for user")
	}
	vault := NewConnectionVault(newMemoryConnections(), newTestEncryptor(t), connect, zaptest.NewLogger(t))

	cfg := &models.TargetConfig{Host: "h", Database: "d", Username: "u", Password: "p"}
	err := vault.TestConnection(context.Background(), cfg)
	require.Error(t, err)
	assert.Same(t, cfg, dialed)
}
