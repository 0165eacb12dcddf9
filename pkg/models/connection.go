package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection is a target-database connection descriptor. The endpoint
// parameters (host, credentials, flags) are encrypted at rest by the service
// layer; only the display fields live here in plaintext.
type Connection struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TargetConfig is the decrypted form of a connection descriptor. It exists
// only transiently while acquiring a pool and must never be persisted or
// logged.
type TargetConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	Database               string `json:"database"`
	Username               string `json:"user"`
	Password               string `json:"password"`
	Encrypt                bool   `json:"encrypt"`
	TrustServerCertificate bool   `json:"trust_server_certificate"`
	ConnectTimeoutSec      int    `json:"connect_timeout_sec"`
	RequestTimeoutSec      int    `json:"request_timeout_sec"`
}
