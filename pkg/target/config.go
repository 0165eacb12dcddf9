// Package target connects to and executes statements against remote SQL
// Server databases on behalf of the broker.
package target

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/durlabhjain/sql-browser/pkg/models"
)

const (
	// DefaultPort is the default SQL Server port.
	DefaultPort = 1433
	// DefaultConnectTimeoutSec bounds the initial connection attempt.
	DefaultConnectTimeoutSec = 15
)

// PoolKey derives the pool identity from decrypted connection parameters.
// Descriptors that point at the same (server, database) share one pool no
// matter which descriptor id they came in through.
func PoolKey(cfg *models.TargetConfig) string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d|%s",
		strings.ToLower(cfg.Host), port, strings.ToLower(cfg.Database))
}

// DSN renders a go-mssqldb connection URL from decrypted parameters. The
// result contains the plaintext credential and must never be logged.
func DSN(cfg *models.TargetConfig) string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	connectTimeout := cfg.ConnectTimeoutSec
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeoutSec
	}

	query := url.Values{}
	query.Set("database", cfg.Database)
	query.Set("encrypt", boolWord(cfg.Encrypt))
	query.Set("TrustServerCertificate", boolWord(cfg.TrustServerCertificate))
	query.Set("connection timeout", fmt.Sprintf("%d", connectTimeout))

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, port),
		RawQuery: query.Encode(),
	}
	return u.String()
}

func boolWord(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
