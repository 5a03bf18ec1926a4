package connector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/config"
)

const (
	connectRetries  = 3
	connMaxLifetime = 10 * time.Minute
)

// Connector builds MySQL connections for snapshot reads and binlog
// replication from one configuration, with the same TLS settings for both.
type Connector struct {
	cfg    *config.MySQLConfig
	logger *zap.Logger
}

func New(cfg *config.MySQLConfig, logger *zap.Logger) *Connector {
	return &Connector{
		cfg:    cfg,
		logger: common.LoggerWithComponent(logger, "mysql_connector"),
	}
}

// DriverConfig returns the go-sql-driver configuration for the source.
func (c *Connector) DriverConfig() (*mysql.Config, error) {
	dc := mysql.NewConfig()
	dc.Net = "tcp"
	dc.Addr = c.cfg.Host + ":" + strconv.Itoa(c.cfg.Port)
	dc.User = c.cfg.Username
	dc.Passwd = c.cfg.Password
	dc.ParseTime = true
	dc.Loc = time.UTC
	if c.cfg.ReadTimeout > 0 {
		dc.ReadTimeout = c.cfg.ReadTimeout
	}

	switch c.cfg.SSLMode {
	case config.SSLModeDisabled:
		dc.TLSConfig = "false"
	case config.SSLModePreferred:
		// The driver falls back to plaintext when the server has no TLS.
		dc.TLSConfig = "preferred"
	default:
		tlsConfig, err := c.TLSConfig()
		if err != nil {
			return nil, err
		}
		dc.TLS = tlsConfig
	}
	return dc, nil
}

// OpenDB opens a pooled connection to the source and pings it, retrying with
// exponential backoff.
func (c *Connector) OpenDB(ctx context.Context) (*sql.DB, error) {
	dc, err := c.DriverConfig()
	if err != nil {
		return nil, err
	}
	drv, err := mysql.NewConnector(dc)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL configuration: %w", err)
	}

	backoff := time.Second
	for attempt := 1; ; attempt++ {
		db := sql.OpenDB(drv)
		if c.cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(c.cfg.MaxOpenConns)
			db.SetMaxIdleConns(c.cfg.MaxOpenConns)
		}
		db.SetConnMaxLifetime(connMaxLifetime)

		err = db.PingContext(ctx)
		if err == nil {
			c.logger.Info("Connected to MySQL",
				zap.String("address", dc.Addr),
				zap.String("ssl_mode", c.cfg.SSLMode))
			return db, nil
		}
		db.Close()

		if attempt == connectRetries {
			return nil, fmt.Errorf("failed to connect to MySQL at %s after %d attempts: %w", dc.Addr, attempt, err)
		}
		c.logger.Warn("MySQL connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// SyncerConfig returns the binlog replication settings for serverID.
func (c *Connector) SyncerConfig(serverID uint32) (replication.BinlogSyncerConfig, error) {
	sc := replication.BinlogSyncerConfig{
		ServerID:        serverID,
		Flavor:          c.cfg.Flavor,
		Host:            c.cfg.Host,
		Port:            uint16(c.cfg.Port),
		User:            c.cfg.Username,
		Password:        c.cfg.Password,
		HeartbeatPeriod: c.cfg.HeartbeatPeriod,
		ReadTimeout:     c.cfg.ReadTimeout,
		ParseTime:       true,
		UseDecimal:      true,
	}

	if c.cfg.SSLMode == config.SSLModeDisabled {
		return sc, nil
	}
	tlsConfig, err := c.TLSConfig()
	if err != nil {
		if c.cfg.SSLMode == config.SSLModePreferred {
			c.logger.Warn("Failed to build TLS config for preferred mode, replicating in plaintext", zap.Error(err))
			return sc, nil
		}
		return sc, fmt.Errorf("failed to build TLS config for %s mode: %w", c.cfg.SSLMode, err)
	}
	sc.TLSConfig = tlsConfig
	return sc, nil
}

// TLSConfig builds the TLS settings for the configured SSL mode. It returns
// nil when TLS is disabled.
func (c *Connector) TLSConfig() (*tls.Config, error) {
	var tlsConfig *tls.Config
	switch c.cfg.SSLMode {
	case config.SSLModeDisabled:
		return nil, nil
	case config.SSLModePreferred, config.SSLModeRequired:
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	case config.SSLModeVerifyCA:
		// Go has no CA-only mode, so the chain is checked by hand and the
		// hostname is not.
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	case config.SSLModeVerifyIdentity:
		tlsConfig = &tls.Config{ServerName: c.cfg.Host}
	default:
		return nil, fmt.Errorf("unsupported SSL mode: %s", c.cfg.SSLMode)
	}

	if c.cfg.SSLCert != "" && c.cfg.SSLKey != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.SSLCert, c.cfg.SSLKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if c.cfg.SSLMode != config.SSLModeVerifyCA && c.cfg.SSLMode != config.SSLModeVerifyIdentity {
		return tlsConfig, nil
	}
	if c.cfg.SSLCa == "" {
		return nil, fmt.Errorf("ssl_ca is required for %s mode", c.cfg.SSLMode)
	}
	pool, err := loadCAPool(c.cfg.SSLCa)
	if err != nil {
		return nil, err
	}
	tlsConfig.RootCAs = pool
	if c.cfg.SSLMode == config.SSLModeVerifyCA {
		tlsConfig.VerifyPeerCertificate = verifyChain(pool)
	}
	return tlsConfig, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}

func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("server presented no certificate")
		}
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("failed to parse server certificate: %w", err)
			}
			certs[i] = cert
		}
		opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}
