package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config contains listener TLS settings.
type Config struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" toml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file" json:"key_file"`
	// ClientCAFile enables mutual TLS when set.
	ClientCAFile string `yaml:"client_ca_file" toml:"client_ca_file" json:"client_ca_file"`
	// MinVersion is "1.2" (default) or "1.3".
	MinVersion string `yaml:"min_version" toml:"min_version" json:"min_version"`
}

// Validate checks the settings without touching the files.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.CertFile) == "" || strings.TrimSpace(c.KeyFile) == "" {
		return fmt.Errorf("both cert_file and key_file are required when tls is enabled")
	}
	if _, err := parseMinVersion(c.MinVersion); err != nil {
		return err
	}
	return nil
}

func parseMinVersion(v string) (uint16, error) {
	switch strings.TrimSpace(v) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls min_version %q", v)
	}
}

// BuildServer constructs a TLS configuration for the listener. Certificates
// are resolved per handshake through r.
func BuildServer(cfg Config, r *Reloader) (*tls.Config, error) {
	minVersion, err := parseMinVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	serverConfig := &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     minVersion,
	}

	if cfg.ClientCAFile != "" {
		caPool, err := loadCertPool(cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
		serverConfig.ClientCAs = caPool
		serverConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return serverConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath := filepath.Clean(path)
	//nolint:gosec // CA bundle path is controlled by admin/operator
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("ca bundle %q contains no certificates", path)
	}
	return pool, nil
}
