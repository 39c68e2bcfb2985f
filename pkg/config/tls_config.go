package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// TLSConfig holds the API server's TLS configuration
type TLSConfig struct {
	Enabled    bool   `json:"enabled" env:"HTTP_TLS_ENABLED" default:"false"`
	CertFile   string `json:"cert_file" env:"HTTP_TLS_CERT_FILE"`
	KeyFile    string `json:"key_file" env:"HTTP_TLS_KEY_FILE"`
	CAFile     string `json:"ca_file" env:"HTTP_TLS_CA_FILE"`
	ClientAuth string `json:"client_auth" env:"HTTP_TLS_CLIENT_AUTH" default:"none"` // none, request, require
	MinVersion string `json:"min_version" env:"HTTP_TLS_MIN_VERSION" default:"1.2"`
}

func loadTLSConfig(config *TLSConfig) {
	config.Enabled = getEnvBool("HTTP_TLS_ENABLED", false)
	config.CertFile = getEnv("HTTP_TLS_CERT_FILE", "")
	config.KeyFile = getEnv("HTTP_TLS_KEY_FILE", "")
	config.CAFile = getEnv("HTTP_TLS_CA_FILE", "")
	config.ClientAuth = strings.ToLower(getEnv("HTTP_TLS_CLIENT_AUTH", "none"))
	config.MinVersion = getEnv("HTTP_TLS_MIN_VERSION", "1.2")
}

// Build creates a *tls.Config, or nil when TLS is disabled.
func (tc TLSConfig) Build(logger *logrus.Logger) (*tls.Config, error) {
	if !tc.Enabled {
		return nil, nil
	}
	if tc.CertFile == "" || tc.KeyFile == "" {
		return nil, fmt.Errorf("HTTP_TLS_CERT_FILE and HTTP_TLS_KEY_FILE are required when TLS is enabled")
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	switch tc.MinVersion {
	case "", "1.2":
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		logger.WithField("version", tc.MinVersion).Warning("Unknown TLS version, defaulting to 1.2")
	}

	cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	tlsConfig.Certificates = []tls.Certificate{cert}

	if tc.CAFile != "" {
		caCert, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = pool
	}

	switch tc.ClientAuth {
	case "", "none":
		tlsConfig.ClientAuth = tls.NoClientCert
	case "request":
		tlsConfig.ClientAuth = tls.RequestClientCert
	case "require":
		if tlsConfig.ClientCAs == nil {
			return nil, fmt.Errorf("client certificate verification requires HTTP_TLS_CA_FILE")
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unsupported HTTP_TLS_CLIENT_AUTH %q", tc.ClientAuth)
	}

	logger.WithFields(logrus.Fields{
		"min_version": tc.MinVersion,
		"client_auth": tc.ClientAuth,
	}).Info("TLS configuration loaded")
	return tlsConfig, nil
}
