package custodian

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/confidential-executor/interfaces"
)

// VaultStore keeps session chains in a HashiCorp Vault KV v2 mount. Each
// session is one KV entry whose Vault versions are the chain history; writes
// use check-and-set so replicas sharing the mount cannot branch a chain.
type VaultStore struct {
	kv       *api.KVv2
	client   *api.Client
	dataPath string
	log      *slog.Logger
}

// VaultConfig configures a VaultStore.
//
// Authentication uses Token when set, otherwise a TLS client certificate login
// against the cert auth method.
type VaultConfig struct {
	Address    string
	MountPath  string
	DataPath   string
	Token      string
	ClientCert *tls.Certificate
	Timeout    time.Duration
}

// NewVaultStore creates a Vault-backed store.
func NewVaultStore(cfg VaultConfig, log *slog.Logger) (*VaultStore, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.ClientCert != nil {
		tlsConfig.Certificates = []tls.Certificate{*cfg.ClientCert}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.HttpClient = &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   timeout,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.ClientCert != nil:
		secret, err := client.Logical().Write("auth/cert/login", nil)
		if err != nil {
			return nil, fmt.Errorf("vault cert login failed: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, errors.New("vault cert login returned no token")
		}
		client.SetToken(secret.Auth.ClientToken)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}

	return &VaultStore{
		kv:       client.KVv2(mountPath),
		client:   client,
		dataPath: strings.Trim(cfg.DataPath, "/"),
		log:      log,
	}, nil
}

func (s *VaultStore) path(name string) string {
	if s.dataPath == "" {
		return "sessions/" + name
	}
	return s.dataPath + "/sessions/" + name
}

// read returns the head and its Vault version.
func (s *VaultStore) read(ctx context.Context, name string) (*interfaces.SessionHead, int, error) {
	secret, err := s.kv.Get(ctx, s.path(name))
	if errors.Is(err, api.ErrSecretNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, name)
	}
	if err != nil {
		s.log.Error("Failed to read session from Vault", slog.String("session", name), "err", err)
		return nil, 0, fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}

	version := 0
	if secret.VersionMetadata != nil {
		version = secret.VersionMetadata.Version
	}
	if secret.Data == nil {
		// Latest version was deleted.
		return nil, version, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, name)
	}

	hash, _ := secret.Data["hash"].(string)
	encoded, _ := secret.Data["document"].(string)
	if hash == "" || encoded == "" {
		return nil, version, fmt.Errorf("malformed session entry for %s", name)
	}

	var doc interfaces.SessionDocument
	if err := json.Unmarshal([]byte(encoded), &doc); err != nil {
		return nil, version, fmt.Errorf("malformed session document for %s: %w", name, err)
	}

	return &interfaces.SessionHead{Hash: hash, Document: doc}, version, nil
}

func (s *VaultStore) Head(ctx context.Context, name string) (*interfaces.SessionHead, error) {
	head, _, err := s.read(ctx, name)
	return head, err
}

func (s *VaultStore) CompareAndSwap(ctx context.Context, expected string, head *interfaces.SessionHead) error {
	name := head.Document.Name
	start := time.Now()

	current, version, err := s.read(ctx, name)
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		current = nil
	case err != nil:
		return err
	}

	currentHash := ""
	if current != nil {
		currentHash = current.Hash
	}
	if currentHash != expected {
		return fmt.Errorf("%w: %s head is %q, expected %q", interfaces.ErrVersionConflict, name, currentHash, expected)
	}

	encoded, err := json.Marshal(&head.Document)
	if err != nil {
		return fmt.Errorf("failed to encode session document: %w", err)
	}

	_, err = s.kv.Put(ctx, s.path(name), map[string]interface{}{
		"hash":     head.Hash,
		"document": string(encoded),
	}, api.WithCheckAndSet(version))
	if err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("%w: %s was modified concurrently", interfaces.ErrVersionConflict, name)
		}
		s.log.Error("Failed to write session to Vault", slog.String("session", name), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}

	s.log.Debug("Stored session in Vault",
		slog.String("session", name),
		slog.Int("vault_version", version+1),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Available checks that Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}

	return health.Initialized && !health.Sealed
}
