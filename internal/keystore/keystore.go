package keystore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nopu-sh/agent/internal/config"
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/logger"
	"go.uber.org/zap"
)

// Identity is a secp256k1 key pair used to sign events.
type Identity struct {
	secretKey string
	publicKey string
}

var _ domain.Identity = (*Identity)(nil)

// FromHex parses a 64-character hex secret key and derives its x-only public key.
func FromHex(secretKey string) (*Identity, error) {
	secretKey = strings.ToLower(strings.TrimSpace(secretKey))
	raw, err := hex.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("secret key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes when decoded, got %d", len(raw))
	}

	priv, pub := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("secret key is zero")
	}

	return &Identity{
		secretKey: secretKey,
		publicKey: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

// Generate creates a fresh random identity.
func Generate() (*Identity, error) {
	return FromHex(nostr.GeneratePrivateKey())
}

// PublicKey returns the hex x-only public key.
func (i *Identity) PublicKey() string { return i.publicKey }

// Sign fills in pubkey, id and sig of evt.
func (i *Identity) Sign(evt *nostr.Event) error {
	return evt.Sign(i.secretKey)
}

// Store hands out the configured identity. An empty store is valid: challenges
// are then left unanswered.
type Store struct {
	mu  sync.RWMutex
	id  *Identity
	log *zap.Logger
}

var _ domain.KeyStore = (*Store)(nil)

// NewStore returns a store holding id, which may be nil.
func NewStore(id *Identity) *Store {
	return &Store{id: id, log: logger.New("keystore")}
}

// Load resolves the identity from cfg: an inline private key wins over the key
// file, and a missing key file is created when GenerateIfAbsent is set.
func Load(cfg config.IdentityConfig) (*Store, error) {
	s := NewStore(nil)

	if cfg.PrivateKey != "" {
		id, err := FromHex(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("identity.private_key: %w", err)
		}
		s.id = id
		s.log.Info("Loaded signing identity from configuration", zap.String("pubkey", id.PublicKey()))
		return s, nil
	}

	if cfg.KeyFile == "" {
		s.log.Warn("No signing identity configured; AUTH challenges will not be answered")
		return s, nil
	}

	path, err := expandHome(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if !cfg.GenerateIfAbsent {
			s.log.Warn("Key file not found; AUTH challenges will not be answered", zap.String("path", path))
			return s, nil
		}
		id, err := Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity: %w", err)
		}
		if err := saveKey(id, path); err != nil {
			return nil, err
		}
		s.id = id
		s.log.Info("Generated new signing identity", zap.String("pubkey", id.PublicKey()), zap.String("path", path))
		return s, nil
	}

	id, err := loadKey(path)
	if err != nil {
		return nil, err
	}
	s.id = id
	s.log.Info("Loaded signing identity", zap.String("pubkey", id.PublicKey()), zap.String("path", path))
	return s, nil
}

// SigningIdentity returns the identity, if one is loaded.
func (s *Store) SigningIdentity() (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.id == nil {
		return nil, false
	}
	return s.id, true
}

// Set replaces the identity; nil clears it.
func (s *Store) Set(id *Identity) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// PublicKey returns the loaded public key or "".
func (s *Store) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.id == nil {
		return ""
	}
	return s.id.publicKey
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}

// saveKey writes the secret key as hex; the public key is derived on load.
func saveKey(id *Identity, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.secretKey+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func loadKey(path string) (*Identity, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	id, err := FromHex(string(content))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return id, nil
}
