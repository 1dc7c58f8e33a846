// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package keychain keeps pgrunner's secrets in the OS credential store: the saved
// database connection string and the bridge token.
//
// On macOS the security command is used directly, with the keyring library as a
// fallback. Elsewhere the native keyring backends are used; there is no file fallback.
package keychain

import (
	"errors"
	"runtime"
	"sync"

	"github.com/99designs/keyring"
)

// ServiceName identifies our keychain/credential store namespace.
const ServiceName = "pgrunner"

// Keys used for storing secrets in the OS keychain.
const (
	KeyDBDSN       = "db_dsn"
	KeyBridgeToken = "bridge_token"
)

// ErrNotFound is returned when nothing is stored under a key.
var ErrNotFound = errors.New("not found in keychain")

var (
	globalManager *Manager
	mu            sync.Mutex
)

// Manager provides thread-safe access to the stored secrets.
type Manager struct {
	mu    sync.RWMutex
	store store
}

type store interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
}

// NewManager opens the OS credential store.
func NewManager() (*Manager, error) {
	if runtime.GOOS == "darwin" {
		if backend, err := newSecurityBackend(); err == nil {
			return &Manager{store: backend}, nil
		}
	}

	ring, err := openRing()
	if err != nil {
		return nil, err
	}
	return NewWithRing(ring), nil
}

// NewWithRing returns a manager backed by ring.
func NewWithRing(ring keyring.Keyring) *Manager {
	return &Manager{store: ringStore{ring}}
}

// GetManager returns the process-wide manager, opening it on first use. A failed open
// is retried on the next call.
func GetManager() (*Manager, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalManager != nil {
		return globalManager, nil
	}
	m, err := NewManager()
	if err != nil {
		return nil, err
	}
	globalManager = m
	return m, nil
}

func openRing() (keyring.Keyring, error) {
	var allowed []keyring.BackendType
	switch runtime.GOOS {
	case "darwin":
		// pass needs: brew install pass
		allowed = []keyring.BackendType{keyring.KeychainBackend, keyring.PassBackend}
	case "windows":
		allowed = []keyring.BackendType{keyring.WinCredBackend}
	case "linux":
		allowed = []keyring.BackendType{keyring.SecretServiceBackend, keyring.KeyCtlBackend, keyring.PassBackend}
	default:
		return nil, errors.New("secure storage not supported on " + runtime.GOOS)
	}

	cfg := keyring.Config{
		ServiceName:             ServiceName,
		AllowedBackends:         allowed,
		PassPrefix:              ServiceName,
		WinCredPrefix:           ServiceName,
		LibSecretCollectionName: "login",
		KeyCtlScope:             "user",
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		if runtime.GOOS == "darwin" {
			return nil, errors.New("macOS Keychain unavailable. On macOS 26.0+, install 'pass': brew install pass gnupg && gpg --generate-key && pass init <gpg-key-id>")
		}
		return nil, err
	}
	return ring, nil
}

// SaveDSN stores the database connection string.
func (m *Manager) SaveDSN(dsn string) error { return m.set(KeyDBDSN, dsn) }

// LoadDSN returns the stored connection string or ErrNotFound.
func (m *Manager) LoadDSN() (string, error) { return m.get(KeyDBDSN) }

// ClearDSN removes the stored connection string.
func (m *Manager) ClearDSN() error { return m.delete(KeyDBDSN) }

// SaveBridgeToken stores the token presented to the bridge backend.
func (m *Manager) SaveBridgeToken(token string) error { return m.set(KeyBridgeToken, token) }

// LoadBridgeToken returns the stored bridge token or ErrNotFound.
func (m *Manager) LoadBridgeToken() (string, error) { return m.get(KeyBridgeToken) }

// ClearAll removes every secret pgrunner stores.
func (m *Manager) ClearAll() error {
	return errors.Join(m.delete(KeyDBDSN), m.delete(KeyBridgeToken))
}

func (m *Manager) set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Set(key, value)
}

func (m *Manager) get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.store.Get(key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Manager) delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.store.Delete(key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ringStore adapts a keyring.Keyring.
type ringStore struct{ ring keyring.Keyring }

func (s ringStore) Set(key, value string) error {
	return s.ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: ServiceName + " " + key})
}

func (s ringStore) Get(key string) (string, error) {
	it, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(it.Data), nil
}

func (s ringStore) Delete(key string) error {
	err := s.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}
