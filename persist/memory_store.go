package persist

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store implementation. It is the default for
// tests and for callers that keep persistence elsewhere. Safe for
// concurrent use; every operation is atomic per key.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*versionedBlob
	secrets map[string]*versionedBlob
	// owner index for ListSecrets: user id -> set of record ids
	byOwner map[string]map[string]struct{}
	closed  bool
}

type versionedBlob struct {
	data    []byte
	version string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*versionedBlob),
		secrets: make(map[string]*versionedBlob),
		byOwner: make(map[string]map[string]struct{}),
	}
}

func (ms *MemoryStore) PutUser(user *UserRecord, expectedVersion string) (string, error) {
	data, err := json.Marshal(user)
	if err != nil {
		return "", fmt.Errorf("failed to serialize user record: %w", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return "", fmt.Errorf("store is closed")
	}
	return putBlob(ms.users, user.ID, data, expectedVersion)
}

func (ms *MemoryStore) GetUser(userID string) (*UserRecord, error) {
	ms.mu.RLock()
	blob, ok := ms.users[userID]
	ms.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var user UserRecord
	if err := json.Unmarshal(blob.data, &user); err != nil {
		return nil, fmt.Errorf("failed to deserialize user record: %w", err)
	}
	user.Version = blob.version
	return &user, nil
}

func (ms *MemoryStore) DeleteUser(userID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.users[userID]; !ok {
		return ErrNotFound
	}
	delete(ms.users, userID)
	return nil
}

func (ms *MemoryStore) PutSecret(record *SecretRecord, expectedVersion string) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to serialize secret record: %w", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return "", fmt.Errorf("store is closed")
	}
	version, err := putBlob(ms.secrets, record.ID, data, expectedVersion)
	if err != nil {
		return "", err
	}
	owned := ms.byOwner[record.UserID]
	if owned == nil {
		owned = make(map[string]struct{})
		ms.byOwner[record.UserID] = owned
	}
	owned[record.ID] = struct{}{}
	return version, nil
}

func (ms *MemoryStore) GetSecret(recordID string) (*SecretRecord, error) {
	ms.mu.RLock()
	blob, ok := ms.secrets[recordID]
	ms.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var record SecretRecord
	if err := json.Unmarshal(blob.data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize secret record: %w", err)
	}
	record.Version = blob.version
	return &record, nil
}

func (ms *MemoryStore) DeleteSecret(recordID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	blob, ok := ms.secrets[recordID]
	if !ok {
		return ErrNotFound
	}
	var record SecretRecord
	if err := json.Unmarshal(blob.data, &record); err == nil {
		delete(ms.byOwner[record.UserID], recordID)
	}
	delete(ms.secrets, recordID)
	return nil
}

func (ms *MemoryStore) ListSecrets(userID string) ([]*SecretRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	records := make([]*SecretRecord, 0, len(ms.byOwner[userID]))
	for recordID := range ms.byOwner[userID] {
		blob, ok := ms.secrets[recordID]
		if !ok {
			continue
		}
		var record SecretRecord
		if err := json.Unmarshal(blob.data, &record); err != nil {
			return nil, fmt.Errorf("failed to deserialize secret record: %w", err)
		}
		record.Version = blob.version
		records = append(records, &record)
	}
	return records, nil
}

func (ms *MemoryStore) Ping() error { return nil }

func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

// putBlob enforces optimistic versioning within the caller's lock.
func putBlob(table map[string]*versionedBlob, key string, data []byte, expectedVersion string) (string, error) {
	existing, exists := table[key]
	if expectedVersion == "" && exists {
		return "", fmt.Errorf("%w: record %q already exists", ErrConflict, key)
	}
	if expectedVersion != "" {
		if !exists {
			return "", ErrNotFound
		}
		if existing.version != expectedVersion {
			return "", fmt.Errorf("%w: record %q changed since read", ErrConflict, key)
		}
	}
	version := contentVersion(data)
	table[key] = &versionedBlob{data: data, version: version}
	return version, nil
}
