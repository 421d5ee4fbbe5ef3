package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"southwinds.dev/citadel/internal/misc"
)

// FileSystemStore persists records as JSON files under a base directory:
//
//	<base>/users/<user-id>.json
//	<base>/secrets/<record-id>.json
//
// Files are written atomically (temp file + rename) with 0600 permissions
// and the directories with 0700. Versions are content hashes, checked under
// a per-store mutex so each Put remains atomic for its key.
type FileSystemStore struct {
	basePath string
	mu       sync.Mutex
}

// NewFileSystemStore creates the directory layout if needed.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	for _, sub := range []string{"users", "secrets"} {
		if err := os.MkdirAll(filepath.Join(basePath, sub), misc.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &FileSystemStore{basePath: basePath}, nil
}

// NewFileSystemStoreFromConfig builds a store from factory configuration.
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok || basePath == "" {
		return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
	}
	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) userPath(userID string) (string, error) {
	return fs.recordPath("users", userID)
}

func (fs *FileSystemStore) secretPath(recordID string) (string, error) {
	return fs.recordPath("secrets", recordID)
}

// recordPath validates the id against path traversal before joining.
func (fs *FileSystemStore) recordPath(kind, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("id cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("id contains invalid characters: %q", id)
	}
	return filepath.Join(fs.basePath, kind, id+".json"), nil
}

func (fs *FileSystemStore) PutUser(user *UserRecord, expectedVersion string) (string, error) {
	path, err := fs.userPath(user.ID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(user)
	if err != nil {
		return "", fmt.Errorf("failed to serialize user record: %w", err)
	}
	return fs.putFile(path, data, expectedVersion)
}

func (fs *FileSystemStore) GetUser(userID string) (*UserRecord, error) {
	path, err := fs.userPath(userID)
	if err != nil {
		return nil, err
	}
	data, version, err := fs.readFile(path)
	if err != nil {
		return nil, err
	}
	var user UserRecord
	if err = json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to deserialize user record: %w", err)
	}
	user.Version = version
	return &user, nil
}

func (fs *FileSystemStore) DeleteUser(userID string) error {
	path, err := fs.userPath(userID)
	if err != nil {
		return err
	}
	return fs.deleteFile(path)
}

func (fs *FileSystemStore) PutSecret(record *SecretRecord, expectedVersion string) (string, error) {
	path, err := fs.secretPath(record.ID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to serialize secret record: %w", err)
	}
	return fs.putFile(path, data, expectedVersion)
}

func (fs *FileSystemStore) GetSecret(recordID string) (*SecretRecord, error) {
	path, err := fs.secretPath(recordID)
	if err != nil {
		return nil, err
	}
	data, version, err := fs.readFile(path)
	if err != nil {
		return nil, err
	}
	var record SecretRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize secret record: %w", err)
	}
	record.Version = version
	return &record, nil
}

func (fs *FileSystemStore) DeleteSecret(recordID string) error {
	path, err := fs.secretPath(recordID)
	if err != nil {
		return err
	}
	return fs.deleteFile(path)
}

func (fs *FileSystemStore) ListSecrets(userID string) ([]*SecretRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(fs.basePath, "secrets")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets directory: %w", err)
	}
	var records []*SecretRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		var record SecretRecord
		if err = json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to deserialize secret record: %w", err)
		}
		if record.UserID != userID {
			continue
		}
		record.Version = contentVersion(data)
		records = append(records, &record)
	}
	if records == nil {
		records = []*SecretRecord{}
	}
	return records, nil
}

func (fs *FileSystemStore) Ping() error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("store path not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store path is not a directory: %s", fs.basePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error { return nil }

// putFile performs the read-compare-write under the store mutex so the
// version check and the write are atomic for the key.
func (fs *FileSystemStore) putFile(path string, data []byte, expectedVersion string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	exists, err := fileExists(path)
	if err != nil {
		return "", fmt.Errorf("failed to check file existence: %w", err)
	}
	if expectedVersion == "" && exists {
		return "", fmt.Errorf("%w: %s already exists", ErrConflict, filepath.Base(path))
	}
	if expectedVersion != "" {
		if !exists {
			return "", ErrNotFound
		}
		current, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read current version: %w", err)
		}
		if contentVersion(current) != expectedVersion {
			return "", fmt.Errorf("%w: %s changed since read", ErrConflict, filepath.Base(path))
		}
	}
	if err = writeSecureFile(path, data, misc.FilePermissions); err != nil {
		return "", err
	}
	return contentVersion(data), nil
}

func (fs *FileSystemStore) readFile(path string) ([]byte, string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to read record: %w", err)
	}
	return data, contentVersion(data), nil
}

func (fs *FileSystemStore) deleteFile(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}
