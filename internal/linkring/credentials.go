package linkring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
)

// CredentialStore hands the Coordinator the reputation-service API key.
// An empty key means checks are disabled, not that something failed.
type CredentialStore interface {
	APIKey(ctx context.Context) (string, error)
}

// SettingsStore is the writable store behind the options page.
type SettingsStore interface {
	CredentialStore
	SetAPIKey(ctx context.Context, key string) error
	Thresholds(ctx context.Context) (Thresholds, error)
	SetThresholds(ctx context.Context, t Thresholds) error
}

// StaticCredentials serves a fixed key, typically from config or env.
type StaticCredentials string

func (s StaticCredentials) APIKey(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// ErrKeyPinned is returned when a key change is attempted while the key comes
// from config or env.
var ErrKeyPinned = errors.New("api key is set by configuration")

// PinnedKeyStore serves a configured key while thresholds stay in the
// backing store.
type PinnedKeyStore struct {
	Key   StaticCredentials
	Store SettingsStore
}

func (p PinnedKeyStore) APIKey(ctx context.Context) (string, error) {
	return p.Key.APIKey(ctx)
}

// SetAPIKey accepts only the configured key itself.
func (p PinnedKeyStore) SetAPIKey(ctx context.Context, key string) error {
	cur, _ := p.Key.APIKey(ctx)
	if strings.TrimSpace(key) == cur {
		return nil
	}
	return ErrKeyPinned
}

func (p PinnedKeyStore) Thresholds(ctx context.Context) (Thresholds, error) {
	return p.Store.Thresholds(ctx)
}

func (p PinnedKeyStore) SetThresholds(ctx context.Context, t Thresholds) error {
	return p.Store.SetThresholds(ctx, t)
}

const (
	keyAPIKey     = "vtApiKey"
	keyThresholds = "vtThresholds"
)

// LevelStore persists settings in a goleveldb database.
type LevelStore struct {
	db *leveldb.DB
}

func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open settings store %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (s *LevelStore) get(key string) ([]byte, bool, error) {
	b, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return b, true, nil
}

func (s *LevelStore) APIKey(context.Context) (string, error) {
	b, _, err := s.get(keyAPIKey)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// SetAPIKey stores the trimmed key; an empty key disables checks.
func (s *LevelStore) SetAPIKey(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		if err := s.db.Delete([]byte(keyAPIKey), nil); err != nil {
			return fmt.Errorf("clear %s: %w", keyAPIKey, err)
		}
		return nil
	}
	if err := s.db.Put([]byte(keyAPIKey), []byte(key), nil); err != nil {
		return fmt.Errorf("write %s: %w", keyAPIKey, err)
	}
	return nil
}

func (s *LevelStore) Thresholds(context.Context) (Thresholds, error) {
	b, ok, err := s.get(keyThresholds)
	if err != nil {
		return DefaultThresholds(), err
	}
	if !ok {
		return DefaultThresholds(), nil
	}
	var t Thresholds
	if err := json.Unmarshal(b, &t); err != nil {
		return DefaultThresholds(), nil
	}
	return t.Clamp(), nil
}

func (s *LevelStore) SetThresholds(_ context.Context, t Thresholds) error {
	b, err := json.Marshal(t.Clamp())
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(keyThresholds), b, nil); err != nil {
		return fmt.Errorf("write %s: %w", keyThresholds, err)
	}
	return nil
}

// maskKey keeps only the last four characters of a key for display.
func maskKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
