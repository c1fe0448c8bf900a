// Package settings is the persisted key-value settings store. Writes
// overwrite by key and notify listeners on change; reads see the last
// committed write. The store is eventually consistent, not transactional.
package settings

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Setting keys persisted by the worker.
const (
	KeyUID                      = "uid"
	KeyOpenAIAPIKey             = "openai_api_key"
	KeyTranslationTargetLang    = "translation_target_lang"
	KeyCopyWithTimestamps       = "copy_with_timestamps"
	KeyPaymentStatus            = "payment_status"
	KeyAlreadyOpenedReviewsPage = "already_opened_reviews_page"
	KeyInstalledAt              = "installed_at"
)

// DefaultTargetLang is used when no translation target is configured.
const DefaultTargetLang = "en"

// TargetLangs lists the supported translation target language codes.
var TargetLangs = map[string]string{
	"en": "English",
	"zh": "中文",
	"es": "Español",
	"id": "Bahasa Indonesia",
	"pt": "Português",
	"fr": "Français",
	"ja": "日本語",
	"ru": "Русский язык",
	"de": "Deutsch",
	"ko": "한국어",
}

// ErrUnsupportedLang is returned for a translation target outside TargetLangs.
var ErrUnsupportedLang = errors.New("unsupported target language")

// Listener receives change notifications after a write commits. Listeners
// run on the writer's goroutine and should return quickly.
type Listener func(key, value string)

// Store persists named settings in a single-writer sqlite database.
type Store struct {
	db *sql.DB

	mu        sync.RWMutex
	listeners []Listener
}

// New opens (creating if needed) the settings database under dataDir.
func New(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "settings.db")

	// Pragmas go in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	schema := `CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize settings schema: %w", err)
	}

	log.Debug().Str("dbPath", dbPath).Msg("settings store opened")
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key, or "" when the key has never been set.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read setting %q: %w", key, err)
	}
	return value, nil
}

// Set writes value under key, overwriting any previous value, and notifies
// listeners.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("write setting %q: %w", key, err)
	}
	s.notify(key, value)
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}
	s.notify(key, "")
	return nil
}

// Watch registers a change listener for all keys.
func (s *Store) Watch(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(key, value string) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, l := range listeners {
		l(key, value)
	}
}

// GetJSON decodes the stored value for key into out. The boolean reports
// whether the key was present.
func (s *Store) GetJSON(key string, out any) (bool, error) {
	raw, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode setting %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func (s *Store) SetJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %q: %w", key, err)
	}
	return s.Set(key, string(raw))
}

// InstalledAt returns the recorded installation time, zero when unset.
func (s *Store) InstalledAt() (time.Time, error) {
	raw, err := s.Get(KeyInstalledAt)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", KeyInstalledAt, err)
	}
	return t, nil
}

// SetInstalledAt records the installation time if not already recorded.
func (s *Store) SetInstalledAt(t time.Time) error {
	existing, err := s.Get(KeyInstalledAt)
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}
	return s.Set(KeyInstalledAt, t.UTC().Format(time.RFC3339))
}

// SetTranslationTargetLang validates and stores the translation target.
func (s *Store) SetTranslationTargetLang(code string) error {
	code = strings.TrimSpace(code)
	if _, ok := TargetLangs[code]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedLang, code)
	}
	return s.Set(KeyTranslationTargetLang, code)
}

// TranslationTargetLang returns the configured translation target,
// defaulting to English.
func (s *Store) TranslationTargetLang() string {
	code, err := s.Get(KeyTranslationTargetLang)
	if err != nil || code == "" {
		return DefaultTargetLang
	}
	return code
}
