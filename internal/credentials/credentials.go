// Package credentials implements the profile store and swapper: named,
// saved copies of an agent's OS-level credentials file that can be
// activated to replace the live file used by runner subprocesses.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/logger"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Metadata is extracted from a profile's credential blob for listing.
type Metadata struct {
	SubscriptionType string `json:"subscriptionType,omitempty"`
	RateLimitTier    string `json:"rateLimitTier,omitempty"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
}

// ProfileInfo is returned by ListProfiles.
type ProfileInfo struct {
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
	Metadata
}

const activePointerFile = "_active.txt"

// Store manages named credential profiles persisted under a directory.
type Store struct {
	dir string
	log *logger.Logger
	mu  sync.Mutex
}

// NewStore creates a Store rooted at dir, creating it if necessary.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("credentials: create profile dir: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Store{dir: dir, log: log.With(zap.String("component", "credential-store"))}, nil
}

func validateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("credentials: invalid profile name %q", name)
	}
	return nil
}

func (s *Store) profilePath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial write.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Save validates name and atomically writes blob as the profile's contents.
func (s *Store) Save(name string, blob []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicWrite(s.profilePath(name), blob, 0600); err != nil {
		return fmt.Errorf("credentials: save %q: %w", name, err)
	}
	s.log.Info("saved credential profile", zap.String("profile", name))
	return nil
}

// Get returns the raw blob for a profile.
func (s *Store) Get(name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.profilePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("credentials: profile %q not found", name)
		}
		return nil, fmt.Errorf("credentials: get %q: %w", name, err)
	}
	return data, nil
}

// Delete removes a profile, clearing the active pointer if it referenced it.
func (s *Store) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.profilePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credentials: delete %q: %w", name, err)
	}

	if active, _ := s.readActivePointer(); active == name {
		_ = os.Remove(filepath.Join(s.dir, activePointerFile))
	}
	s.log.Info("deleted credential profile", zap.String("profile", name))
	return nil
}

// SetActive marks name as the active profile. Fails if the profile does not exist.
func (s *Store) SetActive(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.profilePath(name)); err != nil {
		return fmt.Errorf("credentials: profile %q not found", name)
	}
	if err := atomicWrite(filepath.Join(s.dir, activePointerFile), []byte(name), 0600); err != nil {
		return fmt.Errorf("credentials: set active %q: %w", name, err)
	}
	return nil
}

func (s *Store) readActivePointer() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, activePointerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// GetActive returns the name of the active profile. If the pointer refers to
// a profile that no longer exists, the pointer is cleared and "" is returned.
func (s *Store) GetActive() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := s.readActivePointer()
	if err != nil {
		return "", fmt.Errorf("credentials: read active pointer: %w", err)
	}
	if name == "" {
		return "", nil
	}
	if _, err := os.Stat(s.profilePath(name)); err != nil {
		_ = os.Remove(filepath.Join(s.dir, activePointerFile))
		return "", nil
	}
	return name, nil
}

func extractMetadata(blob []byte) Metadata {
	var m Metadata
	_ = json.Unmarshal(blob, &m)
	return m
}

// ListProfiles returns metadata for every saved profile.
func (s *Store) ListProfiles() ([]ProfileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credentials: list profiles: %w", err)
	}

	active, _ := s.readActivePointer()

	var profiles []ProfileInfo
	for _, e := range entries {
		if e.IsDir() || e.Name() == activePointerFile || strings.HasPrefix(e.Name(), "_") || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".json")]
		blob, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		profiles = append(profiles, ProfileInfo{
			Name:     name,
			IsActive: name == active,
			Metadata: extractMetadata(blob),
		})
	}
	return profiles, nil
}

// Swapper moves credentials between the profile store and the OS-level
// credentials file used by runner subprocesses.
type Swapper struct {
	store    *Store
	credPath string
	log      *logger.Logger
	mu       sync.Mutex
}

// NewSwapper creates a Swapper operating on credPath, the OS-level
// credentials file path (e.g. ~/.agentbroker/credentials.json).
func NewSwapper(store *Store, credPath string, log *logger.Logger) *Swapper {
	if log == nil {
		log = logger.Default()
	}
	return &Swapper{store: store, credPath: credPath, log: log.With(zap.String("component", "credential-swapper"))}
}

// SaveCurrentAs reads the OS-level credentials file and stores it as
// profile name, marking it active.
func (w *Swapper) SaveCurrentAs(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.credPath)
	if err != nil {
		return fmt.Errorf("credentials: read current credentials file: %w", err)
	}
	if err := w.store.Save(name, data); err != nil {
		return err
	}
	if err := w.store.SetActive(name); err != nil {
		return err
	}
	w.log.Info("saved current credentials as profile", zap.String("profile", name))
	return nil
}

func (w *Swapper) backupPath() string {
	return filepath.Join(filepath.Dir(w.credPath), "_backup.json")
}

// Activate atomically backs up the current credentials file and replaces it
// with profile name's contents. Any failure before the final rename leaves
// the credentials file untouched.
func (w *Swapper) Activate(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	blob, err := w.store.Get(name)
	if err != nil {
		return err
	}

	if current, err := os.ReadFile(w.credPath); err == nil {
		if err := atomicWrite(w.backupPath(), current, 0600); err != nil {
			return fmt.Errorf("credentials: backup current credentials file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("credentials: read current credentials file: %w", err)
	}

	if err := atomicWrite(w.credPath, blob, 0600); err != nil {
		return fmt.Errorf("credentials: activate %q: %w", name, err)
	}
	if err := w.store.SetActive(name); err != nil {
		return err
	}

	w.log.Info("activated credential profile", zap.String("profile", name), zap.Time("at", time.Now().UTC()))
	return nil
}
