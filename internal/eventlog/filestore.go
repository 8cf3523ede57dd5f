package eventlog

import (
	"bufio"
	"context"
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

var unsafeComponent = regexp.MustCompile(`[^\w.\-]`)

// sanitize replaces any character outside [\w.\-] with '_'.
func sanitize(s string) string {
	return unsafeComponent.ReplaceAllString(s, "_")
}

type sessionState struct {
	mu     sync.Mutex
	nextID int64 // next id to assign; 0 means not yet recovered
}

// FileStore is the default JSONL-file-backed Store implementation. Records
// for a session live at {root}/<sanitized-client>/<sanitized-request>.jsonl.
type FileStore struct {
	root string
	log  *logger.Logger

	mu       sync.Mutex // guards sessions map
	sessions map[string]*sessionState
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at root, creating the directory if
// it does not exist.
func NewFileStore(root string, log *logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("eventlog: create root: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &FileStore{
		root:     root,
		log:      log.With(zap.String("component", "eventlog")),
		sessions: make(map[string]*sessionState),
	}, nil
}

func sessionKey(clientID, requestID string) string {
	return clientID + "/" + requestID
}

func (s *FileStore) sessionPath(clientID, requestID string) (string, error) {
	safeClient := sanitize(clientID)
	safeRequest := sanitize(requestID)
	if safeClient == "" || safeRequest == "" {
		return "", &ErrInvalidID{Field: "client_id/request_id", Value: clientID + "/" + requestID}
	}

	dir := filepath.Join(s.root, safeClient)
	path := filepath.Join(dir, safeRequest+".jsonl")

	absRoot, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", &ErrInvalidID{Field: "path", Value: path}
	}
	return path, nil
}

func (s *FileStore) state(clientID, requestID string) *sessionState {
	key := sessionKey(clientID, requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[key]
	if !ok {
		st = &sessionState{}
		s.sessions[key] = st
	}
	return st
}

// recoverLastID scans the existing file once to find the highest persisted
// id. Called with st.mu held and st.nextID == 0.
func (s *FileStore) recoverLastID(path string, st *sessionState) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			st.nextID = 1
			return nil
		}
		return err
	}
	defer f.Close()

	var lastID int64
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // corrupted record, skipped
		}
		if rec.ID > lastID {
			lastID = rec.ID
		}
	}
	st.nextID = lastID + 1
	return scanner.Err()
}

func (s *FileStore) Append(ctx context.Context, clientID, requestID, eventType string, payload map[string]any) (int64, error) {
	path, err := s.sessionPath(clientID, requestID)
	if err != nil {
		return 0, err
	}

	st := s.state(clientID, requestID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.nextID == 0 {
		if err := s.recoverLastID(path, st); err != nil {
			return 0, fmt.Errorf("eventlog: recover id: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("eventlog: create session dir: %w", err)
	}

	rec := Record{
		ID:        st.nextID,
		ClientID:  clientID,
		RequestID: requestID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("eventlog: open for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return 0, fmt.Errorf("eventlog: write record: %w", err)
	}

	st.nextID++
	return rec.ID, nil
}

func (s *FileStore) readFrom(clientID, requestID string, afterID int64) ([]Record, error) {
	path, err := s.sessionPath(clientID, requestID)
	if err != nil {
		return nil, err
	}

	st := s.state(clientID, requestID)
	st.mu.Lock()
	defer st.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn("skipping corrupted event record",
				zap.String("client_id", clientID), zap.String("request_id", requestID), zap.Error(err))
			continue
		}
		if rec.ID > afterID {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan: %w", err)
	}
	return records, nil
}

func (s *FileStore) ReadAll(ctx context.Context, clientID, requestID string) ([]Record, error) {
	return s.readFrom(clientID, requestID, 0)
}

func (s *FileStore) ReadSince(ctx context.Context, clientID, requestID string, afterID int64) ([]Record, error) {
	return s.readFrom(clientID, requestID, afterID)
}

func (s *FileStore) CleanupSession(clientID, requestID string) {
	key := sessionKey(clientID, requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

func (s *FileStore) DeleteSession(ctx context.Context, clientID, requestID string) error {
	path, err := s.sessionPath(clientID, requestID)
	if err != nil {
		return err
	}
	s.CleanupSession(clientID, requestID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("eventlog: delete session: %w", err)
	}
	return nil
}

func (s *FileStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	var summaries []SessionSummary

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	for _, clientDir := range entries {
		if !clientDir.IsDir() {
			continue
		}
		clientPath := filepath.Join(s.root, clientDir.Name())
		files, err := os.ReadDir(clientPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			requestID := strings.TrimSuffix(f.Name(), ".jsonl")
			records, err := s.readFrom(clientDir.Name(), requestID, 0)
			if err != nil || len(records) == 0 {
				continue
			}
			summaries = append(summaries, SessionSummary{
				ClientID:      records[0].ClientID,
				RequestID:     records[0].RequestID,
				EventCount:    int64(len(records)),
				LastEventType: records[len(records)-1].Type,
			})
		}
	}
	return summaries, nil
}

func (s *FileStore) Close() error { return nil }
