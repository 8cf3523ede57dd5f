// Package ratelimit tracks per-profile, per-limit-type rate-limit
// utilization reported by the agent runtime, auto-resetting expired windows
// and raising a one-shot alert the first time a window crosses 95%.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/logger"
)

const alertThreshold = 0.95

// knownLimitTypes are always reported for every profile, falling back to
// "unknown" utilization when no record exists yet.
var knownLimitTypes = []string{"five_hour", "seven_day"}

// Notification is the raw payload consumed by Record.
type Notification struct {
	RateLimitType string  `json:"rateLimitType"`
	Utilization   float64 `json:"utilization"`
	ResetsAt      *string `json:"resetsAt,omitempty"`
	Status        string  `json:"status,omitempty"`
}

// State is the stored record for a single (profile, limit type) pair.
type State struct {
	Utilization float64    `json:"utilization"`
	ResetsAt    *time.Time `json:"resets_at,omitempty"`
	Alerted95   bool       `json:"alerted_95"`
}

// Status is the reported snapshot of a (profile, limit type) pair, with
// Utilization rendered as "unknown" when no record exists for this profile.
type Status struct {
	Profile       string     `json:"profile"`
	RateLimitType string     `json:"rate_limit_type"`
	Utilization   any        `json:"utilization"`
	ResetsAt      *time.Time `json:"resets_at,omitempty"`
}

// Alert is returned from Record the first time a window crosses the alert
// threshold.
type Alert struct {
	ActiveProfile string                       `json:"active_profile"`
	Profiles      map[string]map[string]State `json:"profiles"`
}

type fileFormat struct {
	Profiles map[string]map[string]State `json:"profiles"`
}

// Tracker is the thread-safe rate-limit tracker.
type Tracker struct {
	path string
	log  *logger.Logger

	mu       sync.Mutex
	profiles map[string]map[string]State // profile -> limit type -> state
}

// NewTracker loads persisted state from path, if present. A corrupted file
// causes the tracker to start empty.
func NewTracker(path string, log *logger.Logger) (*Tracker, error) {
	if log == nil {
		log = logger.Default()
	}
	t := &Tracker{
		path:     path,
		log:      log.With(zap.String("component", "ratelimit-tracker")),
		profiles: make(map[string]map[string]State),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("ratelimit: read state file: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		t.log.Warn("corrupted rate-limit state file, starting empty", zap.Error(err))
		return t, nil
	}
	if ff.Profiles != nil {
		t.profiles = ff.Profiles
	}
	return t, nil
}

func (t *Tracker) persistLocked() error {
	data, err := json.Marshal(fileFormat{Profiles: t.profiles})
	if err != nil {
		return fmt.Errorf("ratelimit: marshal state: %w", err)
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("ratelimit: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("ratelimit: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ratelimit: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ratelimit: close temp file: %w", err)
	}
	return os.Rename(tmpPath, t.path)
}

// autoResetLocked resets the record if its reset time has passed. Called
// with mu held.
func (t *Tracker) autoResetLocked(profile, limitType string) {
	state, ok := t.profiles[profile][limitType]
	if !ok || state.ResetsAt == nil {
		return
	}
	if time.Now().UTC().After(*state.ResetsAt) {
		t.profiles[profile][limitType] = State{Utilization: 0, ResetsAt: nil, Alerted95: false}
	}
}

// Record consumes a notification for an active profile. It is a no-op if
// activeProfile is empty or n.Utilization is not a finite numeric value
// (the caller is expected to only call this for numeric utilization
// notifications; non-numeric payloads should never reach this layer).
func (t *Tracker) Record(activeProfile string, n Notification) (*Alert, error) {
	if activeProfile == "" || math.IsNaN(n.Utilization) || math.IsInf(n.Utilization, 0) {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.profiles[activeProfile] == nil {
		t.profiles[activeProfile] = make(map[string]State)
	}
	t.autoResetLocked(activeProfile, n.RateLimitType)

	state := t.profiles[activeProfile][n.RateLimitType]
	state.Utilization = n.Utilization
	if n.ResetsAt != nil {
		if parsed, err := time.Parse(time.RFC3339, *n.ResetsAt); err == nil {
			state.ResetsAt = &parsed
		}
	}

	var alert *Alert
	if n.Utilization >= alertThreshold && !state.Alerted95 {
		state.Alerted95 = true
		snapshot := make(map[string]map[string]State, len(t.profiles))
		for p, types := range t.profiles {
			snapshot[p] = make(map[string]State, len(types))
			for lt, s := range types {
				snapshot[p][lt] = s
			}
		}
		alert = &Alert{ActiveProfile: activeProfile, Profiles: snapshot}
	}

	t.profiles[activeProfile][n.RateLimitType] = state

	if err := t.persistLocked(); err != nil {
		return alert, err
	}
	return alert, nil
}

// GetProfileStatus returns one Status per known limit type plus any extra
// recorded types, performing auto-reset opportunistically. Limit types with
// no record report utilization "unknown" rather than being omitted.
func (t *Tracker) GetProfileStatus(profile string) []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(knownLimitTypes))
	statuses := make([]Status, 0, len(knownLimitTypes))

	for _, limitType := range knownLimitTypes {
		statuses = append(statuses, t.statusLocked(profile, limitType))
		seen[limitType] = true
	}
	for limitType := range t.profiles[profile] {
		if seen[limitType] {
			continue
		}
		statuses = append(statuses, t.statusLocked(profile, limitType))
	}
	return statuses
}

// statusLocked builds one limit type's Status for profile. Called with mu
// held.
func (t *Tracker) statusLocked(profile, limitType string) Status {
	state, ok := t.profiles[profile][limitType]
	if !ok {
		return Status{Profile: profile, RateLimitType: limitType, Utilization: "unknown"}
	}
	t.autoResetLocked(profile, limitType)
	state = t.profiles[profile][limitType]
	return Status{
		Profile:       profile,
		RateLimitType: limitType,
		Utilization:   state.Utilization,
		ResetsAt:      state.ResetsAt,
	}
}

// GetAllProfilesStatus returns GetProfileStatus for every profile named in
// knownProfiles, reporting "unknown" for those with no record.
func (t *Tracker) GetAllProfilesStatus(knownProfiles []string) map[string][]Status {
	result := make(map[string][]Status, len(knownProfiles))
	for _, profile := range knownProfiles {
		result[profile] = t.GetProfileStatus(profile)
	}
	return result
}
