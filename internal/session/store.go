// Package session implements the session table, the command-log ring
// buffer, and checkpoint persistence (spec §6.4): atomic temp-file writes
// with a CRC32 integrity trailer, quarantine of corrupted checkpoints on
// load, and idle-TTL garbage collection. The on-disk write pattern follows
// the teacher's agent-state persistence (temp file, fsync, rename).
package session

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

const (
	DefaultCommandLogCap = 1000
	DefaultIdleTTL       = 24 * time.Hour
	DefaultMaxSessions   = 50
)

// Store owns the in-memory session table and the on-disk checkpoint
// directory under dataDir/sessions/<id>/checkpoints/<checkpoint-id>.json.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	dataDir  string
}

func NewStore(dataDir string) *Store {
	return &Store{sessions: make(map[string]*domain.Session), dataDir: dataDir}
}

// Create starts a new session, optionally forked from parentID (for
// replay branching — spec §4.8).
func (s *Store) Create(parentID string) *domain.Session {
	now := time.Now()
	sess := &domain.Session{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		LastActive:  now,
		Checkpoints: make(map[string]*domain.CheckpointRef),
		ParentID:    parentID,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get returns the session by id, or errs.CodeNotFound.
func (s *Store) Get(id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, fmt.Sprintf("session %q not found", id))
	}
	return sess, nil
}

// AppendCommand records a command/response pair in the session's ring
// buffer, evicting the oldest entry once DefaultCommandLogCap is reached.
func (s *Store) AppendCommand(id string, entry domain.CommandLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errs.New(errs.CodeNotFound, fmt.Sprintf("session %q not found", id))
	}
	sess.CommandLog = append(sess.CommandLog, entry)
	if len(sess.CommandLog) > DefaultCommandLogCap {
		sess.CommandLog = sess.CommandLog[len(sess.CommandLog)-DefaultCommandLogCap:]
	}
	sess.LastActive = entry.Timestamp
	return nil
}

// checkpointPath returns the on-disk path for a session's checkpoint file.
func (s *Store) checkpointPath(sessionID, checkpointID string) string {
	return filepath.Join(s.dataDir, "sessions", sessionID, "checkpoints", checkpointID+".json")
}

// onDiskCheckpoint is the serialized envelope written to disk: the
// checkpoint payload plus a CRC32 trailer computed over its JSON bytes.
type onDiskCheckpoint struct {
	Checkpoint domain.Checkpoint `json:"checkpoint"`
	CRC32      uint32            `json:"crc32"`
}

// SaveCheckpoint persists cp under sessionID, using a temp-file-then-rename
// write so a crash mid-write never leaves a partially-written checkpoint
// visible at its final path.
func (s *Store) SaveCheckpoint(sessionID string, cp domain.Checkpoint) (*domain.CheckpointRef, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.CodeNotFound, fmt.Sprintf("session %q not found", sessionID))
	}

	checkpointID := uuid.NewString()
	payload, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBug, "marshal checkpoint snapshot", err)
	}

	envelope := onDiskCheckpoint{Checkpoint: cp, CRC32: crc32.ChecksumIEEE(payload)}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBug, "marshal checkpoint envelope", err)
	}

	path := s.checkpointPath(sessionID, checkpointID)
	if err := atomicWrite(filepath.Dir(path), path, data); err != nil {
		return nil, errs.Wrap(errs.CodeDiskFull, "persist checkpoint", err)
	}

	ref := &domain.CheckpointRef{ID: checkpointID, CreatedAt: time.Now(), Path: path, Metadata: cp.Metadata}
	s.mu.Lock()
	sess.Checkpoints[checkpointID] = ref
	s.mu.Unlock()
	return ref, nil
}

// LoadCheckpoint reads a checkpoint back from disk, verifying its CRC32
// trailer. A mismatch quarantines the file (renamed with a .corrupt
// suffix) and returns errs.CodeCheckpointCorrupted rather than returning
// partially-trusted data.
func (s *Store) LoadCheckpoint(sessionID, checkpointID string) (*domain.Checkpoint, error) {
	path := s.checkpointPath(sessionID, checkpointID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CodeCheckpointNotFound, fmt.Sprintf("checkpoint %q not found", checkpointID))
		}
		return nil, errs.Wrap(errs.CodeIoError, "read checkpoint", err)
	}

	var envelope onDiskCheckpoint
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.quarantine(path)
		return nil, errs.Wrap(errs.CodeCheckpointCorrupted, "checkpoint file is not valid JSON", err)
	}

	payload, err := json.Marshal(envelope.Checkpoint.Snapshot)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBug, "remarshal checkpoint snapshot", err)
	}
	if crc32.ChecksumIEEE(payload) != envelope.CRC32 {
		s.quarantine(path)
		return nil, errs.New(errs.CodeCheckpointCorrupted, fmt.Sprintf("checkpoint %q failed integrity check", checkpointID))
	}

	if envelope.Checkpoint.Version != domain.CheckpointFormatVersion {
		return nil, errs.New(errs.CodeCheckpointCorrupted, fmt.Sprintf(
			"checkpoint %q has format version %d, expected %d",
			checkpointID, envelope.Checkpoint.Version, domain.CheckpointFormatVersion,
		))
	}

	return &envelope.Checkpoint, nil
}

func (s *Store) quarantine(path string) {
	_ = os.Rename(path, path+".corrupt")
}

// atomicWrite writes data to path via a temp file in dir, fsync, then
// rename — the same sequence the teacher's saveState uses for
// agent-state.json.
func atomicWrite(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("session: create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("session: create temp checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write temp checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("session: fsync temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("session: rename checkpoint file: %w", err)
	}
	ok = true
	return nil
}

// GC removes sessions idle for longer than ttl, and enforces maxSessions
// by evicting the oldest-idle sessions beyond the cap. It runs only when
// called; no scheduler job invokes it.
func (s *Store) GC(ttl time.Duration, maxSessions int) (removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActive) > ttl {
			delete(s.sessions, id)
			removed++
		}
	}

	if len(s.sessions) <= maxSessions {
		return removed
	}

	type idleEntry struct {
		id   string
		last time.Time
	}
	entries := make([]idleEntry, 0, len(s.sessions))
	for id, sess := range s.sessions {
		entries = append(entries, idleEntry{id: id, last: sess.LastActive})
	}
	for len(s.sessions) > maxSessions {
		oldestIdx := 0
		for i, e := range entries {
			if e.last.Before(entries[oldestIdx].last) {
				oldestIdx = i
			}
		}
		delete(s.sessions, entries[oldestIdx].id)
		entries = append(entries[:oldestIdx], entries[oldestIdx+1:]...)
		removed++
	}
	return removed
}
