package domain

import (
	"encoding/json"
	"time"
)

// Session is stateful context for a sequence of commands, bounded in size
// and lifetime per spec §3/§4.7.
type Session struct {
	ID             string
	CreatedAt      time.Time
	LastActive     time.Time
	CommandLog     []CommandLogEntry // ring buffer, capped at MaxCommandLog
	Checkpoints    map[string]*CheckpointRef
	ReplayPosition *int
	ParentID       string // set when this session is a replay branch
}

// CommandLogEntry is one (timestamp, command, response) tuple in a
// session's bounded command log.
type CommandLogEntry struct {
	Timestamp time.Time
	Command   DebugCommand
	Response  DebugResponse
	RNGSeed   int64
}

// CheckpointRef is the in-memory handle to a persisted Checkpoint; the
// actual snapshot bytes live on disk (spec §6.4) or, if persistence is
// disabled, only in memory referenced by this struct's InlineSnapshot.
type CheckpointRef struct {
	ID             string
	CreatedAt      time.Time
	Path           string // empty if never spilled to disk
	InlineSnapshot json.RawMessage
	Metadata       map[string]any
	// ReferencedBy counts command_log entries that still reference this
	// checkpoint; when it drops to zero on log eviction, the checkpoint is
	// also evicted (spec §4.7 invariant).
	ReferencedBy int
}

// Checkpoint is the full persisted record described by spec §6.4.
type Checkpoint struct {
	Version   uint16         `json:"version"`
	CreatedAt int64          `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

const CheckpointFormatVersion uint16 = 1

// Limits are the default bounds spec §3 names; deployments may override
// them via config.
const (
	DefaultMaxCommandLog    = 1000
	DefaultSessionIdleTTL   = 24 * time.Hour
	DefaultMaxSessions      = 50
	DefaultEntityCacheTTL   = 30 * time.Second
	DefaultEntityCacheLimit = 5000
)
