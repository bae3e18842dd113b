package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/olehsavchenko/ava/internal/observability"
	"github.com/olehsavchenko/ava/internal/tracing"
)

const (
	// DefaultHistoryTurnLimit caps the number of turns kept per session.
	DefaultHistoryTurnLimit = 50
	// DefaultMaxHistoryChars is the secondary trim guard, roughly four
	// characters per model token.
	DefaultMaxHistoryChars = 64000
	// DefaultTTL is how long an idle session survives before a sweep
	// removes it.
	DefaultTTL = 24 * time.Hour
)

// Config tunes history retention
type Config struct {
	HistoryTurnLimit int
	MaxHistoryChars  int
	TTL              time.Duration
}

// record is one JSONL line of a session file. The first line is the
// header, every following line is a turn.
type record struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Turn      *Turn     `json:"turn,omitempty"`
}

// Manager owns conversation sessions and their JSONL persistence
type Manager struct {
	dir      string
	config   Config
	sessions map[string]*Session
	mu       sync.RWMutex

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// NewManager creates a session manager rooted at dir
func NewManager(dir string, config Config) (*Manager, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".ava", "sessions")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	if config.HistoryTurnLimit <= 0 {
		config.HistoryTurnLimit = DefaultHistoryTurnLimit
	}
	if config.MaxHistoryChars <= 0 {
		config.MaxHistoryChars = DefaultMaxHistoryChars
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}

	m := &Manager{
		dir:      dir,
		config:   config,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Int("turn_limit", config.HistoryTurnLimit).Msg("Session manager initialized")
	m.updateActiveSessionsMetric()

	return m, nil
}

// validateID rejects IDs that could escape the sessions directory
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".jsonl")
}

func (m *Manager) lock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if l, ok := m.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.locks[id] = l
	return l
}

func (m *Manager) releaseLock(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, id)
}

func (m *Manager) updateActiveSessionsMetric() {
	ids, err := m.List()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(ids))
}

// Create starts a new session with a pinned strategy
func (m *Manager) Create(ctx context.Context, id, strategy string) (*Session, error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "session", "session.create",
		attribute.String("session_id", id),
		attribute.String("strategy", strategy),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := validateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if strategy == "" {
		return nil, fmt.Errorf("session strategy cannot be empty")
	}

	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	if _, err := m.loadLocked(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	now := time.Now()
	sess := &Session{
		ID:        id,
		Strategy:  strategy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.rewriteLocked(sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.updateActiveSessionsMetric()
	logger.Info().Str("session_id", id).Str("strategy", strategy).Msg("Session created")

	return sess.clone(), nil
}

// Ensure returns the session, creating it when missing. An existing
// session addressed with a different non-empty strategy is rejected.
func (m *Manager) Ensure(ctx context.Context, id, strategy string) (*Session, error) {
	sess, err := m.Get(ctx, id)
	if err == nil {
		if strategy != "" && sess.Strategy != strategy {
			return nil, fmt.Errorf("%w: session %s is pinned to %s", ErrStrategyMismatch, id, sess.Strategy)
		}
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return m.Create(ctx, id, strategy)
}

// Get returns a deep copy of the session
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	sess, err := m.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

// Append validates and persists a turn. A zero Seq is assigned the next
// sequence number; any other value must equal exactly that.
func (m *Manager) Append(ctx context.Context, id string, turn Turn) (Turn, error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "session", "session.append",
		attribute.String("session_id", id),
		attribute.String("role", turn.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := validateID(id); err != nil {
		return Turn{}, err
	}
	if turn.Role == "" {
		return Turn{}, fmt.Errorf("turn role cannot be empty")
	}
	if turn.Content == "" && len(turn.Calls) == 0 {
		return Turn{}, fmt.Errorf("turn must carry content or tool calls")
	}
	if turn.State == "" {
		turn.State = TurnComplete
	}
	switch turn.State {
	case TurnComplete, TurnPartial, TurnFailed, TurnCancelled:
	default:
		return Turn{}, fmt.Errorf("invalid turn state %q", turn.State)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	sess, err := m.loadLocked(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Turn{}, err
	}

	next := sess.LastSeq() + 1
	if turn.Seq == 0 {
		turn.Seq = next
	} else if turn.Seq != next {
		return Turn{}, fmt.Errorf("%w: got %d, want %d", ErrSeqOutOfOrder, turn.Seq, next)
	}

	sess.Turns = append(sess.Turns, turn.clone())
	sess.UpdatedAt = time.Now()

	trimmed := m.trimLocked(sess)
	if trimmed > 0 {
		observability.RecordTurnsTrimmed(trimmed)
		if err := m.rewriteLocked(sess); err != nil {
			span.RecordError(err)
			return Turn{}, err
		}
	} else if err := m.appendLineLocked(sess.ID, record{Kind: "turn", Turn: &turn}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Turn{}, err
	}

	logger.Debug().
		Str("session_id", id).
		Int("seq", turn.Seq).
		Str("role", turn.Role).
		Int("trimmed", trimmed).
		Msg("Turn appended")

	return turn, nil
}

// Snapshot returns a deep copy of the session for strategy execution
func (m *Manager) Snapshot(ctx context.Context, id string) (*Session, error) {
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()
	return m.Get(ctx, id)
}

// Delete removes a session and its file
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(m.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.releaseLock(id)
	m.updateActiveSessionsMetric()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Str("session_id", id).Msg("Session deleted")

	return nil
}

// List returns the IDs of all persisted sessions
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	return ids, nil
}

// Sweep deletes sessions idle past the TTL and returns how many went
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.List()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	deleted := 0
	for _, id := range ids {
		info, err := os.Stat(m.path(id))
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < m.config.TTL {
			continue
		}
		if err := m.Delete(ctx, id); err != nil {
			log.Warn().Str("session_id", id).Err(err).Msg("Failed to delete expired session")
			continue
		}
		observability.RecordSessionExpired()
		deleted++
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Swept expired sessions")
	}
	return deleted, nil
}

// Close drops in-memory state. Session files stay on disk.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.locksMu.Lock()
	m.locks = make(map[string]*sync.Mutex)
	m.locksMu.Unlock()

	log.Info().Msg("Session manager closed")
	return nil
}

// trimLocked drops the oldest non-system turns past the retention limits
func (m *Manager) trimLocked(sess *Session) int {
	trimmed := 0
	for len(sess.Turns) > m.config.HistoryTurnLimit || sess.historyChars() > m.config.MaxHistoryChars {
		idx := -1
		for i, turn := range sess.Turns {
			if turn.Role != RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		sess.Turns = append(sess.Turns[:idx], sess.Turns[idx+1:]...)
		trimmed++
	}
	return trimmed
}

// loadLocked returns the in-memory session, reading it from disk on a
// cache miss. Caller holds the session lock.
func (m *Manager) loadLocked(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	sess, err := m.readFile(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return sess, nil
}

// readFile parses a session file, skipping lines a crash left behind
func (m *Manager) readFile(ctx context.Context, id string) (*Session, error) {
	file, err := os.Open(m.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var sess *Session
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logger.Warn().Str("session_id", id).Int("line", lineNum).Err(err).Msg("Skipping unparseable session line")
			continue
		}

		switch rec.Kind {
		case "header":
			if sess != nil {
				continue
			}
			sess = &Session{
				ID:        id,
				Strategy:  rec.Strategy,
				CreatedAt: rec.CreatedAt,
				UpdatedAt: rec.CreatedAt,
			}
		case "turn":
			if sess == nil || rec.Turn == nil {
				continue
			}
			// Trims leave gaps, so only strict ordering is enforced.
			if rec.Turn.Seq <= sess.LastSeq() {
				logger.Warn().Str("session_id", id).Int("line", lineNum).Int("seq", rec.Turn.Seq).Msg("Skipping out-of-order turn")
				continue
			}
			sess.Turns = append(sess.Turns, *rec.Turn)
			if rec.Turn.Timestamp.After(sess.UpdatedAt) {
				sess.UpdatedAt = rec.Turn.Timestamp
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s has no header", ErrSessionNotFound, id)
	}

	return sess, nil
}

// appendLineLocked appends one JSONL record and syncs it to disk
func (m *Manager) appendLineLocked(id string, rec record) error {
	file, err := os.OpenFile(m.path(id), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync session file: %w", err)
	}
	return nil
}

// rewriteLocked writes the whole session to a temp file and atomically
// replaces the old one. Used at creation and after trims.
func (m *Manager) rewriteLocked(sess *Session) error {
	path := m.path(sess.ID)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	records := make([]record, 0, len(sess.Turns)+1)
	records = append(records, record{
		Kind:      "header",
		ID:        sess.ID,
		Strategy:  sess.Strategy,
		CreatedAt: sess.CreatedAt,
	})
	for i := range sess.Turns {
		records = append(records, record{Kind: "turn", Turn: &sess.Turns[i]})
	}

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}
