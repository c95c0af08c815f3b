// Package sessionstore implements the Session Store (spec §4.3): the set
// of active Sessions, one per ChatID, with durable per-session
// persistence, token-budget pruning, and crash recovery.
//
// Layout: one directory per ChatID under activeDir, named by a
// filesystem-safe hash of the chat_id, holding a single pretty-printed
// JSON descriptor (spec §6 Storage Layout resolves the per-chat-vs-
// per-session ambiguity as per-chat for active sessions); archived
// sessions move to archiveDir/<YYYY-MM-DD>/<session_id>/, keyed by
// session_id since a chat accumulates many archived sessions over time.
// Locking follows the teacher's getOrCreateLock double-checked-locking
// idiom (store/sqlite.go), adapted to a sync.Map of per-ChatID mutexes.
package sessionstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/relayerr"
	"github.com/relaycore/whatsrelay/rlog"
	"github.com/relaycore/whatsrelay/tokencount"
)

const descriptorFile = "session.json"

// Orphan is a session found idle at process start (spec §4.3 startup_scan).
type Orphan struct {
	ChatID    model.ChatID
	SessionID string
}

// Store manages the active-session set plus persistence to disk.
type Store struct {
	activeDir  string
	archiveDir string
	budgets    map[model.Role]uint
	tokenModel string

	mu       sync.RWMutex // guards sessions map membership
	sessions map[model.ChatID]*model.Session
	locks    sync.Map // model.ChatID -> *sync.Mutex
}

// Open rehydrates the active-session set from activeDir (resolving any
// crash-induced duplicate active descriptors for the same ChatID by
// keeping the one with the greatest last_active_at and archiving the
// rest) and returns a ready Store.
func Open(activeDir, archiveDir string, budgets map[model.Role]uint, tokenModel string) (*Store, error) {
	if err := os.MkdirAll(activeDir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore: create active dir: %w", err)
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore: create archive dir: %w", err)
	}

	s := &Store{
		activeDir:  activeDir,
		archiveDir: archiveDir,
		budgets:    budgets,
		tokenModel: tokenModel,
		sessions:   make(map[model.ChatID]*model.Session),
	}

	if err := s.rehydrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rehydrate() error {
	entries, err := os.ReadDir(s.activeDir)
	if err != nil {
		return fmt.Errorf("sessionstore: read active dir: %w", err)
	}

	byChat := make(map[model.ChatID]*model.Session)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.activeDir, entry.Name(), descriptorFile)
		sess, err := readDescriptor(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			rlog.Log.Warnf("sessionstore: skipping unreadable descriptor %s: %v", path, err)
			continue
		}

		existing, ok := byChat[sess.ChatID]
		if !ok {
			byChat[sess.ChatID] = sess
			continue
		}

		winner, loser := existing, sess
		if sess.LastActiveAt.After(existing.LastActiveAt) {
			winner, loser = sess, existing
		}
		byChat[sess.ChatID] = winner
		rlog.Log.Warnf("sessionstore: duplicate active session for chat %s, archiving stale session %s", rlog.MaskPhone(string(winner.ChatID)), loser.SessionID)
		if err := s.archiveSession(loser); err != nil {
			rlog.Log.Errorf("sessionstore: failed to archive stale session %s: %v", loser.SessionID, err)
		}
	}

	s.sessions = byChat
	return nil
}

func readDescriptor(path string) (*model.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	return &sess, nil
}

func (s *Store) lockFor(chatID model.ChatID) *sync.Mutex {
	if l, ok := s.locks.Load(chatID); ok {
		return l.(*sync.Mutex)
	}
	l, _ := s.locks.LoadOrStore(chatID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Append records one message for chatID, creating a new active Session if
// none exists, and persists the updated descriptor atomically (spec §4.3).
func (s *Store) Append(chatID model.ChatID, role model.MessageRole, content string, userRole model.Role, metadata map[string]string) (string, error) {
	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	s.mu.Lock()
	sess, ok := s.sessions[chatID]
	if !ok {
		sess = &model.Session{
			SessionID:    uuid.NewString(),
			ChatID:       chatID,
			CreatedAt:    now,
			LastActiveAt: now,
			UserRole:     userRole,
			State:        model.SessionActive,
		}
		s.sessions[chatID] = sess
	}
	s.mu.Unlock()

	msg := model.Message{
		MessageID:  uuid.NewString(),
		ChatID:     chatID,
		Role:       role,
		Content:    content,
		Timestamp:  now,
		TokenCount: tokencount.Count(content, s.tokenModel),
		Metadata:   metadata,
	}

	sess.Messages = append(sess.Messages, msg)
	sess.LastActiveAt = now

	if err := s.persist(sess); err != nil {
		return "", fmt.Errorf("%w: %v", relayerr.ErrSessionPersistence, err)
	}
	return msg.MessageID, nil
}

// History returns the suffix of chatID's message log whose cumulative
// token_count is at most the userRole budget, trimmed from the oldest end
// while preserving chronological order (spec §4.3).
func (s *Store) History(chatID model.ChatID, userRole model.Role) []model.Message {
	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	sess, ok := s.sessions[chatID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	budget := s.budgets[userRole]
	return pruneByBudget(sess.Messages, budget)
}

func pruneByBudget(messages []model.Message, budget uint) []model.Message {
	if len(messages) == 0 {
		return nil
	}

	var kept []model.Message
	var total uint
	for i := len(messages) - 1; i >= 0; i-- {
		total += messages[i].TokenCount
		if total > budget && len(kept) > 0 {
			break
		}
		kept = append([]model.Message{messages[i]}, kept...)
	}
	return kept
}

// Clear marks chatID's active session expired and returns its session_id,
// or "" if no active session exists. It does not summarise or archive.
func (s *Store) Clear(chatID model.ChatID) (string, error) {
	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	sess, ok := s.sessions[chatID]
	s.mu.RUnlock()
	if !ok {
		return "", nil
	}

	sess.State = model.SessionExpired
	if err := s.persist(sess); err != nil {
		return "", fmt.Errorf("%w: %v", relayerr.ErrSessionPersistence, err)
	}
	return sess.SessionID, nil
}

// IsExpired reports whether chatID's active session has been idle longer
// than idleTimeout.
func (s *Store) IsExpired(chatID model.ChatID, idleTimeout time.Duration) bool {
	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	sess, ok := s.sessions[chatID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.State == model.SessionActive && time.Since(sess.LastActiveAt) > idleTimeout
}

// AllSessions enumerates the session_id of every active session, for use
// by the admin health view's active-session count.
func (s *Store) AllSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.State == model.SessionActive {
			ids = append(ids, sess.SessionID)
		}
	}
	return ids
}

// ActiveChats enumerates the ChatID of every active session, so a caller
// driving the per-ChatID idle check (the Lifecycle Manager's ticker) knows
// which chats, and so which per-chat locks, to visit.
func (s *Store) ActiveChats() []model.ChatID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]model.ChatID, 0, len(s.sessions))
	for chatID, sess := range s.sessions {
		if sess.State == model.SessionActive {
			ids = append(ids, chatID)
		}
	}
	return ids
}

// StartupScan returns every active session whose last_active_at already
// exceeds idleTimeout at process start, for orphan recovery (spec §4.4).
func (s *Store) StartupScan(idleTimeout time.Duration) []Orphan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orphans []Orphan
	for chatID, sess := range s.sessions {
		if sess.State == model.SessionActive && time.Since(sess.LastActiveAt) > idleTimeout {
			orphans = append(orphans, Orphan{ChatID: chatID, SessionID: sess.SessionID})
		}
	}
	return orphans
}

// TryLock attempts to acquire chatID's per-chat lock without blocking, for
// the Lifecycle Manager to avoid head-of-line blocking across chats. The
// returned unlock func must be called exactly once on success.
func (s *Store) TryLock(chatID model.ChatID) (unlock func(), ok bool) {
	lock := s.lockFor(chatID)
	if !lock.TryLock() {
		return nil, false
	}
	return lock.Unlock, true
}

// GetActive returns chatID's active Session. Callers driving the lifecycle
// transfer must hold the lock returned by TryLock first.
func (s *Store) GetActive(chatID model.ChatID) (*model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[chatID]
	if !ok || sess.State != model.SessionActive {
		return nil, false
	}
	return sess, true
}

// MarkArchived moves chatID's session descriptor from the active
// directory to the archive bucket and drops it from the active set. If
// the move fails, the session is left untouched (rollback to active).
// Callers must hold the per-chat lock.
func (s *Store) MarkArchived(chatID model.ChatID) error {
	s.mu.RLock()
	sess, ok := s.sessions[chatID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sessionstore: no active session for chat %s", chatID)
	}

	sess.State = model.SessionArchived
	if err := s.archiveSession(sess); err != nil {
		sess.State = model.SessionActive
		return fmt.Errorf("%w: %v", relayerr.ErrSessionPersistence, err)
	}

	s.mu.Lock()
	delete(s.sessions, chatID)
	s.mu.Unlock()
	return nil
}

// chatIDDir returns the filesystem-safe directory name for a ChatID's
// active descriptor (spec §6: "chat_id hashed to a filesystem-safe
// name").
func chatIDDir(chatID model.ChatID) string {
	sum := sha256.Sum256([]byte(chatID))
	return hex.EncodeToString(sum[:])
}

// persist writes sess's descriptor atomically (write to temp + rename).
func (s *Store) persist(sess *model.Session) error {
	dir := filepath.Join(s.activeDir, chatIDDir(sess.ChatID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir session dir: %w", err)
	}
	return writeDescriptorAtomic(filepath.Join(dir, descriptorFile), sess)
}

// archiveSession moves sess's directory from active to
// archiveDir/<YYYY-MM-DD>/<session_id>/, persisting the final state
// before the move.
func (s *Store) archiveSession(sess *model.Session) error {
	bucket := filepath.Join(s.archiveDir, time.Now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(bucket, 0o755); err != nil {
		return fmt.Errorf("mkdir archive bucket: %w", err)
	}

	srcDir := filepath.Join(s.activeDir, chatIDDir(sess.ChatID))
	dstDir := filepath.Join(bucket, sess.SessionID)

	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return fmt.Errorf("mkdir session dir: %w", err)
	}
	if err := writeDescriptorAtomic(filepath.Join(srcDir, descriptorFile), sess); err != nil {
		return err
	}

	if err := os.Rename(srcDir, dstDir); err != nil {
		return fmt.Errorf("rename to archive: %w", err)
	}
	return nil
}

// writeDescriptorAtomic marshals sess as pretty-printed, deterministically
// ordered JSON and writes it via write-to-temp-then-rename so no reader
// ever observes a half-written descriptor (spec §4.3).
func writeDescriptorAtomic(path string, sess *model.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp descriptor: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp descriptor: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp descriptor: %w", err)
	}
	return nil
}
