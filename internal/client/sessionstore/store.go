// Package sessionstore keeps one signed-in identity per identity space in the
// OS keyring. Spaces are independent: saving or clearing one never touches
// another.
package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"

	"github.com/99designs/keyring"
	"go.uber.org/zap"
)

const serviceName = "civicwatch"

// Session is the persisted identity for one space.
type Session struct {
	Space       auth.IdentitySpace `json:"space"`
	SubjectID   string             `json:"subject_id"`
	DisplayName string             `json:"display_name"`
	Role        string             `json:"role"`
	Department  issue.Category     `json:"department,omitempty"`
	Credential  string             `json:"credential"`
}

func (s *Session) valid() bool {
	return s != nil && s.Space.Valid() && s.SubjectID != "" && s.Role != "" && s.Credential != ""
}

// SameIdentity reports whether a and b describe the same signed-in identity.
// Display name changes do not count.
func SameIdentity(a, b *Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Space == b.Space &&
		a.SubjectID == b.SubjectID &&
		a.Role == b.Role &&
		a.Department == b.Department &&
		a.Credential == b.Credential
}

// OpenKeyring opens the platform keyring, falling back to an encrypted file
// under dir.
func OpenKeyring(dir, passphrase string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(passphrase),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

type watcher struct {
	id int
	fn func(*Session)
}

type Store struct {
	ring   keyring.Keyring
	logger *zap.Logger

	mu       sync.Mutex
	nextID   int
	watchers map[auth.IdentitySpace][]watcher
}

func New(ring keyring.Keyring, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		ring:     ring,
		logger:   logger,
		watchers: make(map[auth.IdentitySpace][]watcher),
	}
}

func key(space auth.IdentitySpace) string {
	return "session_" + string(space)
}

// Load returns the stored session or nil. Unreadable or malformed entries are
// removed and reported as absent.
func (s *Store) Load(space auth.IdentitySpace) *Session {
	item, err := s.ring.Get(key(space))
	if err != nil {
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			s.logger.Warn("session read failed", zap.String("space", string(space)), zap.Error(err))
		}
		return nil
	}

	var sess Session
	if err := json.Unmarshal(item.Data, &sess); err != nil || !sess.valid() || sess.Space != space {
		s.logger.Warn("discarding malformed session", zap.String("space", string(space)), zap.Error(err))
		s.remove(space)
		return nil
	}
	return &sess
}

// Save stores sess under its own space and notifies watchers when the
// identity changed.
func (s *Store) Save(sess *Session) error {
	if !sess.valid() {
		return fmt.Errorf("incomplete session for space %q", sessSpace(sess))
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	prev := s.Load(sess.Space)
	if err := s.ring.Set(keyring.Item{
		Key:         key(sess.Space),
		Data:        data,
		Label:       "Civic Report " + string(sess.Space) + " session",
		Description: sess.DisplayName,
	}); err != nil {
		return fmt.Errorf("saving session %q: %w", sess.Space, err)
	}

	if !SameIdentity(prev, sess) {
		cp := *sess
		s.notify(sess.Space, &cp)
	}
	return nil
}

// Clear forgets the session of space. Clearing an empty slot is a no-op.
func (s *Store) Clear(space auth.IdentitySpace) {
	prev := s.Load(space)
	s.remove(space)
	if prev != nil {
		s.notify(space, nil)
	}
}

// Subscribe calls fn with the new session (nil after Clear) whenever the
// identity stored for space changes. The returned func unsubscribes.
func (s *Store) Subscribe(space auth.IdentitySpace, fn func(*Session)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[space] = append(s.watchers[space], watcher{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.watchers[space]
			for i, w := range list {
				if w.id == id {
					s.watchers[space] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Store) notify(space auth.IdentitySpace, sess *Session) {
	s.mu.Lock()
	list := append([]watcher(nil), s.watchers[space]...)
	s.mu.Unlock()

	for _, w := range list {
		w.fn(sess)
	}
}

func (s *Store) remove(space auth.IdentitySpace) {
	if err := s.ring.Remove(key(space)); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		s.logger.Warn("session remove failed", zap.String("space", string(space)), zap.Error(err))
	}
}

func sessSpace(sess *Session) auth.IdentitySpace {
	if sess == nil {
		return ""
	}
	return sess.Space
}
