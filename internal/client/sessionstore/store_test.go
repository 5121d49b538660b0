package sessionstore

import (
	"testing"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func citizen(id string) *Session {
	return &Session{
		Space:       auth.SpaceCitizen,
		SubjectID:   id,
		DisplayName: "Resident " + id,
		Role:        auth.RoleUser,
		Credential:  "token-" + id,
	}
}

func newStore() (*Store, keyring.Keyring) {
	ring := keyring.NewArrayKeyring(nil)
	return New(ring, zap.NewNop()), ring
}

func TestSaveLoadClear(t *testing.T) {
	store, _ := newStore()

	assert.Nil(t, store.Load(auth.SpaceCitizen))

	require.NoError(t, store.Save(citizen("u1")))
	got := store.Load(auth.SpaceCitizen)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.SubjectID)
	assert.Equal(t, "token-u1", got.Credential)

	store.Clear(auth.SpaceCitizen)
	assert.Nil(t, store.Load(auth.SpaceCitizen))

	// Clearing twice is harmless.
	store.Clear(auth.SpaceCitizen)
}

func TestSpacesAreIndependent(t *testing.T) {
	store, _ := newStore()

	staff := &Session{
		Space:      auth.SpaceStaff,
		SubjectID:  "s1",
		Role:       auth.RoleStaff,
		Department: issue.CategoryWater,
		Credential: "staff-token",
	}
	require.NoError(t, store.Save(citizen("u1")))
	require.NoError(t, store.Save(staff))

	store.Clear(auth.SpaceCitizen)

	assert.Nil(t, store.Load(auth.SpaceCitizen))
	got := store.Load(auth.SpaceStaff)
	require.NotNil(t, got)
	assert.Equal(t, issue.CategoryWater, got.Department)
}

func TestMalformedSessionIsDiscarded(t *testing.T) {
	store, ring := newStore()

	require.NoError(t, ring.Set(keyring.Item{Key: "session_admin", Data: []byte("{not json")}))
	assert.Nil(t, store.Load(auth.SpaceAdmin))

	_, err := ring.Get("session_admin")
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)

	// Well-formed JSON missing the credential is just as unusable.
	require.NoError(t, ring.Set(keyring.Item{Key: "session_admin", Data: []byte(`{"space":"admin","subject_id":"a1","role":"admin"}`)}))
	assert.Nil(t, store.Load(auth.SpaceAdmin))

	// A session filed under the wrong space is rejected too.
	require.NoError(t, ring.Set(keyring.Item{Key: "session_admin", Data: []byte(`{"space":"citizen","subject_id":"u1","role":"user","credential":"x"}`)}))
	assert.Nil(t, store.Load(auth.SpaceAdmin))
}

func TestSaveRejectsIncompleteSession(t *testing.T) {
	store, _ := newStore()

	assert.Error(t, store.Save(&Session{Space: auth.SpaceCitizen, SubjectID: "u1"}))
	assert.Error(t, store.Save(nil))
	assert.Nil(t, store.Load(auth.SpaceCitizen))
}

func TestSubscribeFiresOnIdentityChange(t *testing.T) {
	store, _ := newStore()

	var seen []*Session
	unsubscribe := store.Subscribe(auth.SpaceCitizen, func(s *Session) {
		seen = append(seen, s)
	})
	staffCalls := 0
	store.Subscribe(auth.SpaceStaff, func(*Session) { staffCalls++ })

	require.NoError(t, store.Save(citizen("u1")))
	require.Len(t, seen, 1)
	assert.Equal(t, "u1", seen[0].SubjectID)

	// Same identity with a new display name is not a change.
	renamed := citizen("u1")
	renamed.DisplayName = "Someone Else"
	require.NoError(t, store.Save(renamed))
	assert.Len(t, seen, 1)

	// Role change is.
	promoted := citizen("u1")
	promoted.Role = auth.RoleAdmin
	require.NoError(t, store.Save(promoted))
	assert.Len(t, seen, 2)

	store.Clear(auth.SpaceCitizen)
	require.Len(t, seen, 3)
	assert.Nil(t, seen[2])

	unsubscribe()
	unsubscribe()
	require.NoError(t, store.Save(citizen("u2")))
	assert.Len(t, seen, 3)
	assert.Zero(t, staffCalls)
}

func TestSameIdentity(t *testing.T) {
	assert.True(t, SameIdentity(nil, nil))
	assert.False(t, SameIdentity(citizen("u1"), nil))
	assert.True(t, SameIdentity(citizen("u1"), citizen("u1")))
	assert.False(t, SameIdentity(citizen("u1"), citizen("u2")))
}
