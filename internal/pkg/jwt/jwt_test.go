package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"civicreport-service/internal/domain/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return Build(Config{Issuer: "civicreport", Audience: "civic-clients", TTL: ttl, KID: "k1"}, priv, &priv.PublicKey)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := newTestManager(t, time.Hour)
	user := &auth.User{ID: "u1", Space: auth.SpaceStaff, Role: auth.RoleStaff, Department: "Water"}

	token, jti, err := m.Generator.GenerateAccessToken(user)
	require.NoError(t, err)
	require.NotEmpty(t, jti)

	claims, err := m.Verifier.VerifyAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.SubjectID())
	assert.Equal(t, jti, claims.ID)
	assert.Equal(t, auth.SpaceStaff, claims.Space)
	assert.True(t, claims.IsStaff())
	assert.EqualValues(t, "Water", claims.Department)
}

func TestExpiredTokenRejected(t *testing.T) {
	m := newTestManager(t, -time.Minute)
	token, _, err := m.Generator.GenerateAccessToken(&auth.User{ID: "u1", Space: auth.SpaceCitizen, Role: auth.RoleUser})
	require.NoError(t, err)

	_, err = m.Verifier.VerifyAccessToken(token)
	require.Error(t, err)
}

func TestForeignKeyRejected(t *testing.T) {
	m := newTestManager(t, time.Hour)
	other := newTestManager(t, time.Hour)
	token, _, err := other.Generator.GenerateAccessToken(&auth.User{ID: "u1", Space: auth.SpaceAdmin, Role: auth.RoleAdmin})
	require.NoError(t, err)

	_, err = m.Verifier.VerifyAccessToken(token)
	require.Error(t, err)
}

func TestParseKeysFromPEM(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	parsedPriv, err := ParseRSAPrivateKey(privPEM)
	require.NoError(t, err)
	assert.True(t, parsedPriv.Equal(priv))

	parsedPub, err := ParseRSAPublicKey(pubPEM)
	require.NoError(t, err)
	assert.True(t, parsedPub.Equal(&priv.PublicKey))

	_, err = ParseRSAPrivateKey([]byte("not pem"))
	assert.Error(t, err)
}
