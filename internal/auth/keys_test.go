package auth

import (
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/himitsu/internal/model"
)

func TestWriteKeyPairLoads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	priv, pub := filepath.Join(dir, "jwt_private.pem"), filepath.Join(dir, "jwt_public.pem")
	require.NoError(t, WriteKeyPair(priv, pub))

	mgr, err := NewJWTManager(priv, pub, time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.APIClient{ClientID: "alice", Role: model.RoleBuyer}, "")
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleBuyer, claims.Role)
}

func TestWriteKeyPairRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	priv, pub := filepath.Join(dir, "priv.pem"), filepath.Join(dir, "pub.pem")
	require.NoError(t, WriteKeyPair(priv, pub))
	require.ErrorIs(t, WriteKeyPair(priv, pub), fs.ErrExist)
}
