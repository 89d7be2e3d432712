package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gameshelf/gameshelf-back/internal/db"
)

func newTestIdentity(t *testing.T) (*Identity, *Library) {
	t.Helper()
	conn := newTestDB(t)
	return NewIdentity(conn, zap.NewNop().Sugar()), newTestLibrary(t, conn, "http://127.0.0.1:0")
}

func TestRegisterAndLogin(t *testing.T) {
	identity, _ := newTestIdentity(t)

	token, err := identity.Register("alice", "alice@example.com", "s3cretpass")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	loginToken, err := identity.Login("alice", "s3cretpass")
	require.NoError(t, err)
	assert.NotEmpty(t, loginToken)
	// Login rotates the session token.
	assert.NotEqual(t, token, loginToken)

	_, err = identity.Login("alice", "wrongpass")
	assert.ErrorIs(t, err, ErrLoginPasswordDoesNotMatch)

	_, err = identity.Login("nobody", "s3cretpass")
	assert.ErrorIs(t, err, ErrLoginUserNotFound)
}

func TestRegisterRaceReportsEmailConflict(t *testing.T) {
	conn := newTestDB(t)
	identity := NewIdentity(conn, zap.NewNop().Sugar())

	// Sneak a conflicting account in after the pre-check but before the
	// insert, the way a concurrent registration would.
	seeded := false
	require.NoError(t, conn.Callback().Create().Before("gorm:create").Register("seed_account", func(tx *gorm.DB) {
		if seeded || tx.Statement.Schema == nil || tx.Statement.Schema.Table != "users" {
			return
		}
		seeded = true
		other := db.User{Username: "bob", Email: "alice@example.com", PasswordHash: "hash", Token: "tok"}
		require.NoError(t, conn.Session(&gorm.Session{NewDB: true}).Create(&other).Error)
	}))

	_, err := identity.Register("alice", "alice@example.com", "s3cretpass")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterConflicts(t *testing.T) {
	identity, _ := newTestIdentity(t)

	_, err := identity.Register("alice", "alice@example.com", "s3cretpass")
	require.NoError(t, err)

	_, err = identity.Register("alice", "other@example.com", "s3cretpass")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = identity.Register("alice2", "alice@example.com", "s3cretpass")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestChangePassword(t *testing.T) {
	identity, _ := newTestIdentity(t)

	_, err := identity.Register("alice", "alice@example.com", "oldpassword")
	require.NoError(t, err)

	user := db.User{}
	require.NoError(t, identity.db.Where("username = ?", "alice").First(&user).Error)

	err = identity.ChangePassword(user.ID, "wrongpassword", "newpassword")
	assert.ErrorIs(t, err, ErrLoginPasswordDoesNotMatch)

	require.NoError(t, identity.ChangePassword(user.ID, "oldpassword", "newpassword"))

	_, err = identity.Login("alice", "newpassword")
	assert.NoError(t, err)
}

func TestUpdateSettingsUniqueness(t *testing.T) {
	identity, _ := newTestIdentity(t)

	_, err := identity.Register("alice", "alice@example.com", "s3cretpass")
	require.NoError(t, err)
	_, err = identity.Register("bob", "bob@example.com", "s3cretpass")
	require.NoError(t, err)

	bob := db.User{}
	require.NoError(t, identity.db.Where("username = ?", "bob").First(&bob).Error)

	_, err = identity.UpdateSettings(bob.ID, "alice", "bob@example.com", nil)
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = identity.UpdateSettings(bob.ID, "bob", "alice@example.com", nil)
	assert.ErrorIs(t, err, ErrEmailTaken)

	// Keeping your own name and address is not a conflict.
	updated, err := identity.UpdateSettings(bob.ID, "bob", "bob@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.Username)
}

func TestResetPassword(t *testing.T) {
	identity, _ := newTestIdentity(t)

	_, err := identity.Register("alice", "alice@example.com", "s3cretpass")
	require.NoError(t, err)

	assert.NoError(t, identity.ResetPassword("alice@example.com"))
	assert.ErrorIs(t, identity.ResetPassword("nobody@example.com"), ErrUserNotFound)
}

func TestDeleteAccountCascadesOwnLinksOnly(t *testing.T) {
	identity, lib := newTestIdentity(t)
	conn := identity.db

	_, err := identity.Register("alice", "alice@example.com", "s3cretpass")
	require.NoError(t, err)
	_, err = identity.Register("bob", "bob@example.com", "s3cretpass")
	require.NoError(t, err)

	alice := db.User{}
	require.NoError(t, conn.Where("username = ?", "alice").First(&alice).Error)
	bob := db.User{}
	require.NoError(t, conn.Where("username = ?", "bob").First(&bob).Error)

	_, err = lib.Import(context.Background(), alice.ID, portalEntry())
	require.NoError(t, err)
	_, err = lib.Import(context.Background(), bob.ID, portalEntry())
	require.NoError(t, err)

	err = identity.Delete(alice.ID, "delete please")
	assert.ErrorIs(t, err, ErrConfirmationMismatch)

	require.NoError(t, identity.Delete(alice.ID, "DELETE"))

	var aliceLinks int64
	require.NoError(t, conn.Model(&db.UserGame{}).Where("user_id = ?", alice.ID).Count(&aliceLinks).Error)
	assert.Equal(t, int64(0), aliceLinks)

	var bobLinks int64
	require.NoError(t, conn.Model(&db.UserGame{}).Where("user_id = ?", bob.ID).Count(&bobLinks).Error)
	assert.Equal(t, int64(1), bobLinks)

	// The shared mirror row survives its owners.
	var gameCount int64
	require.NoError(t, conn.Model(&db.Game{}).Count(&gameCount).Error)
	assert.Equal(t, int64(1), gameCount)
}
