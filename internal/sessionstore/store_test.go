package sessionstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/console-client-go/internal/model"
)

func adminSession(access, refresh string) model.Session {
	return model.Session{
		Role:         model.RoleAdmin,
		AccessToken:  access,
		RefreshToken: refresh,
		User:         model.UserSummary{ID: "u-1", Name: "Ada", Email: "ada@opsdesk.test"},
	}
}

// runStoreContract exercises the Store contract shared by every backend.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	require.NoError(t, store.ClearAll(ctx))

	t.Run("Get returns nil for absent role", func(t *testing.T) {
		session, err := store.Get(ctx, model.RoleAdmin)
		require.NoError(t, err)
		assert.Nil(t, session)
	})

	t.Run("HasActive is false when empty", func(t *testing.T) {
		active, err := store.HasActive(ctx)
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("Set then Get round-trips the session", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, adminSession("access-1", "refresh-1")))

		session, err := store.Get(ctx, model.RoleAdmin)
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, model.RoleAdmin, session.Role)
		assert.Equal(t, "access-1", session.AccessToken)
		assert.Equal(t, "refresh-1", session.RefreshToken)
		assert.Equal(t, "ada@opsdesk.test", session.User.Email)
	})

	t.Run("Set overwrites rather than appends", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, adminSession("access-2", "refresh-2")))

		session, err := store.Get(ctx, model.RoleAdmin)
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, "access-2", session.AccessToken)
		assert.Equal(t, "refresh-2", session.RefreshToken)
	})

	t.Run("roles are independent", func(t *testing.T) {
		staff := model.Session{
			Role:         model.RoleStaff,
			AccessToken:  "staff-access",
			RefreshToken: "staff-refresh",
			User:         model.UserSummary{ID: "u-2", Name: "Sam", Email: "sam@opsdesk.test"},
		}
		require.NoError(t, store.Set(ctx, staff))

		admin, err := store.Get(ctx, model.RoleAdmin)
		require.NoError(t, err)
		require.NotNil(t, admin)
		assert.Equal(t, "access-2", admin.AccessToken)

		got, err := store.Get(ctx, model.RoleStaff)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "staff-access", got.AccessToken)
	})

	t.Run("HasActive is true with sessions present", func(t *testing.T) {
		active, err := store.HasActive(ctx)
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("Clear removes only the given role", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx, model.RoleAdmin))

		admin, err := store.Get(ctx, model.RoleAdmin)
		require.NoError(t, err)
		assert.Nil(t, admin)

		staff, err := store.Get(ctx, model.RoleStaff)
		require.NoError(t, err)
		assert.NotNil(t, staff)
	})

	t.Run("Clear of an absent role is a no-op", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx, model.RoleCustomer))
	})

	t.Run("ClearAll empties the store", func(t *testing.T) {
		require.NoError(t, store.ClearAll(ctx))

		active, err := store.HasActive(ctx)
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("Set rejects invalid sessions", func(t *testing.T) {
		err := store.Set(ctx, model.Session{Role: "superuser", AccessToken: "a", RefreshToken: "b"})
		assert.Error(t, err)

		err = store.Set(ctx, model.Session{Role: model.RoleAdmin})
		assert.Error(t, err)
	})
}
