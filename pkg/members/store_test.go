package members

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikibothq/wikibot/pkg/permissions"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS server_members").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewStore(db)
	require.NoError(t, err)
	return store, mock
}

func memberColumns() []string {
	return []string{"server_id", "user_id", "role", "source", "joined_at", "created_at"}
}

func TestStoreGetMember(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT server_id, user_id, role, source, joined_at, created_at").
			WithArgs("srv-1", "user-1").
			WillReturnRows(sqlmock.NewRows(memberColumns()).
				AddRow("srv-1", "user-1", "editor", "manual", now, now))

		member, err := store.GetMember(context.Background(), "srv-1", "user-1")
		require.NoError(t, err)
		require.NotNil(t, member)
		assert.Equal(t, permissions.RoleEditor, member.Role)
		assert.Equal(t, SourceManual, member.Source)
	})

	t.Run("not found is nil, not an error", func(t *testing.T) {
		mock.ExpectQuery("SELECT server_id, user_id, role, source, joined_at, created_at").
			WithArgs("srv-1", "ghost").
			WillReturnRows(sqlmock.NewRows(memberColumns()))

		member, err := store.GetMember(context.Background(), "srv-1", "ghost")
		require.NoError(t, err)
		assert.Nil(t, member)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAddMember(t *testing.T) {
	store, mock := newMockStore(t)

	t.Run("inserts with defaulted timestamps", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO server_members").
			WithArgs("srv-1", "user-1", "viewer", "discord-sync", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		member := &Member{ServerID: "srv-1", UserID: "user-1", Role: permissions.RoleViewer, Source: SourceDiscordSync}
		require.NoError(t, store.AddMember(context.Background(), member))
		assert.False(t, member.JoinedAt.IsZero())
	})

	t.Run("conflict reports existing member", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO server_members").
			WithArgs("srv-1", "user-1", "viewer", "manual", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		member := &Member{ServerID: "srv-1", UserID: "user-1", Role: permissions.RoleViewer, Source: SourceManual}
		err := store.AddMember(context.Background(), member)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreUpdateMemberRole(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE server_members SET role").
		WithArgs("admin", "srv-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateMemberRole(context.Background(), "srv-1", "user-1", permissions.RoleAdmin))

	mock.ExpectExec("UPDATE server_members SET role").
		WithArgs("admin", "srv-1", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.UpdateMemberRole(context.Background(), "srv-1", "ghost", permissions.RoleAdmin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreOverrides(t *testing.T) {
	store, mock := newMockStore(t)

	t.Run("get missing row is nil", func(t *testing.T) {
		mock.ExpectQuery("SELECT overrides").
			WithArgs("srv-1", "user-1").
			WillReturnRows(sqlmock.NewRows([]string{"overrides"}))

		overrides, err := store.GetOverrides(context.Background(), "srv-1", "user-1")
		require.NoError(t, err)
		assert.Nil(t, overrides)
	})

	t.Run("get decodes the JSONB payload", func(t *testing.T) {
		mock.ExpectQuery("SELECT overrides").
			WithArgs("srv-1", "user-1").
			WillReturnRows(sqlmock.NewRows([]string{"overrides"}).
				AddRow([]byte(`{"articles:write":true,"articles:read":false}`)))

		overrides, err := store.GetOverrides(context.Background(), "srv-1", "user-1")
		require.NoError(t, err)
		assert.Equal(t, Overrides{
			permissions.ArticlesWrite: true,
			permissions.ArticlesRead:  false,
		}, overrides)
	})

	t.Run("upsert serializes the map", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO member_permission_overrides").
			WithArgs("srv-1", "user-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.UpsertOverrides(context.Background(), "srv-1", "user-1",
			Overrides{permissions.ArticlesWrite: true})
		require.NoError(t, err)
	})

	t.Run("delete missing row is not an error", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM member_permission_overrides").
			WithArgs("srv-1", "user-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, store.DeleteOverrides(context.Background(), "srv-1", "user-1"))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTransferOwnership(t *testing.T) {
	t.Run("demotes then promotes in one transaction", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE server_members SET role").
			WithArgs("admin", "srv-1", "old-owner", "owner").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE server_members SET role").
			WithArgs("owner", "srv-1", "new-owner").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.TransferOwnership(context.Background(), "srv-1", "old-owner", "new-owner"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when the actor is not the owner", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		// The demote is guarded by role = 'owner'; zero rows means the
		// caller raced a concurrent transfer or never owned the server.
		mock.ExpectExec("UPDATE server_members SET role").
			WithArgs("admin", "srv-1", "impostor", "owner").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.TransferOwnership(context.Background(), "srv-1", "impostor", "new-owner")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "current owner not found")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when the promote touches no rows", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE server_members SET role").
			WithArgs("admin", "srv-1", "old-owner", "owner").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE server_members SET role").
			WithArgs("owner", "srv-1", "ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.TransferOwnership(context.Background(), "srv-1", "old-owner", "ghost")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "new owner not found")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("propagates exec failures", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE server_members SET role").
			WithArgs("admin", "srv-1", "old-owner", "owner").
			WillReturnError(fmt.Errorf("connection reset"))
		mock.ExpectRollback()

		err := store.TransferOwnership(context.Background(), "srv-1", "old-owner", "new-owner")
		require.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
