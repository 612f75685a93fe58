package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/database"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func TestStoreAddListRemove(t *testing.T) {
	p := newPeer(t)
	s := NewStore(setupTestDB(t), nil, nil)
	ctx := context.Background()

	a, err := s.Add(ctx, p.url()+"/", "admin", "secret1", "backup")
	require.NoError(t, err)
	assert.Equal(t, p.url(), a.URL)

	list, err := s.AgentList()
	require.NoError(t, err)
	require.Contains(t, list, p.endpoint())
	assert.Equal(t, Info{URL: p.url(), Username: "admin", Endpoint: p.endpoint(), Name: "backup"}, list[p.endpoint()])

	_, err = s.Add(ctx, p.url(), "admin", "secret1", "again")
	require.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, s.UpdateName(p.url(), " primary "))
	list, err = s.AgentList()
	require.NoError(t, err)
	assert.Equal(t, "primary", list[p.endpoint()].Name)

	require.NoError(t, s.Remove(p.url()))
	require.ErrorIs(t, s.Remove(p.url()), apperr.ErrNotFound)
	require.ErrorIs(t, s.UpdateName(p.url(), "x"), apperr.ErrNotFound)

	agents, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestStoreAddRejectsBadCredentials(t *testing.T) {
	p := newPeer(t)
	s := NewStore(setupTestDB(t), nil, nil)

	_, err := s.Add(context.Background(), p.url(), "admin", "wrong", "")
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "Incorrect username or password.", err.Error())

	agents, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestStoreTestUnreachable(t *testing.T) {
	s := NewStore(setupTestDB(t), nil, nil)
	err := s.Test(context.Background(), "http://127.0.0.1:1", "admin", "secret1")
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "Unable to connect to the socket server", err.Error())
}

func TestStoreConnectAllUsesStoredAgents(t *testing.T) {
	p := newPeer(t)
	s := NewStore(setupTestDB(t), nil, nil)
	_, err := s.Add(context.Background(), p.url(), "admin", "secret1", "")
	require.NoError(t, err)

	agents, err := s.List()
	require.NoError(t, err)
	m, _ := newTestManager(t)
	m.ConnectAll(agents)
	assert.Equal(t, []string{p.endpoint()}, m.Endpoints())
}
