package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresence_OnlineAndOffline(t *testing.T) {
	f := newFixture("alice", "bob")
	observer := f.client(2)

	alice := newTestClient(f.srv.hub, 1, "alice")
	f.srv.connect(alice)

	var st StatusChange
	expectEvent(t, observer, EventUserStatusChange, &st)
	assert.Equal(t, uint(1), st.UserID)
	assert.True(t, st.IsOnline)
	assert.True(t, f.users.online[1])

	f.srv.disconnect(alice)

	expectEvent(t, observer, EventUserStatusChange, &st)
	assert.False(t, st.IsOnline)
	require.NotNil(t, st.LastConnection)
	assert.False(t, f.users.online[1])
}

func TestPresence_BroadcastSurvivesStoreFailure(t *testing.T) {
	f := newFixture("alice", "bob")
	f.users.failWrites = true
	observer := f.client(2)

	alice := newTestClient(f.srv.hub, 1, "alice")
	f.srv.connect(alice)

	var st StatusChange
	expectEvent(t, observer, EventUserStatusChange, &st)
	assert.True(t, st.IsOnline)

	f.srv.disconnect(alice)
	expectEvent(t, observer, EventUserStatusChange, &st)
	assert.False(t, st.IsOnline)
}

func TestPresence_OfflineOnlyAfterLastTab(t *testing.T) {
	f := newFixture("alice", "bob")
	observer := f.client(2)

	tab1 := newTestClient(f.srv.hub, 1, "alice")
	tab2 := newTestClient(f.srv.hub, 1, "alice")
	f.srv.connect(tab1)
	expectEvent(t, observer, EventUserStatusChange, nil)
	f.srv.connect(tab2)
	expectEvent(t, observer, EventUserStatusChange, nil)

	f.srv.disconnect(tab1)
	expectQuiet(t, observer)
	assert.True(t, f.users.online[1])

	f.srv.disconnect(tab2)
	var st StatusChange
	expectEvent(t, observer, EventUserStatusChange, &st)
	assert.False(t, st.IsOnline)
}
