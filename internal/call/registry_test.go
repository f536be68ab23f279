package call

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry()
	r.now = clk.now
	return r, clk
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0m 0s"},
		{59 * time.Second, "0m 59s"},
		{61 * time.Second, "1m 1s"},
		{10*time.Minute + 5*time.Second + 900*time.Millisecond, "10m 5s"},
		{-time.Second, "0m 0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.d))
	}
}

func TestRegistry_DialAnswerHangup(t *testing.T) {
	r, clk := newTestRegistry()

	replaced, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)
	assert.Nil(t, replaced)

	phase, peer := r.State(1)
	assert.Equal(t, Ringing, phase)
	assert.Equal(t, uint(2), peer)
	phase, peer = r.State(2)
	assert.Equal(t, Ringing, phase)
	assert.Equal(t, uint(1), peer)

	c, err := r.Answer(2, 1, "conn-b")
	require.NoError(t, err)
	assert.True(t, c.Connected)
	assert.Equal(t, clk.t, c.StartedAt)

	phase, _ = r.State(1)
	assert.Equal(t, Connected, phase)
	phase, _ = r.State(2)
	assert.Equal(t, Connected, phase)

	clk.t = clk.t.Add(2*time.Minute + 3*time.Second)
	ended, ok := r.Hangup(1, 2)
	require.True(t, ok)
	assert.True(t, ended.Connected)
	assert.Equal(t, "2m 3s", FormatDuration(ended.Duration()))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_HangupBeforeAnswerIsMissed(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)

	c, ok := r.Hangup(1, 2)
	require.True(t, ok)
	assert.False(t, c.Connected)
	assert.Equal(t, uint(2), c.Callee)
	assert.Zero(t, c.Duration())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_HangupWrongPeer(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)

	_, ok := r.Hangup(1, 3)
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_BusyWhenCalleeConnected(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(2, 3, "conn-b")
	require.NoError(t, err)
	_, err = r.Answer(3, 2, "conn-c")
	require.NoError(t, err)

	_, err = r.Dial(1, 2, "conn-a")
	assert.ErrorIs(t, err, ErrCalleeBusy)

	phase, _ := r.State(1)
	assert.Equal(t, Idle, phase, "busy dial must not record a ring")
	phase, peer := r.State(2)
	assert.Equal(t, Connected, phase)
	assert.Equal(t, uint(3), peer)
}

func TestRegistry_BusyWhenCalleeRingingWithSomeoneElse(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(3, 2, "conn-c")
	require.NoError(t, err)

	_, err = r.Dial(1, 2, "conn-a")
	assert.ErrorIs(t, err, ErrCalleeBusy)

	_, peer := r.State(2)
	assert.Equal(t, uint(3), peer, "first ring must not be overwritten")
}

func TestRegistry_CallerConnectedCannotDial(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)
	_, err = r.Answer(2, 1, "conn-b")
	require.NoError(t, err)

	_, err = r.Dial(1, 3, "conn-a")
	assert.ErrorIs(t, err, ErrCallerBusy)
}

func TestRegistry_RedialReplacesOutgoingRing(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)

	replaced, err := r.Dial(1, 3, "conn-a")
	require.NoError(t, err)
	require.NotNil(t, replaced)
	assert.Equal(t, uint(2), replaced.Callee)

	phase, _ := r.State(2)
	assert.Equal(t, Idle, phase)
	phase, peer := r.State(1)
	assert.Equal(t, Ringing, phase)
	assert.Equal(t, uint(3), peer)
}

func TestRegistry_SelfCall(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(1, 1, "conn-a")
	assert.ErrorIs(t, err, ErrSelfCall)
}

func TestRegistry_AnswerWithoutRing(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Answer(2, 1, "conn-b")
	assert.ErrorIs(t, err, ErrNoPendingCall)

	_, err = r.Dial(1, 2, "conn-a")
	require.NoError(t, err)
	// only the callee may answer
	_, err = r.Answer(3, 1, "conn-c")
	assert.ErrorIs(t, err, ErrNoPendingCall)
}

func TestRegistry_Decline(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)

	c, ok := r.Decline(2, 1)
	require.True(t, ok)
	assert.False(t, c.Connected)
	assert.Equal(t, 0, r.Len())

	_, ok = r.Decline(2, 1)
	assert.False(t, ok)
}

func TestRegistry_DropCallerWhileRinging(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)

	c, ok := r.Drop(1, "conn-a", true)
	require.True(t, ok)
	assert.False(t, c.Connected)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_DropCalleeTabWhileRingingKeepsRing(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)

	_, ok := r.Drop(2, "conn-b", false)
	assert.False(t, ok)
	phase, _ := r.State(1)
	assert.Equal(t, Ringing, phase)
}

func TestRegistry_DropCalleeLastConnectionEndsRing(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)

	c, ok := r.Drop(2, "conn-b", true)
	require.True(t, ok)
	assert.False(t, c.Connected)
	assert.Equal(t, uint(2), c.Callee)
	assert.Equal(t, 0, r.Len())

	_, err = r.Dial(3, 2, "conn-c")
	assert.NoError(t, err, "callee is no longer busy")
}

func TestRegistry_DropConnected(t *testing.T) {
	r, clk := newTestRegistry()
	_, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)
	_, err = r.Answer(2, 1, "conn-b")
	require.NoError(t, err)
	clk.t = clk.t.Add(45 * time.Second)

	c, ok := r.Drop(2, "conn-b", true)
	require.True(t, ok)
	assert.Equal(t, uint(1), c.Peer(2))
	assert.Equal(t, "0m 45s", FormatDuration(c.Duration()))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_DropFromOtherConnectionIgnored(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Dial(1, 2, "conn-a")
	require.NoError(t, err)
	_, err = r.Answer(2, 1, "conn-b")
	require.NoError(t, err)

	_, ok := r.Drop(1, "conn-a-second-tab", false)
	assert.False(t, ok)
	phase, _ := r.State(1)
	assert.Equal(t, Connected, phase)
}

func TestRegistry_ConcurrentDialsOneWins(t *testing.T) {
	r, _ := newTestRegistry()

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(caller uint) {
			defer wg.Done()
			if _, err := r.Dial(caller, 1000, "conn"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}(uint(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, 2, r.Len())
}
