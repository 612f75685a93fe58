package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/socket"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeUI) {
	t.Helper()
	ui := &fakeUI{}
	m := NewManager(ui, nil, opts...)
	t.Cleanup(m.Close)
	return m, ui
}

func TestConnectTwiceKeepsOneConnection(t *testing.T) {
	release := make(chan struct{})
	p := newPeer(t, withHeldLogin(release))
	m, ui := newTestManager(t)

	require.NoError(t, m.Connect(p.url(), "admin", "secret1"))
	require.NoError(t, m.Connect(p.url(), "admin", "secret1"))
	assert.Equal(t, []string{p.endpoint()}, m.Endpoints())

	close(release)
	require.Eventually(t, func() bool {
		return ui.lastStatus(p.endpoint()).Status == StatusOnline
	}, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, p.headerEndpoints(), 1)
	assert.Equal(t, p.endpoint(), p.headerEndpoints()[0])

	c, ok := m.Connection(p.endpoint())
	require.True(t, ok)
	assert.Equal(t, StateLoggedIn, c.State())
	assert.Equal(t, StatusConnecting, ui.statuses(p.endpoint())[0].Status)
}

func TestEmitToEndpointWaitsForLogin(t *testing.T) {
	release := make(chan struct{})
	p := newPeer(t, withHeldLogin(release))
	m, ui := newTestManager(t)

	require.NoError(t, m.Connect(p.url(), "admin", "secret1"))
	time.AfterFunc(200*time.Millisecond, func() { close(release) })

	args, err := socket.EncodeArgs("web")
	require.NoError(t, err)
	data, err := m.EmitToEndpoint(context.Background(), p.endpoint(), "getStack", args)
	require.NoError(t, err)

	var res struct {
		OK     bool   `json:"ok"`
		Event  string `json:"event"`
		Target string `json:"target"`
	}
	require.NoError(t, json.Unmarshal(data, &res))
	assert.True(t, res.OK)
	assert.Equal(t, "getStack", res.Event)
	assert.Equal(t, p.endpoint(), res.Target)
	assert.Equal(t, []string{"getStack"}, p.receivedEvents())

	// The remote pushed stackList through the agent envelope; it reaches
	// the UI tagged with the remote endpoint.
	require.Eventually(t, func() bool { return len(ui.named("agent")) > 0 }, 5*time.Second, 10*time.Millisecond)
	fwd := ui.named("agent")[0]
	assert.Equal(t, "stackList", fwd.args.String(0))
	var payload map[string]any
	require.NoError(t, fwd.args.Decode(1, &payload))
	assert.Equal(t, p.endpoint(), payload["endpoint"])
}

func TestEmitToEndpointFailsAfterBudget(t *testing.T) {
	release := make(chan struct{})
	p := newPeer(t, withHeldLogin(release))
	t.Cleanup(func() { close(release) })
	m, _ := newTestManager(t, WithLoginBudget(300*time.Millisecond))

	require.NoError(t, m.Connect(p.url(), "admin", "secret1"))

	start := time.Now()
	_, err := m.EmitToEndpoint(context.Background(), p.endpoint(), "getStack", nil)
	require.ErrorIs(t, err, apperr.ErrNotConnected)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The budget is anchored at the first connect, so a later caller
	// fails without waiting again.
	start = time.Now()
	_, err = m.EmitToEndpoint(context.Background(), p.endpoint(), "getStack", nil)
	require.ErrorIs(t, err, apperr.ErrNotConnected)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Empty(t, p.receivedEvents())
}

func TestEmitToEndpointHonoursContext(t *testing.T) {
	release := make(chan struct{})
	p := newPeer(t, withHeldLogin(release))
	t.Cleanup(func() { close(release) })
	m, _ := newTestManager(t)

	require.NoError(t, m.Connect(p.url(), "admin", "secret1"))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := m.EmitToEndpoint(ctx, p.endpoint(), "getStack", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmitToUnknownEndpoint(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.EmitToEndpoint(context.Background(), "nowhere:5001", "getStack", nil)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOldPeerVersionIsRejected(t *testing.T) {
	p := newPeer(t, withVersion("1.3.2"))
	m, ui := newTestManager(t)

	require.NoError(t, m.Connect(p.url(), "admin", "secret1"))
	require.Eventually(t, func() bool {
		s := ui.lastStatus(p.endpoint())
		return s.Status == StatusOffline && s.Msg != ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, ui.lastStatus(p.endpoint()).Msg, "1.3.2")

	_, err := m.EmitToEndpoint(context.Background(), p.endpoint(), "getStack", nil)
	require.ErrorIs(t, err, apperr.ErrNotConnected)
}

func TestRejectedLoginStopsConnection(t *testing.T) {
	p := newPeer(t)
	m, ui := newTestManager(t)

	require.NoError(t, m.Connect(p.url(), "admin", "wrong"))
	require.Eventually(t, func() bool {
		return ui.lastStatus(p.endpoint()).Msg == "Incorrect username or password."
	}, 5*time.Second, 10*time.Millisecond)

	c, ok := m.Connection(p.endpoint())
	require.True(t, ok)
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection kept retrying after a rejected login")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectInvalidURL(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Connect("not a url", "admin", "secret1")
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, m.Endpoints())
}

func TestFanOutSurvivesFailingEndpoint(t *testing.T) {
	good := newPeer(t)
	bad := newPeer(t)
	m, ui := newTestManager(t, WithLoginBudget(time.Second))

	require.NoError(t, m.Connect(good.url(), "admin", "secret1"))
	require.NoError(t, m.Connect(bad.url(), "admin", "wrong"))
	require.Eventually(t, func() bool {
		return ui.lastStatus(good.endpoint()).Status == StatusOnline
	}, 5*time.Second, 10*time.Millisecond)

	m.EmitToAllEndpoints(context.Background(), "requestStackList", nil)
	require.Eventually(t, func() bool {
		return len(good.receivedEvents()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, bad.receivedEvents())
}

func TestDisconnectAllReportsOffline(t *testing.T) {
	p := newPeer(t)
	m, ui := newTestManager(t)

	require.NoError(t, m.Connect(p.url(), "admin", "secret1"))
	require.Eventually(t, func() bool {
		return ui.lastStatus(p.endpoint()).Status == StatusOnline
	}, 5*time.Second, 10*time.Millisecond)

	m.DisconnectAll()
	assert.Empty(t, m.Endpoints())
	require.Eventually(t, func() bool {
		return ui.lastStatus(p.endpoint()).Status == StatusOffline
	}, 5*time.Second, 10*time.Millisecond)
}

func TestVersionSupported(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
		known   bool
	}{
		{"1.4.0", true, true},
		{"1.5.2", true, true},
		{"v2.0.0", true, true},
		{"1.3.9", false, true},
		{"0.9.0", false, true},
		{"", true, false},
		{"nightly", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			ok, known := versionSupported(tt.version)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.known, known)
		})
	}
}
