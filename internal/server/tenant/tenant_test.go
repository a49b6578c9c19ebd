package tenant_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/termhub/termhub/internal/server/tenant"
	"github.com/termhub/termhub/internal/server/terminal"
	"github.com/termhub/termhub/internal/wire"
)

type recordingLink struct {
	mtx        sync.Mutex
	frames     [][]byte
	closeCount int
}

func (link *recordingLink) Send(frame []byte) error {
	link.mtx.Lock()
	defer link.mtx.Unlock()

	link.frames = append(link.frames, frame)

	return nil
}

func (link *recordingLink) Close() error {
	link.mtx.Lock()
	defer link.mtx.Unlock()

	link.closeCount++

	return nil
}

func (link *recordingLink) Frames() [][]byte {
	link.mtx.Lock()
	defer link.mtx.Unlock()

	return append([][]byte{}, link.frames...)
}

func (link *recordingLink) CloseCount() int {
	link.mtx.Lock()
	defer link.mtx.Unlock()

	return link.closeCount
}

// blockingCloseLink stalls in Close until released, simulating a peer that
// is slow to acknowledge the websocket close frame.
type blockingCloseLink struct {
	recordingLink
	closeStarted chan struct{}
	unblockClose chan struct{}
}

func newBlockingCloseLink() *blockingCloseLink {
	return &blockingCloseLink{
		closeStarted: make(chan struct{}),
		unblockClose: make(chan struct{}),
	}
}

func (link *blockingCloseLink) Close() error {
	close(link.closeStarted)
	<-link.unblockClose

	return link.recordingLink.Close()
}

func TestRegisterSupersedesExistingConnection(t *testing.T) {
	tn := tenant.New("key")

	oldLink, newLink := &recordingLink{}, &recordingLink{}
	oldTerm := terminal.New("t1", oldLink)
	newTerm := terminal.New("t1", newLink)

	tn.Register(oldTerm)
	require.Equal(t, oldTerm, tn.Lookup("t1"))

	tn.Register(newTerm)

	// Exactly one socket survives, and it's the newest one
	assert.Equal(t, 1, oldLink.CloseCount())
	assert.Equal(t, 0, newLink.CloseCount())
	assert.Equal(t, newTerm, tn.Lookup("t1"))
}

func TestRegisterRoutesWhileSupersededSocketCloses(t *testing.T) {
	tn := tenant.New("key")

	slowLink := newBlockingCloseLink()
	bystanderLink := &recordingLink{}

	tn.Register(terminal.New("t1", slowLink))
	tn.Register(terminal.New("t2", bystanderLink))

	superseded := make(chan struct{})
	go func() {
		defer close(superseded)

		tn.Register(terminal.New("t1", &recordingLink{}))
	}()
	<-slowLink.closeStarted

	// A stalled close of t1's old socket must not block routing to t2
	routed := make(chan bool, 1)
	go func() {
		routed <- tn.Route([]byte(`{"target_terminal_id":"t2"}`))
	}()

	select {
	case ok := <-routed:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("routing stalled behind a superseded connection's close")
	}

	close(slowLink.unblockClose)
	<-superseded
	assert.Equal(t, 1, slowLink.CloseCount())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	tn := tenant.New("key")

	tn.Register(terminal.New("t1", &recordingLink{}))
	tn.UpdateInfo(wire.TerminalInfo{TerminalID: "t1", Name: "Alpha"})

	tn.Unregister("t1")
	require.Nil(t, tn.Lookup("t1"))
	require.Empty(t, tn.Snapshot())

	tn.Unregister("t1")
	require.Nil(t, tn.Lookup("t1"))
	require.Empty(t, tn.Snapshot())
}

func TestReleaseIgnoresSupersededConnection(t *testing.T) {
	tn := tenant.New("key")

	oldTerm := terminal.New("t1", &recordingLink{})
	newTerm := terminal.New("t1", &recordingLink{})

	tn.Register(oldTerm)
	tn.Register(newTerm)

	// The superseded connection's read loop must not tear down its successor
	tn.Release(oldTerm)
	require.Equal(t, newTerm, tn.Lookup("t1"))

	tn.Release(newTerm)
	require.Nil(t, tn.Lookup("t1"))
}

func TestSnapshotIsOrdered(t *testing.T) {
	tn := tenant.New("key")

	tn.UpdateInfo(wire.TerminalInfo{TerminalID: "t2", Name: "Bravo"})
	tn.UpdateInfo(wire.TerminalInfo{TerminalID: "t1", Name: "Alpha"})
	tn.UpdateInfo(wire.TerminalInfo{TerminalID: "t1", Name: "Alpha v2"})

	snapshot := tn.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "t1", snapshot[0].TerminalID)
	assert.Equal(t, "Alpha v2", snapshot[0].Name)
	assert.Equal(t, "t2", snapshot[1].TerminalID)
}

func TestUpdateInfoPublishesSnapshot(t *testing.T) {
	tn := tenant.New("key")

	hostLink := &recordingLink{}
	subscriberLink := &recordingLink{}

	tn.Register(terminal.New(wire.HostTerminalID, hostLink))
	tn.Register(terminal.New("t1", subscriberLink))

	tn.UpdateInfo(wire.TerminalInfo{TerminalID: "t1", Name: "Alpha"})

	frames := subscriberLink.Frames()
	require.Len(t, frames, 1)

	var frame wire.Frame
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, wire.FrameTypePublish, frame.Type)
	assert.Equal(t, wire.ChannelTerminalInfo, frame.Channel)
	assert.Equal(t, wire.HostTerminalID, frame.SourceTerminalID)

	var snapshot wire.ListTerminalsResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &snapshot))
	require.Len(t, snapshot.Terminals, 1)
	assert.Equal(t, "Alpha", snapshot.Terminals[0].Name)

	// The host terminal publishes, it doesn't subscribe
	assert.Empty(t, hostLink.Frames())
}

func TestRouteForwardsRawBytesUnmodified(t *testing.T) {
	tn := tenant.New("key")

	targetLink := &recordingLink{}
	tn.Register(terminal.New("t2", targetLink))

	raw := []byte(`{"target_terminal_id":"t2","custom_field":"untouched","payload":{"a":1}}`)
	require.True(t, tn.Route(raw))

	frames := targetLink.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, raw, frames[0])
}

func TestRouteSilentlyDropsUnknownTargets(t *testing.T) {
	tn := tenant.New("key")

	assert.False(t, tn.Route([]byte(`{"target_terminal_id":"nobody"}`)))
	assert.False(t, tn.Route([]byte(`{"no_target":"here"}`)))
	assert.False(t, tn.Route([]byte(`garbage`)))
}

func TestRoutingIsTenantIsolated(t *testing.T) {
	tenantA := tenant.New("key-a")
	tenantB := tenant.New("key-b")

	targetLink := &recordingLink{}
	tenantA.Register(terminal.New("t1", targetLink))

	// t1 only exists under key-a, a frame routed under key-b never arrives
	require.False(t, tenantB.Route([]byte(`{"target_terminal_id":"t1"}`)))
	assert.Empty(t, targetLink.Frames())
}

func TestEvictClosesTheSocket(t *testing.T) {
	tn := tenant.New("key")

	link := &recordingLink{}
	tn.Register(terminal.New("t1", link))
	tn.UpdateInfo(wire.TerminalInfo{TerminalID: "t1", Name: "Alpha"})

	tn.Evict("t1")

	assert.Equal(t, 1, link.CloseCount())
	assert.Nil(t, tn.Lookup("t1"))
	assert.Empty(t, tn.Snapshot())

	// Evicting a terminal that's already gone is a no-op
	tn.Evict("t1")
}

func TestEvictKeepsReconnectedTerminal(t *testing.T) {
	tn := tenant.New("key")

	slowLink := newBlockingCloseLink()
	tn.Register(terminal.New("t1", slowLink))

	evicted := make(chan struct{})
	go func() {
		defer close(evicted)

		tn.Evict("t1")
	}()
	<-slowLink.closeStarted

	// The terminal reconnects while the eviction is still closing the old
	// socket. The fresh registration must survive the eviction.
	newTerm := terminal.New("t1", &recordingLink{})

	registered := make(chan struct{})
	go func() {
		defer close(registered)

		tn.Register(newTerm)
	}()

	require.Eventually(t, func() bool {
		return tn.Lookup("t1") == newTerm
	}, time.Second, time.Millisecond)

	close(slowLink.unblockClose)
	<-evicted
	<-registered

	require.Equal(t, newTerm, tn.Lookup("t1"))
}
