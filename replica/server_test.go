package replica

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

// one connected peer: the hub-side target plus a client mirroring into its
// own registry. loopback delivery is synchronous, so tests can assert
// immediately after each call
type testPeer struct {
	target Target
	side   *LoopbackTargetTransport
	client *Client
}

func openPeer(transport *LoopbackTransport) *testPeer {
	target := NewId()
	side := transport.OpenTarget(target)
	return &testPeer{
		target: target,
		side:   side,
		client: NewClientWithDefaults(NewRegistry(), side),
	}
}

func (self *testPeer) ready() {
	self.client.Ready()
}

func countMessages(side *LoopbackTargetTransport, endpoint string) *int {
	count := 0
	side.Connect(DefaultNamespace, endpoint, func(payload []byte) {
		count += 1
	})
	return &count
}

func recordEndpoints(side *LoopbackTargetTransport, record *[]string, endpoints ...string) {
	for _, endpoint := range endpoints {
		endpoint := endpoint
		side.Connect(DefaultNamespace, endpoint, func(payload []byte) {
			*record = append(*record, endpoint)
		})
	}
}

func TestServerSubscribeBeforeReady(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	rep, err := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Wallet",
		Data:               map[string]any{"Coins": 10},
		ReplicationTargets: ReplicateTo(),
	})
	assert.Equal(t, err, nil)

	peer := openPeer(transport)
	createCount := countMessages(peer.side, EndpointCreate)
	changeCount := countMessages(peer.side, EndpointValueChanged)

	// session connected but not ready: subscribe parks as pending
	rep.Subscribe(peer.target)
	assert.Equal(t, *createCount, 0)
	assert.Equal(t, rep.IsActiveFor(peer.target), false)

	// mutations while pending produce no traffic but land in the batch data
	rep.Store().SetValue("Coins", 25)
	assert.Equal(t, *changeCount, 0)

	peer.ready()
	assert.Equal(t, *createCount, 1)
	assert.Equal(t, rep.IsActiveFor(peer.target), true)
	assert.Equal(t, server.SessionReady(peer.target), true)

	mirror := peer.client.Replicator(rep.Id())
	assert.NotEqual(t, mirror, nil)
	assert.Equal(t, mirror.Store().Get("Coins"), float64(25))
	assert.Equal(t, mirror.Node().Token().Name(), "Wallet")

	// active now: mutations stream as minimal messages
	rep.Store().SetValue("Coins", 30)
	assert.Equal(t, *changeCount, 1)
	assert.Equal(t, *createCount, 1)
	assert.Equal(t, mirror.Store().Get("Coins"), float64(30))
}

func TestServerSubscribeAfterReady(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	peer := openPeer(transport)
	createCount := countMessages(peer.side, EndpointCreate)
	peer.ready()

	rep, err := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Wallet",
		Data:               map[string]any{"Coins": 5},
		ReplicationTargets: ReplicateTo(),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, *createCount, 0)

	// ready session: subscribe goes straight to active with one batch
	rep.Subscribe(peer.target)
	assert.Equal(t, *createCount, 1)
	assert.Equal(t, rep.IsActiveFor(peer.target), true)

	// redundant subscribe is a no-op
	rep.Subscribe(peer.target)
	assert.Equal(t, *createCount, 1)
}

func TestServerUnsubscribe(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	peer := openPeer(transport)
	destroyCount := countMessages(peer.side, EndpointDestroy)
	changeCount := countMessages(peer.side, EndpointValueChanged)
	peer.ready()

	rep, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Wallet",
		Data:               map[string]any{"Coins": 1},
		ReplicationTargets: ReplicateTo(peer.target),
	})
	assert.NotEqual(t, peer.client.Replicator(rep.Id()), nil)

	// active -> unsubscribed sends one destroy and the mirror tears down
	rep.Unsubscribe(peer.target)
	assert.Equal(t, *destroyCount, 1)
	assert.Equal(t, rep.IsActiveFor(peer.target), false)
	assert.Equal(t, peer.client.Replicator(rep.Id()), nil)

	// the server node itself is untouched and silent
	rep.Store().SetValue("Coins", 2)
	assert.Equal(t, *changeCount, 0)
	assert.Equal(t, rep.Store().Get("Coins"), 2)

	// pending -> unsubscribed sends nothing
	idle := openPeer(transport)
	idleDestroyCount := countMessages(idle.side, EndpointDestroy)
	rep.Subscribe(idle.target)
	rep.Unsubscribe(idle.target)
	assert.Equal(t, *idleDestroyCount, 0)
}

func TestServerFanOutOrder(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	peerA := openPeer(transport)
	peerB := openPeer(transport)
	peerA.ready()
	peerB.ready()

	rep, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Inventory",
		Data:               map[string]any{"Items": []any{"A"}},
		ReplicationTargets: ReplicateTo(peerA.target, peerB.target),
	})

	record := []string{}
	recordEndpoints(
		peerA.side, &record,
		EndpointValueChanged, EndpointArraySet, EndpointArrayInsert, EndpointArrayRemove,
	)

	store := rep.Store()
	store.SetValue("Gold", 100)
	store.ArrayInsert("Items", "B")
	store.ArraySet("Items", 0, "C")
	store.ArrayRemoveAt("Items", 1)

	// messages arrive per target in mutation call order
	assert.Equal(t, record, []string{
		EndpointValueChanged,
		EndpointArrayInsert,
		EndpointArraySet,
		EndpointArrayRemove,
	})

	// both mirrors converge on the same state
	for _, peer := range []*testPeer{peerA, peerB} {
		mirror := peer.client.Replicator(rep.Id())
		assert.Equal(t, mirror.Store().Get("Gold"), float64(100))
		assert.Equal(t, mirror.Store().Get("Items"), []any{"C"})
	}
}

func TestServerMirrorListeners(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	peer := openPeer(transport)
	peer.ready()

	rep, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Profile",
		Data:               map[string]any{},
		ReplicationTargets: ReplicateTo(peer.target),
	})
	mirror := peer.client.Replicator(rep.Id())

	// the mirror store exposes the same reactive api as the server store
	observed := []any{}
	mirror.Store().Observe("Name", func(value any) {
		observed = append(observed, value)
	}, false)

	added := []string{}
	mirror.Store().ListenToKeyAdd("", func(key string, newValue any, oldValue any) {
		added = append(added, key)
	})

	rep.Store().SetValue("Name", "ada")
	rep.Store().SetManyValues("", map[string]any{"Level": 3})

	assert.Equal(t, observed, []any{"ada"})
	assert.Equal(t, added, []string{"Name", "Level"})
}

func TestServerChildJoinsAudience(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	peer := openPeer(transport)
	peer.ready()

	parent, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Zone",
		Data:               map[string]any{},
		ReplicationTargets: ReplicateTo(peer.target),
	})
	createCount := countMessages(peer.side, EndpointCreate)

	// a child created under an active parent replicates immediately
	child, err := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:  "Spawn",
		Data:   map[string]any{"X": 4},
		Parent: parent,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, *createCount, 1)

	childMirror := peer.client.Replicator(child.Id())
	assert.NotEqual(t, childMirror, nil)
	assert.Equal(t, childMirror.Node().Parent().Id(), parent.Id())
	assert.Equal(t, childMirror.Store().Get("X"), float64(4))
	assert.Equal(t, child.IsActiveFor(peer.target), true)
}

func TestServerReparentAcrossAncestors(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	// X sees both ancestors, Y only the destination
	peerX := openPeer(transport)
	peerY := openPeer(transport)
	peerX.ready()
	peerY.ready()

	zoneA, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Zone",
		Data:               map[string]any{},
		ReplicationTargets: ReplicateTo(peerX.target),
	})
	zoneB, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Zone",
		Data:               map[string]any{},
		ReplicationTargets: ReplicateTo(peerX.target, peerY.target),
	})
	mob, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:  "Mob",
		Data:   map[string]any{"Hp": 40},
		Parent: zoneA,
	})

	xCreate := countMessages(peerX.side, EndpointCreate)
	xDestroy := countMessages(peerX.side, EndpointDestroy)
	xSetParent := countMessages(peerX.side, EndpointSetParent)
	yCreate := countMessages(peerY.side, EndpointCreate)
	ySetParent := countMessages(peerY.side, EndpointSetParent)

	err := mob.SetParent(zoneB)
	assert.Equal(t, err, nil)

	// kept audience gets one lightweight set-parent, no data retransmission
	assert.Equal(t, *xSetParent, 1)
	assert.Equal(t, *xCreate, 0)
	assert.Equal(t, *xDestroy, 0)

	// new audience gets one creation batch for the moved subtree
	assert.Equal(t, *yCreate, 1)
	assert.Equal(t, *ySetParent, 0)

	xMob := peerX.client.Replicator(mob.Id())
	assert.Equal(t, xMob.Node().Parent().Id(), zoneB.Id())
	yMob := peerY.client.Replicator(mob.Id())
	assert.NotEqual(t, yMob, nil)
	assert.Equal(t, yMob.Store().Get("Hp"), float64(40))

	// both audiences now receive mutations
	yChange := countMessages(peerY.side, EndpointValueChanged)
	mob.Store().SetValue("Hp", 35)
	assert.Equal(t, *yChange, 1)
	assert.Equal(t, xMob.Store().Get("Hp"), float64(35))

	// moving back shrinks the audience: the leaver gets one destroy
	yDestroy := countMessages(peerY.side, EndpointDestroy)
	err = mob.SetParent(zoneA)
	assert.Equal(t, err, nil)
	assert.Equal(t, *yDestroy, 1)
	assert.Equal(t, *xSetParent, 2)
	assert.Equal(t, peerY.client.Replicator(mob.Id()), nil)

	// and no further mutations leak to the leaver
	mob.Store().SetValue("Hp", 30)
	assert.Equal(t, *yChange, 1)
	assert.Equal(t, xMob.Store().Get("Hp"), float64(30))
}

func TestServerReplicateAll(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	early := openPeer(transport)
	earlyCreate := countMessages(early.side, EndpointCreate)
	early.ready()

	rep, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Announcements",
		Data:               map[string]any{"Motd": "hello"},
		ReplicationTargets: ReplicateAll(),
	})
	// already-ready sessions get the batch at creation
	assert.Equal(t, *earlyCreate, 1)
	assert.NotEqual(t, early.client.Replicator(rep.Id()), nil)

	// sessions that become ready later get it in their ready batch
	late := openPeer(transport)
	lateCreate := countMessages(late.side, EndpointCreate)
	late.ready()
	assert.Equal(t, *lateCreate, 1)
	assert.Equal(t, late.client.Replicator(rep.Id()).Store().Get("Motd"), "hello")

	changeCount := countMessages(late.side, EndpointValueChanged)
	rep.Store().SetValue("Motd", "welcome")
	assert.Equal(t, *changeCount, 1)
	assert.Equal(t, early.client.Replicator(rep.Id()).Store().Get("Motd"), "welcome")
}

func TestServerDisconnect(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	peer := openPeer(transport)
	destroyCount := countMessages(peer.side, EndpointDestroy)
	peer.ready()

	rep, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Wallet",
		Data:               map[string]any{"Coins": 1},
		ReplicationTargets: ReplicateTo(peer.target),
	})
	assert.Equal(t, rep.IsActiveFor(peer.target), true)

	// disconnect force-unsubscribes everywhere without any messages
	transport.CloseTarget(peer.target)
	assert.Equal(t, *destroyCount, 0)
	assert.Equal(t, rep.IsActiveFor(peer.target), false)
	assert.Equal(t, server.SessionReady(peer.target), false)

	rep.Store().SetValue("Coins", 2)

	// a fresh session for the same target starts from scratch
	side := transport.OpenTarget(peer.target)
	client := NewClientWithDefaults(NewRegistry(), side)
	client.Ready()
	assert.Equal(t, client.Replicator(rep.Id()), nil)

	rep.Subscribe(peer.target)
	mirror := client.Replicator(rep.Id())
	assert.NotEqual(t, mirror, nil)
	assert.Equal(t, mirror.Store().Get("Coins"), float64(2))
}

func TestServerPromiseSessionReady(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	peer := openPeer(transport)
	future := server.PromiseSessionReady(peer.target)
	_, _, done := future.TryGet()
	assert.Equal(t, done, false)

	peer.ready()
	target, err := future.Await(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, target, peer.target)

	// already-ready resolves immediately
	immediate := server.PromiseSessionReady(peer.target)
	_, _, done = immediate.TryGet()
	assert.Equal(t, done, true)

	// cancel detaches
	other := server.PromiseSessionReady(NewId())
	other.Cancel()
	_, err, _ = other.TryGet()
	assert.Equal(t, err, ErrFutureCanceled)
}

func TestServerSignals(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	peer := openPeer(transport)
	peer.ready()

	rep, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Chat",
		Data:               map[string]any{},
		ReplicationTargets: ReplicateTo(peer.target),
	})
	mirror := peer.client.Replicator(rep.Id())

	// client -> server
	inbound := [][]any{}
	var inboundSource Target
	rep.ConnectSignal("say", func(source Target, args []any) {
		inboundSource = source
		inbound = append(inbound, args)
	})
	mirror.FireSignal("say", "hello", 7)
	assert.Equal(t, inbound, [][]any{{"hello", float64(7)}})
	assert.Equal(t, inboundSource, peer.target)

	// server -> client
	outbound := [][]any{}
	mirror.ConnectSignal("notice", func(args []any) {
		outbound = append(outbound, args)
	})
	rep.FireSignal(peer.target, "notice", "maintenance")
	rep.FireSignalAll("notice", "everyone")
	assert.Equal(t, outbound, [][]any{{"maintenance"}, {"everyone"}})

	// signals to inactive targets are dropped, not queued
	stranger := openPeer(transport)
	strangerSignals := countMessages(stranger.side, EndpointSignal)
	stranger.ready()
	rep.FireSignal(stranger.target, "notice", "nope")
	assert.Equal(t, *strangerSignals, 0)
}

func TestServerCalls(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	peer := openPeer(transport)
	peer.ready()

	rep, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Calc",
		Data:               map[string]any{},
		ReplicationTargets: ReplicateTo(peer.target),
	})
	rep.ConnectFunction("add", func(source Target, args []any) (any, error) {
		return args[0].(float64) + args[1].(float64), nil
	})
	rep.ConnectFunction("reject", func(source Target, args []any) (any, error) {
		return nil, fmt.Errorf("not allowed")
	})
	mirror := peer.client.Replicator(rep.Id())

	// loopback delivery is synchronous, the response is already in
	result, err, done := mirror.Call("add", 2, 3).TryGet()
	assert.Equal(t, done, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, float64(5))

	_, err, done = mirror.Call("reject").TryGet()
	assert.Equal(t, done, true)
	assert.Equal(t, err.Error(), "not allowed")

	_, err, done = mirror.Call("missing").TryGet()
	assert.Equal(t, done, true)
	if !strings.Contains(err.Error(), "no function") {
		t.Fatalf("unexpected error %s", err)
	}
}

func TestServerInboundFromInactiveDropped(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	member := openPeer(transport)
	member.ready()
	stranger := openPeer(transport)
	stranger.ready()

	rep, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Chat",
		Data:               map[string]any{},
		ReplicationTargets: ReplicateTo(member.target),
	})
	received := 0
	rep.ConnectSignal("say", func(source Target, args []any) {
		received += 1
	})

	// a raw signal for a node the source is not active for is dropped
	stranger.side.Fire(DefaultNamespace, EndpointSignal, encodeMessage(&SignalMessage{
		NodeId:   rep.Id(),
		Endpoint: "say",
		Args:     []any{"spoof"},
	}))
	assert.Equal(t, received, 0)

	member.side.Fire(DefaultNamespace, EndpointSignal, encodeMessage(&SignalMessage{
		NodeId:   rep.Id(),
		Endpoint: "say",
		Args:     []any{"real"},
	}))
	assert.Equal(t, received, 1)
}

func TestServerDestroyCascades(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	peer := openPeer(transport)
	destroyCount := countMessages(peer.side, EndpointDestroy)
	peer.ready()

	parent, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Zone",
		Data:               map[string]any{},
		ReplicationTargets: ReplicateTo(peer.target),
	})
	child, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:  "Spawn",
		Data:   map[string]any{},
		Parent: parent,
	})
	parentId := parent.Id()
	childId := child.Id()

	// one destroy for the root, clients cascade locally
	parent.Destroy()
	assert.Equal(t, *destroyCount, 1)
	assert.Equal(t, parent.IsDestroyed(), true)
	assert.Equal(t, child.IsDestroyed(), true)
	assert.Equal(t, server.Registry().Node(parentId), nil)
	assert.Equal(t, server.Registry().Node(childId), nil)
	assert.Equal(t, peer.client.Replicator(parentId), nil)
	assert.Equal(t, peer.client.Replicator(childId), nil)
}

func TestServerReplicatorConfigValidation(t *testing.T) {
	transport := NewLoopbackTransport()
	server := NewServerWithDefaults(NewRegistry(), transport)

	_, err := NewServerReplicator(server, &ServerReplicatorConfig{
		Token: "Orphan",
		Data:  map[string]any{},
	})
	assert.NotEqual(t, err, nil)

	parent, _ := NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Zone",
		Data:               map[string]any{},
		ReplicationTargets: ReplicateTo(),
	})
	_, err = NewServerReplicator(server, &ServerReplicatorConfig{
		Token:              "Both",
		Data:               map[string]any{},
		Parent:             parent,
		ReplicationTargets: ReplicateAll(),
	})
	assert.NotEqual(t, err, nil)

	_, err = NewServerReplicator(server, &ServerReplicatorConfig{
		Data:               map[string]any{},
		ReplicationTargets: ReplicateTo(),
	})
	assert.NotEqual(t, err, nil)
}
