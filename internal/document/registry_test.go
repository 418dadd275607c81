package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waveroom/server/internal/crdt"
)

func TestDebouncedFlushMergesBurst(t *testing.T) {
	r := NewRegistry(Options{FlushInterval: 20 * time.Millisecond})
	defer r.Close()

	sub := r.Subscribe("p1")
	defer sub.Cancel()

	doc := r.GetOrCreate("p1")
	require.NoError(t, doc.Set("tracks", "t1", crdt.String("drums")))
	require.NoError(t, doc.Set("tracks", "t2", crdt.String("bass")))
	require.NoError(t, doc.Set("clips", "c1", crdt.Int(1)))

	select {
	case merged := <-sub.C:
		ops, err := crdt.DecodeUpdate(merged)
		require.NoError(t, err)
		require.Len(t, ops, 3, "burst must flush as a single merged update")
	case <-time.After(time.Second):
		t.Fatal("no flush within deadline")
	}

	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected second flush: %d bytes", len(extra))
	case <-time.After(60 * time.Millisecond):
	}
}

func TestApplyRemoteDoesNotEchoToSubscribers(t *testing.T) {
	r := NewRegistry(Options{FlushInterval: 10 * time.Millisecond})
	defer r.Close()

	peer := crdt.NewDoc("peer")
	var peerUpdates [][]byte
	peer.OnUpdate(func(u []byte) { peerUpdates = append(peerUpdates, u) })
	require.NoError(t, peer.Set("tracks", "t1", crdt.String("vox")))

	sub := r.Subscribe("p1")
	defer sub.Cancel()
	require.NoError(t, r.ApplyRemote("p1", peerUpdates[0], "user-a"))

	select {
	case <-sub.C:
		t.Fatal("remote apply must not broadcast from this process")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok := r.GetOrCreate("p1").Get("tracks", "t1")
	require.True(t, ok)
	require.Equal(t, crdt.String("vox"), v)
}

func TestApplyRemoteMalformed(t *testing.T) {
	r := NewRegistry(Options{})
	defer r.Close()
	err := r.ApplyRemote("p1", []byte{0x01, 0x02}, "user-a")
	require.ErrorIs(t, err, crdt.ErrMalformedUpdate)
}

func TestDiffFromCatchesUpPeer(t *testing.T) {
	r := NewRegistry(Options{})
	defer r.Close()

	doc := r.GetOrCreate("p1")
	require.NoError(t, doc.Set("tracks", "t1", crdt.String("drums")))

	peer := crdt.NewDoc("peer")
	diff, err := r.DiffFrom("p1", peer.StateVector())
	require.NoError(t, err)
	require.NoError(t, peer.ApplyUpdate(diff))
	require.Equal(t, doc.Export(), peer.Export())
}

func TestEvictIdleRequiresNoSubscribersAndInactivity(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	r := NewRegistry(Options{InactivityThreshold: time.Minute, Now: clock})
	defer r.Close()

	r.GetOrCreate("busy")
	r.GetOrCreate("idle")
	sub := r.Subscribe("busy")
	defer sub.Cancel()

	now = now.Add(2 * time.Minute)
	evicted := r.EvictIdle()
	require.Equal(t, []string{"idle"}, evicted)

	stats := r.Stats()
	require.Equal(t, 1, stats.ActiveDocuments)

	// Releasing the last subscriber makes the remaining document
	// eligible once the threshold passes again.
	sub.Cancel()
	now = now.Add(2 * time.Minute)
	require.Equal(t, []string{"busy"}, r.EvictIdle())
	require.Zero(t, r.Stats().ActiveDocuments)
}

func TestSnapshotRoundTripThroughRegistry(t *testing.T) {
	r := NewRegistry(Options{FlushInterval: 10 * time.Millisecond})
	defer r.Close()

	doc := r.GetOrCreate("p1")
	require.NoError(t, doc.Set("tracks", "t1", crdt.String("drums")))
	require.NoError(t, doc.Set("metadata", "tempo", crdt.Int(110)))
	snap := r.ExportSnapshot("p1")

	require.NoError(t, doc.Set("tracks", "t2", crdt.String("stray")))

	sub := r.Subscribe("p1")
	defer sub.Cancel()
	require.NoError(t, r.LoadSnapshot("p1", snap))
	require.Equal(t, snap, r.ExportSnapshot("p1"))

	// The restore reaches subscribers as an ordinary batched delta.
	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("restore did not propagate to subscribers")
	}
	require.Same(t, doc, r.GetOrCreate("p1"), "document identity preserved across restore")
}
