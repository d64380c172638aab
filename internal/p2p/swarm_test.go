package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/WendelHime/btcore/internal/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackHandshake(t *testing.T) {
	r, err := reactor.New(reactor.WithLogger(discardLogger()))
	require.NoError(t, err)

	attached := 0
	stopWhenBothAttached := func(p *fakePeer) {
		attached++
		if attached == 2 {
			r.AddTask(func() error { r.Stop(); return nil }, 100*time.Millisecond, reactor.NoContext)
		}
	}

	seeder := newFakeTransfer()
	seeder.bits.Add(1)
	seeder.prepare = stopWhenBothAttached
	leecher := newFakeTransfer()
	leecher.prepare = stopWhenBothAttached

	listening := NewSwarm(r, r.NewContext(nil), SwarmConfig{
		InfoHash:  testHash,
		PeerID:    localID,
		NumPieces: 4,
		Transfer:  seeder,
		Choker:    seeder,
		Logger:    discardLogger(),
	})
	router := NewRouter(discardLogger())
	require.NoError(t, router.Register(listening))
	l, err := r.Listen("127.0.0.1:0", reactor.NoContext, router.Accept)
	require.NoError(t, err)

	dialing := NewSwarm(r, r.NewContext(nil), SwarmConfig{
		InfoHash:  testHash,
		PeerID:    remoteID,
		NumPieces: 4,
		Transfer:  leecher,
		Choker:    leecher,
		Logger:    discardLogger(),
	})
	require.NoError(t, dialing.Connect(l.Addr().String()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	require.Equal(t, 2, attached)
	for c := range seeder.peers {
		assert.Equal(t, remoteID, c.PeerID())
		assert.False(t, c.Outbound())
	}
	for c, p := range leecher.peers {
		assert.Equal(t, localID, c.PeerID())
		assert.True(t, c.Outbound())
		assert.Contains(t, p.events, "bitfield [1]")
	}
}
