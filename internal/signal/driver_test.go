package signal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ronifue/peershare/internal/rendezvous"
	signal "github.com/Ronifue/peershare/internal/signal"
	"github.com/Ronifue/peershare/internal/transport"
)

func startRelay(t *testing.T) *rendezvous.Server {
	t.Helper()
	srv, err := rendezvous.NewServer(rendezvous.Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("starting relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown()
	})
	return srv
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs []*transport.FakePeerConnection
}

func (f *fakeFactory) new() (transport.PeerConnection, error) {
	pc := transport.NewFakePeerConnection()
	f.mu.Lock()
	f.pcs = append(f.pcs, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *fakeFactory) latest() *transport.FakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func dialDriver(t *testing.T, addr, room string, factory *fakeFactory, joined chan string) *signal.Driver {
	t.Helper()
	d, err := signal.Dial(addr, signal.Options{
		RoomID:            room,
		NewPeerConnection: factory.new,
		Logger:            quietLog(),
		OnPeerJoined: func(peerID string) {
			if joined != nil {
				joined <- peerID
			}
		},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterAssignsRoles(t *testing.T) {
	srv := startRelay(t)
	fa, fb := &fakeFactory{}, &fakeFactory{}

	creator := dialDriver(t, srv.Addr(), "room-1", fa, nil)
	if !creator.IsCreator() {
		t.Error("first registrant must be the creator")
	}
	if creator.PeerID() == "" {
		t.Error("expected assigned peer id")
	}

	joiner := dialDriver(t, srv.Addr(), "room-1", fb, nil)
	if joiner.IsCreator() {
		t.Error("second registrant must not be the creator")
	}
}

func TestRoomCapacityEnforced(t *testing.T) {
	srv := startRelay(t)
	fa, fb, fc := &fakeFactory{}, &fakeFactory{}, &fakeFactory{}

	dialDriver(t, srv.Addr(), "room-cap", fa, nil)
	dialDriver(t, srv.Addr(), "room-cap", fb, nil)

	_, err := signal.Dial(srv.Addr(), signal.Options{
		RoomID:            "room-cap",
		NewPeerConnection: fc.new,
		Logger:            quietLog(),
	})
	if err == nil {
		t.Fatal("third peer must be rejected: room capacity is 2")
	}
}

func TestOfferAnswerNegotiation(t *testing.T) {
	srv := startRelay(t)
	fa, fb := &fakeFactory{}, &fakeFactory{}
	joined := make(chan string, 2)

	creator := dialDriver(t, srv.Addr(), "room-neg", fa, joined)
	_ = dialDriver(t, srv.Addr(), "room-neg", fb, joined)
	_ = creator

	// Creator learns of the joiner and sends the first offer; the joiner
	// answers; the answer lands back on the creator's connection.
	waitFor(t, "joiner remote offer", func() bool {
		pc := fb.latest()
		if pc == nil {
			return false
		}
		desc, ok := pc.RemoteDescription()
		return ok && desc.Type == "offer"
	})
	waitFor(t, "creator remote answer", func() bool {
		pc := fa.latest()
		if pc == nil {
			return false
		}
		desc, ok := pc.RemoteDescription()
		return ok && desc.Type == "answer"
	})
}

func TestCandidateRelayAndBuffering(t *testing.T) {
	srv := startRelay(t)
	fa, fb := &fakeFactory{}, &fakeFactory{}

	creator := dialDriver(t, srv.Addr(), "room-cand", fa, nil)
	_ = dialDriver(t, srv.Addr(), "room-cand", fb, nil)
	_ = creator

	waitFor(t, "creator connection", func() bool { return fa.latest() != nil })

	// A candidate discovered on the creator flows to the joiner's
	// connection once its remote description is set.
	fa.latest().EmitCandidate("candidate:1 udp 1 10.0.0.1 4242 typ host")
	waitFor(t, "candidate applied at joiner", func() bool {
		pc := fb.latest()
		return pc != nil && len(pc.Candidates()) == 1
	})
}

func TestPeerLeftNotification(t *testing.T) {
	srv := startRelay(t)
	fa, fb := &fakeFactory{}, &fakeFactory{}

	left := make(chan string, 1)
	creator, err := signal.Dial(srv.Addr(), signal.Options{
		RoomID:            "room-left",
		NewPeerConnection: fa.new,
		Logger:            quietLog(),
		OnPeerLeft:        func(peerID string) { left <- peerID },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(creator.Close)

	joiner := dialDriver(t, srv.Addr(), "room-left", fb, nil)
	joinerID := joiner.PeerID()
	waitFor(t, "join visible at creator", func() bool { return creator.RemotePeerID() != "" })

	joiner.Close()

	select {
	case id := <-left:
		if id != joinerID {
			t.Errorf("peer-left id = %s, want %s", id, joinerID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("creator never observed peer-left")
	}
}
