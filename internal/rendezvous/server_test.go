package rendezvous

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/Ronifue/peershare/internal/signal"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown()
	})
	return srv
}

type testConn struct {
	conn net.Conn
	sc   *bufio.Scanner
}

func dialServer(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &testConn{conn: conn, sc: sc}
}

func (c *testConn) send(t *testing.T, env signal.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testConn) recv(t *testing.T) signal.Envelope {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if !c.sc.Scan() {
		t.Fatalf("no line from server: %v", c.sc.Err())
	}
	var env signal.Envelope
	if err := json.Unmarshal(c.sc.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal %q: %v", c.sc.Text(), err)
	}
	return env
}

func register(t *testing.T, c *testConn, room string) signal.RegisterPayload {
	t.Helper()
	c.send(t, signal.Envelope{Type: signal.TypeRegister, RoomID: room})
	env := c.recv(t)
	if env.Type != signal.TypeRegister {
		t.Fatalf("expected register ack, got %s", env.Type)
	}
	var payload signal.RegisterPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("register payload: %v", err)
	}
	return payload
}

func TestRegisterCreatesRoom(t *testing.T) {
	srv := startServer(t)
	c := dialServer(t, srv.Addr())

	payload := register(t, c, "room-a")
	if payload.PeerID == "" {
		t.Error("expected assigned peer id")
	}
	if !payload.IsCreator {
		t.Error("first peer must be the room creator")
	}
}

func TestSecondPeerJoinsAndBothNotified(t *testing.T) {
	srv := startServer(t)
	a := dialServer(t, srv.Addr())
	b := dialServer(t, srv.Addr())

	pa := register(t, a, "room-b")
	pb := register(t, b, "room-b")
	if pb.IsCreator {
		t.Error("second peer must not be the creator")
	}

	joinedAtA := a.recv(t)
	if joinedAtA.Type != signal.TypePeerJoined || joinedAtA.PeerID != pb.PeerID {
		t.Errorf("creator notification = %+v", joinedAtA)
	}
	joinedAtB := b.recv(t)
	if joinedAtB.Type != signal.TypePeerJoined || joinedAtB.PeerID != pa.PeerID {
		t.Errorf("joiner notification = %+v", joinedAtB)
	}
}

func TestThirdPeerRejected(t *testing.T) {
	srv := startServer(t)
	a := dialServer(t, srv.Addr())
	b := dialServer(t, srv.Addr())
	register(t, a, "room-c")
	register(t, b, "room-c")

	c := dialServer(t, srv.Addr())
	c.send(t, signal.Envelope{Type: signal.TypeRegister, RoomID: "room-c"})
	env := c.recv(t)
	if env.Type != signal.TypeError {
		t.Fatalf("expected error for third peer, got %s", env.Type)
	}
}

func TestForwardOfferToOtherPeer(t *testing.T) {
	srv := startServer(t)
	a := dialServer(t, srv.Addr())
	b := dialServer(t, srv.Addr())
	pa := register(t, a, "room-d")
	register(t, b, "room-d")
	a.recv(t) // peer-joined
	b.recv(t) // peer-joined

	payload, _ := json.Marshal(signal.DescriptionPayload{Type: "offer", SDP: "v=0"})
	a.send(t, signal.Envelope{Type: signal.TypeOffer, Payload: payload})

	got := b.recv(t)
	if got.Type != signal.TypeOffer {
		t.Fatalf("expected forwarded offer, got %s", got.Type)
	}
	if got.PeerID != pa.PeerID {
		t.Errorf("forwarded offer sender = %s, want %s", got.PeerID, pa.PeerID)
	}
	var desc signal.DescriptionPayload
	if err := json.Unmarshal(got.Payload, &desc); err != nil || desc.SDP != "v=0" {
		t.Errorf("payload not forwarded intact: %v %+v", err, desc)
	}
}

func TestPeerLeftOnDisconnect(t *testing.T) {
	srv := startServer(t)
	a := dialServer(t, srv.Addr())
	b := dialServer(t, srv.Addr())
	register(t, a, "room-e")
	pb := register(t, b, "room-e")
	a.recv(t)
	b.recv(t)

	_ = b.conn.Close()

	env := a.recv(t)
	if env.Type != signal.TypePeerLeft || env.PeerID != pb.PeerID {
		t.Errorf("expected peer-left for %s, got %+v", pb.PeerID, env)
	}
}

func TestCreatorRolePassesWhenCreatorLeaves(t *testing.T) {
	srv := startServer(t)
	a := dialServer(t, srv.Addr())
	b := dialServer(t, srv.Addr())
	register(t, a, "room-f")
	register(t, b, "room-f")
	a.recv(t)
	b.recv(t)

	_ = a.conn.Close()
	b.recv(t) // peer-left

	c := dialServer(t, srv.Addr())
	pc := register(t, c, "room-f")
	if !pc.IsCreator {
		t.Error("replacement peer should inherit the creator role")
	}
}
