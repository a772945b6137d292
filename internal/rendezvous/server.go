// Package rendezvous is the signalling relay: it pairs at most two peers per
// room code, assigns ids and the creator role, and forwards SDP and ICE
// candidates between them. It never sees file data.
package rendezvous

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ronifue/peershare/internal/signal"
)

// roomCapacity bounds occupants per room code.
const roomCapacity = 2

// maxLineSize bounds one signalling line.
const maxLineSize = 1024 * 1024

type client struct {
	conn   net.Conn
	peerID string
	roomID string
	wmu    sync.Mutex
}

func (c *client) send(env signal.Envelope) error {
	env.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

type room struct {
	creator *client
	peers   []*client
}

// Server accepts rendezvous connections on a TCP listener.
type Server struct {
	logger   *slog.Logger
	listener net.Listener

	mu    sync.Mutex
	rooms map[string]*room
}

// Config tunes the server.
type Config struct {
	Addr   string
	Logger *slog.Logger
}

// NewServer binds the listener; call Start to serve.
func NewServer(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger,
		listener: ln,
		rooms:    make(map[string]*room),
	}, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown closes the listener; in-flight connections drain on their own.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down rendezvous server")
	return s.listener.Close()
}

// Start serves until ctx is cancelled or the listener closes.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("rendezvous server started", "addr", s.Addr())
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	c := &client{conn: conn}
	remote := conn.RemoteAddr().String()
	s.logger.Info("peer connected", "addr", remote)
	defer func() {
		s.dropClient(c)
		_ = conn.Close()
		s.logger.Info("peer disconnected", "addr", remote, "peer", c.peerID)
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		var env signal.Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			s.logger.Warn("unparseable signalling line", "error", err)
			continue
		}
		s.handleMessage(c, env)
	}
}

func (s *Server) handleMessage(c *client, env signal.Envelope) {
	switch env.Type {
	case signal.TypeRegister:
		s.handleRegister(c, env)
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate:
		s.forward(c, env)
	default:
		s.logger.Debug("ignoring message", "type", env.Type, "peer", c.peerID)
	}
}

func (s *Server) handleRegister(c *client, env signal.Envelope) {
	if env.RoomID == "" {
		s.sendError(c, "register without room id")
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[env.RoomID]
	if !ok {
		r = &room{}
		s.rooms[env.RoomID] = r
	}
	if len(r.peers) >= roomCapacity {
		s.mu.Unlock()
		s.sendError(c, "room is full")
		return
	}
	c.peerID = uuid.NewString()
	c.roomID = env.RoomID
	// The first occupant creates the room; if the creator dropped out, the
	// role passes to the next registrant so someone still drives the offer.
	isCreator := len(r.peers) == 0 || r.creator == nil
	if isCreator {
		r.creator = c
	}
	r.peers = append(r.peers, c)
	others := make([]*client, 0, 1)
	for _, p := range r.peers {
		if p != c {
			others = append(others, p)
		}
	}
	s.mu.Unlock()

	s.logger.Info("peer registered", "room", env.RoomID, "peer", c.peerID, "creator", isCreator)

	payload, _ := json.Marshal(signal.RegisterPayload{PeerID: c.peerID, IsCreator: isCreator})
	if err := c.send(signal.Envelope{
		Type:    signal.TypeRegister,
		RoomID:  env.RoomID,
		PeerID:  c.peerID,
		Payload: payload,
	}); err != nil {
		s.logger.Warn("sending register ack", "error", err)
		return
	}

	for _, other := range others {
		_ = other.send(signal.Envelope{
			Type:   signal.TypePeerJoined,
			RoomID: env.RoomID,
			PeerID: c.peerID,
		})
		_ = c.send(signal.Envelope{
			Type:   signal.TypePeerJoined,
			RoomID: env.RoomID,
			PeerID: other.peerID,
		})
	}
}

// forward relays SDP and candidates to the target peer, or to the only other
// occupant when no target is named.
func (s *Server) forward(c *client, env signal.Envelope) {
	if c.roomID == "" {
		s.sendError(c, "not registered")
		return
	}

	s.mu.Lock()
	r := s.rooms[c.roomID]
	var target *client
	if r != nil {
		for _, p := range r.peers {
			if p == c {
				continue
			}
			if env.TargetID == "" || p.peerID == env.TargetID {
				target = p
				break
			}
		}
	}
	s.mu.Unlock()

	if target == nil {
		s.logger.Debug("no forwarding target", "type", env.Type, "room", c.roomID)
		return
	}
	env.PeerID = c.peerID
	env.RoomID = c.roomID
	if err := target.send(env); err != nil {
		s.logger.Warn("forwarding message", "type", env.Type, "error", err)
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	var notify []*client
	if r, ok := s.rooms[c.roomID]; ok {
		kept := r.peers[:0]
		for _, p := range r.peers {
			if p == c {
				continue
			}
			kept = append(kept, p)
			notify = append(notify, p)
		}
		r.peers = kept
		if r.creator == c {
			r.creator = nil
		}
		if len(r.peers) == 0 {
			delete(s.rooms, c.roomID)
		}
	}
	s.mu.Unlock()

	for _, p := range notify {
		_ = p.send(signal.Envelope{
			Type:   signal.TypePeerLeft,
			RoomID: c.roomID,
			PeerID: c.peerID,
		})
	}
}

func (s *Server) sendError(c *client, message string) {
	payload, _ := json.Marshal(signal.ErrorPayload{Message: message})
	_ = c.send(signal.Envelope{Type: signal.TypeError, Payload: payload})
}
