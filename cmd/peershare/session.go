package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Ronifue/peershare/internal/engine"
	"github.com/Ronifue/peershare/internal/event"
	"github.com/Ronifue/peershare/internal/overrides"
	"github.com/Ronifue/peershare/internal/recovery"
	"github.com/Ronifue/peershare/internal/signal"
	"github.com/Ronifue/peershare/internal/store"
	"github.com/Ronifue/peershare/internal/transport"
	"github.com/Ronifue/peershare/internal/transport/pion"
)

var (
	flagRendezvous string
	flagRoom       string
	flagDB         string
	flagOverrides  string
	flagDebug      bool
)

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagRendezvous, "rendezvous", "localhost:9090", "rendezvous relay address")
	cmd.Flags().StringVar(&flagRoom, "room", "", "room code shared with the other peer")
	cmd.Flags().StringVar(&flagDB, "db", "peershare.sqlite3", "transfer store path")
	cmd.Flags().StringVar(&flagOverrides, "overrides", "", "runtime tuning query string (ps* parameters)")
	cmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	_ = cmd.MarkFlagRequired("room")
}

// session bundles everything one CLI run wires together.
type session struct {
	log      *logrus.Logger
	emitter  *event.Emitter
	store    *store.Store
	engine   *engine.Engine
	recovery *recovery.Controller
	driver   *signal.Driver

	channelOpen chan struct{}
	openOnce    sync.Once
}

// dialSession opens the store, builds the engine, and joins the room.
func dialSession(cfg engine.Config, callbacks engine.Callbacks) (*session, error) {
	log := logrus.New()
	if flagDebug {
		log.SetLevel(logrus.DebugLevel)
	}

	o, err := overrides.ParseQuery(flagOverrides)
	if err != nil {
		return nil, fmt.Errorf("parsing --overrides: %w", err)
	}
	cfg.Overrides = o

	st, err := store.Open(flagDB)
	if err != nil {
		return nil, err
	}

	s := &session{
		log:         log,
		emitter:     event.NewEmitter(os.Stderr, log, nil),
		store:       st,
		channelOpen: make(chan struct{}),
	}

	// Stats flow from the live connection once the driver is up.
	stats := func() (float64, bool) {
		if s.driver == nil {
			return 0, false
		}
		st, err := s.driver.Stats()
		if err != nil || st.SelectedRTTMs < 0 {
			return 0, false
		}
		return st.SelectedRTTMs, true
	}

	s.engine = engine.New(engine.Options{
		Store:     st,
		Logger:    log,
		Emitter:   s.emitter,
		Config:    cfg,
		Callbacks: callbacks,
		Stats:     stats,
	})
	s.recovery = recovery.New(recovery.DefaultConfig(), recovery.Ops{}, log, s.emitter)

	driver, err := signal.Dial(flagRendezvous, signal.Options{
		RoomID: flagRoom,
		NewPeerConnection: func() (transport.PeerConnection, error) {
			return pion.NewConn(pion.DefaultConfiguration())
		},
		Engine:   s.engine,
		Recovery: s.recovery,
		Logger:   log,
		Emitter:  s.emitter,
		OnChannelOpen: func() {
			s.openOnce.Do(func() { close(s.channelOpen) })
		},
		OnChannelClosed: func(err error) {
			log.Errorf("connection lost for good: %v", err)
		},
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	s.driver = driver
	return s, nil
}

func (s *session) close() {
	s.driver.Close()
	s.engine.Disconnect()
	_ = s.store.Close()
}
