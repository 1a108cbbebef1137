// Package app wires the listeners, stores and registry together and runs one
// dispatcher per client connection.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/gigglesninja/senior-design/internal/admin"
	"github.com/gigglesninja/senior-design/internal/auth"
	"github.com/gigglesninja/senior-design/internal/config"
	"github.com/gigglesninja/senior-design/internal/db"
	"github.com/gigglesninja/senior-design/internal/mission"
	"github.com/gigglesninja/senior-design/internal/registry"
	"github.com/gigglesninja/senior-design/internal/session"
	"github.com/gigglesninja/senior-design/internal/signaling"
	"github.com/gigglesninja/senior-design/internal/transport"
	"github.com/gigglesninja/senior-design/internal/util"
)

const shutdownTimeout = 5 * time.Second

// Server owns everything shared between connections.
type Server struct {
	cfg   *config.Config
	arena *registry.Arena
	reg   *registry.Registry
	deps  session.Deps
	api   *admin.API
	db    *sql.DB

	// OnListen, if set, is called with each bound listener address.
	OnListen func(kind transport.Kind, addr net.Addr)

	mu       sync.Mutex
	draining bool
	conns    sync.WaitGroup
}

// New opens the stores selected by cfg and seeds configured accounts.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	authn, missions, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	s.arena = registry.NewArena()
	s.reg = registry.New(s.arena, cfg.Relay.QueueSize)
	s.deps = session.Deps{
		Auth:            authn,
		Missions:        missions,
		Registry:        s.reg,
		ProtocolVersion: cfg.ProtocolVersion,
		LoginRate:       cfg.Session.LoginRate,
		LoginBurst:      cfg.Session.LoginBurst,
		ViewerURL:       cfg.Mission.ViewerURL,
		NotifyConflicts: cfg.Relay.NotifyConflicts,
	}

	s.api, err = admin.New(s.reg, missions, admin.Options{
		APIKey: cfg.Admin.APIKey,
		Rate:   cfg.Admin.Rate,
		Burst:  cfg.Admin.Burst,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// openStores uses postgres when a DSN is configured, in-memory stores
// otherwise.
func (s *Server) openStores(ctx context.Context) (auth.Authenticator, mission.Store, error) {
	a := s.cfg.Auth
	users, keys := s.cfg.Users(), s.cfg.APIKeys()

	if s.cfg.Database.DSN == "" {
		mem := auth.NewMemory(a.BcryptCost)
		for name, pw := range users {
			if err := mem.AddUser(name, pw); err != nil {
				return nil, nil, fmt.Errorf("seed user %q: %w", name, err)
			}
		}
		for key, name := range keys {
			if err := mem.AddAPIKey(key, name); err != nil {
				return nil, nil, err
			}
		}
		util.LogInfo("using in-memory stores (%d users, %d api keys)", len(users), len(keys))
		return mem, mission.NewMemory(), nil
	}

	conn, err := db.Open(ctx, s.cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	s.db = conn

	pg := auth.NewPostgres(conn, a.BcryptCost)
	for name, pw := range users {
		if err := pg.AddUser(ctx, name, pw); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	for key, name := range keys {
		if err := pg.AddAPIKey(ctx, key, name); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	util.LogInfo("using postgres stores (%d users, %d api keys seeded)", len(users), len(keys))
	return pg, mission.NewPostgres(conn), nil
}

// Registry exposes the vehicle registry.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Close releases the database, if any.
func (s *Server) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Run starts every configured listener and blocks until ctx is cancelled or
// a listener fails. It returns once all connections have been torn down.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	start := func(kind transport.Kind, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- fmt.Errorf("%s listener: %w", kind, err)
				cancel()
			}
		}()
	}

	l := s.cfg.Listen
	maxFrame := s.cfg.Session.MaxFrame
	handle := s.handler(ctx)

	if l.TCP != "" {
		start(transport.KindTCP, func() error {
			return transport.ListenTCP(ctx, l.TCP, maxFrame, s.ready(transport.KindTCP), handle)
		})
	}
	if l.QUIC != "" {
		start(transport.KindQUIC, func() error {
			return transport.ListenQUIC(ctx, l.QUIC, maxFrame, s.ready(transport.KindQUIC), handle)
		})
	}
	if l.HTTP != "" {
		start("http", func() error { return s.serveHTTP(ctx, l.HTTP) })
	}

	wg.Wait()
	cancel()

	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.conns.Wait()

	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Router returns the HTTP routes: /ws, /rtc and the status API.
func (s *Server) Router(ctx context.Context) *mux.Router {
	handle := s.handler(ctx)
	maxFrame := s.cfg.Session.MaxFrame

	r := mux.NewRouter()
	r.Handle("/ws", transport.WSHandler(maxFrame, handle))
	r.Handle("/rtc", signaling.Handler(ctx, signaling.Options{
		STUNServers: s.cfg.RTC.STUNServers,
		MaxFrame:    maxFrame,
	}, handle))
	s.api.Mount(r)
	return r
}

func (s *Server) serveHTTP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if s.OnListen != nil {
		s.OnListen(transport.KindWS, ln.Addr())
	}
	util.LogInfo("http listener started on %s (/ws /rtc /api)", ln.Addr())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ready(kind transport.Kind) func(net.Addr) {
	if s.OnListen == nil {
		return nil
	}
	return func(addr net.Addr) { s.OnListen(kind, addr) }
}

// handler wraps ServeConn so Run can wait for every connection.
func (s *Server) handler(ctx context.Context) func(transport.Conn) {
	return func(c transport.Conn) {
		s.mu.Lock()
		if s.draining {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns.Add(1)
		s.mu.Unlock()

		defer s.conns.Done()
		s.ServeConn(ctx, c)
	}
}
