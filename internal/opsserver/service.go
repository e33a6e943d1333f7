// Package opsserver is the daemon's operator HTTP surface: health, metrics,
// pprof, on-demand ticks and manual feeding.
package opsserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "petfeeder/internal/runtime/supervisor"
	logx "petfeeder/pkg/logx"
)

// Config controls the ops HTTP server. A non-loopback Addr needs a Token
// unless AllowInsecure is set, since /feed moves real food.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Pprof                bool
	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

const (
	DefaultAddr   = "127.0.0.1:8686"
	shutdownGrace = 2 * time.Second
)

// Service owns at most one running server. Each run gets its own
// supervisor so a crashing listener is restarted without touching the
// dispatch path.
type Service struct {
	log  logx.Logger
	deps Deps

	mu  sync.Mutex
	cfg Config
	cur *instance
}

type instance struct {
	cfg  Config
	sup  *rtsup.Supervisor
	addr atomic.Pointer[string]
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.Component("opsserver"))}
}

// Supervisor returns the running server's supervisor, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	inst := s.cur
	s.mu.Unlock()
	if inst == nil {
		return ""
	}
	if a := inst.addr.Load(); a != nil {
		return *a
	}
	return ""
}

// Start serves the current config if it is enabled and nothing runs yet.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}
	s.cur = s.launch(ctx, s.cfg)
}

// Stop shuts the server down, waiting at most until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	inst := s.cur
	s.cur = nil
	s.mu.Unlock()
	s.halt(ctx, inst)
}

// Reconfigure applies cfg from a hot reload. The server is restarted only
// when its config actually changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cur
	s.cfg = cfg
	if prev != nil && prev.cfg == cfg {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.mu.Unlock()

	s.halt(ctx, prev)
	s.Start(ctx)
}

func (s *Service) launch(ctx context.Context, cfg Config) *instance {
	addr := listenAddr(cfg)
	if err := checkExposure(cfg, addr); err != nil {
		s.log.Error("ops server not started", logx.String("addr", addr), logx.Err(err))
		return nil
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("ops server exposed without a token", logx.String("addr", addr))
	}
	setProfileRates(cfg)

	inst := &instance{
		cfg: cfg,
		// The ops surface is optional; its failures never cancel the daemon.
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	inst.sup.GoRestart("http.serve",
		func(ctx context.Context) error { return s.serve(ctx, inst, addr) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	return inst
}

func (s *Service) halt(ctx context.Context, inst *instance) {
	if inst == nil {
		return
	}
	inst.sup.Cancel()
	err := inst.sup.Wait(ctx)
	if ctx.Err() != nil {
		s.log.Warn("ops server stop timed out", logx.Err(ctx.Err()))
		return
	}
	// err is the first serve failure of this run, if any.
	s.log.Info("ops server stopped", logx.Err(err))
}

// serve runs one listener until ctx ends or Serve fails.
func (s *Service) serve(ctx context.Context, inst *instance, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	cfg := inst.cfg
	srv := &http.Server{
		Handler:      s.Router(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	bound := ln.Addr().String()
	inst.addr.Store(&bound)
	defer inst.addr.Store(nil)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	s.log.Info("ops server started", logx.String("addr", bound), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))

	select {
	case err := <-served:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			err = errors.New("ops server exited unexpectedly")
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
		<-served
		return context.Canceled
	}
}

func listenAddr(cfg Config) string {
	if a := strings.TrimSpace(cfg.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

func checkExposure(cfg Config, addr string) error {
	if cfg.Token == "" && !cfg.AllowInsecure && !isLoopbackAddr(addr) {
		return errors.New("non-loopback addr requires token or allow_insecure")
	}
	return nil
}

func setProfileRates(cfg Config) {
	if !cfg.Pprof {
		return
	}
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false // every interface
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
