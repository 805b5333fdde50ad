package nomagic

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/tcplisten"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultConcurrency is the ceiling on simultaneously served connections
// when Server.Concurrency is left at zero.
const DefaultConcurrency = 256 * 1024

// shutdownIdleSweepDelay is how long Shutdown waits before its follow-up
// idle-connection sweep (§4.11), giving a connection whose Accept() raced
// the first sweep time to land in the idle list.
const shutdownIdleSweepDelay = 100 * time.Millisecond

// Server is the Server Loop of §4.11: it accepts connections, spawns one
// exchange loop per connection through the worker pool, and coordinates
// graceful shutdown with the Idle Timer and idle-connection sweep.
type Server struct {
	Routes       RouteTable
	ErrorHandler ErrorHandler
	Config       Config
	Logger       Logger
	EventSink    EventSink

	// Concurrency caps simultaneously served connections; zero uses
	// DefaultConcurrency.
	Concurrency int

	// ReusePort enables SO_REUSEPORT on the listening socket via
	// tcplisten, letting multiple processes share one address.
	ReusePort bool

	ln        net.Listener
	wp        *workerPool
	idle      idleConnList
	running   atomic.Bool
	addr      string
	admission *rate.Limiter
}

// idleAdmission builds the Idle-Timer Admission limiter (§4.13) from
// Config, or nil when IdleAdmissionRate is zero — the common case, in which
// every connection arms its idle timer immediately. Serve calls this once,
// before accepting any connection, so every exchangeRunner shares one
// limiter instance.
func (s *Server) idleAdmission() *rate.Limiter {
	if s.Config.IdleAdmissionRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.Config.IdleAdmissionRate), s.Config.IdleAdmissionBurst)
}

func (s *Server) logger() Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return defaultLogger
}

func (s *Server) eventSink() EventSink {
	if s.EventSink != nil {
		return s.EventSink
	}
	return noopEventSink{}
}

func (s *Server) getConcurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return DefaultConcurrency
}

// ListenAndServe opens addr via tcplisten (tuned for SO_REUSEPORT when
// configured) and serves it until Shutdown or Kill.
func (s *Server) ListenAndServe(addr string) error {
	cfg := tcplisten.Config{
		ReusePort:   s.ReusePort,
		DeferAccept: true,
		Backlog:     s.getConcurrency(),
	}
	ln, err := cfg.NewListener("tcp4", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln, dispatching each to a worker-pool
// goroutine running an exchangeRunner, until ln closes (ordinary
// graceful-stop path) or a fatal accept error occurs.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	s.addr = ln.Addr().String()
	s.running.Store(true)
	s.admission = s.idleAdmission()

	s.wp = &workerPool{
		WorkerFunc:      s.serveConn,
		MaxWorkersCount: s.getConcurrency(),
		Logger:          s.logger(),
	}
	s.wp.Start()
	defer s.wp.Stop()

	s.eventSink().ServerStarted(s.addr)
	defer s.eventSink().ServerStopped(s.addr)

	var lastOverflow time.Time
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				time.Sleep(time.Second)
				continue
			}
			return err
		}
		if !s.wp.Serve(c) {
			_ = c.Close()
			if time.Since(lastOverflow) > time.Minute {
				s.logger().Printf("rejecting connection: %d concurrent connections already served", s.getConcurrency())
				lastOverflow = time.Now()
			}
		}
	}
}

// serveConn runs one connection's exchange loop to completion (§4.10),
// tracking it on the idle list until its first byte arrives.
func (s *Server) serveConn(c net.Conn) error {
	item := &idleConnListItem{c: c}
	item.connTime.Store(time.Now().UnixNano())
	s.idle.insertBack(item)
	defer s.idle.remove(item)

	runner := newExchangeRunner(c, &s.Config, s.Routes, s.ErrorHandler, s.eventSink(), &s.running, s.admission)
	return runner.Run(context.Background())
}

// Shutdown stops accepting new connections, closes genuinely idle ones
// immediately, and waits up to the context's deadline for the rest to
// finish their in-flight exchange on their own. Connections still open
// when ctx expires are left running; call Kill to force them closed too.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)

	var g errgroup.Group
	g.Go(func() error {
		if s.ln == nil {
			return nil
		}
		return s.ln.Close()
	})
	g.Go(func() error {
		s.idle.closeIdle()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// A connection whose Accept() raced the sweep above may not have
	// reached the idle list in time; this short follow-up catches it
	// (§4.11) before we start waiting on in-flight exchanges.
	select {
	case <-time.After(shutdownIdleSweepDelay):
		s.idle.closeIdle()
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		if s.wp != nil {
			s.wp.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill closes the listener and every still-open connection immediately,
// without waiting for in-flight exchanges to finish.
func (s *Server) Kill() error {
	s.running.Store(false)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.idle.forEach(func(item *idleConnListItem) {
		_ = item.c.Close()
	})
	return err
}
