package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"small-dns/pkg/config"
	"small-dns/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// readBufferSize is large enough for any UDP datagram, so the handler sees a
// packet's real length and can reject oversized ones instead of truncating them.
const readBufferSize = 65535

// Server is the UDP listener. A fixed pool of workers share one socket; each
// reads a datagram, runs it through the handler and writes the response back
// to the sender.
type Server struct {
	cfg     *config.ServerConfig
	handler *Handler
	logger  *logging.Logger

	conn    net.PacketConn
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	mu      sync.RWMutex
}

// NewServer creates a new DNS server
func NewServer(cfg *config.ServerConfig, handler *Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Listen binds the UDP socket. Start calls it when the socket is not bound yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenLocked()
}

func (s *Server) listenLocked() error {
	if s.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Start serves until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	if err := s.listenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	defer close(done)
	defer cancel()

	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	s.logger.Info("DNS server started",
		"address", conn.LocalAddr().String(),
		"workers", workers,
		"max_packet_size", s.cfg.MaxPacketSize,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return s.serve(gctx, conn)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		// unblocks workers parked in ReadFrom
		return conn.Close()
	})

	err := g.Wait()

	s.mu.Lock()
	s.running = false
	s.conn = nil
	s.mu.Unlock()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("DNS server error", "error", err)
		return err
	}
	s.logger.Info("DNS server shut down successfully")
	return nil
}

// Shutdown stops the workers and waits for them to exit or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()

	s.logger.Info("Shutting down DNS server")
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) serve(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, readBufferSize)

	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("UDP read failed", "error", err)
			continue
		}

		src, ok := addrPort(addr)
		if !ok {
			continue
		}

		resp, _ := s.handler.Handle(ctx, src, buf[:n])
		if resp == nil {
			continue
		}

		if s.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if _, err := conn.WriteTo(resp, addr); err != nil {
			// Client likely gone; nothing to report back
			s.logger.Debug("Failed to write response", "client", addr.String(), "error", err)
		}
	}
}

func addrPort(addr net.Addr) (netip.AddrPort, bool) {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.AddrPort(), true
	}
	ap, err := netip.ParseAddrPort(addr.String())
	return ap, err == nil
}
