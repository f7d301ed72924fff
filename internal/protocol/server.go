package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session answers the steps of one environment connection. A session is
// used by a single goroutine.
type Session interface {
	HandleStep(ctx context.Context, step Step) (int32, error)
	Close() error
}

// SessionFactory opens a session for a new connection once its first frame
// has revealed the environment id.
type SessionFactory func(ctx context.Context, id string, envID int32) (Session, error)

// Client is a connected environment.
type Client struct {
	ID         string
	EnvID      int32
	RemoteAddr string
}

// Server accepts environment connections and runs one goroutine per
// connection.
type Server struct {
	addr    string
	obsSize int
	factory SessionFactory
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	listener net.Listener
	conns    map[net.Conn]*Client
	closed   bool
}

// NewServer creates a server listening on addr for frames with obsSize-byte
// observations.
func NewServer(addr string, obsSize int, factory SessionFactory, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		obsSize: obsSize,
		factory: factory,
		logger:  logger.With().Str("component", "env-server").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]*Client),
	}
}

// Listen binds the listener without serving. Start calls it if needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	if s.closed {
		return net.ErrClosed
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Start accepts connections until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Environment server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = &Client{RemoteAddr: conn.RemoteAddr().String()}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serve(conn)
	}
}

// Stop closes the listener and every open connection and waits for their
// goroutines to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Environment server stopped")
	return err
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

// Clients returns a snapshot of connected environments that have opened a
// session.
func (s *Server) Clients() []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Client, 0, len(s.conns))
	for _, c := range s.conns {
		if c.ID != "" {
			out = append(out, *c)
		}
	}
	return out
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	logger := s.logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()
	err := s.handle(conn, logger)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		logger.Info().Msg("Environment disconnected")
	default:
		logger.Warn().Err(err).Msg("Environment connection closed with error")
	}
}

func (s *Server) handle(conn net.Conn, logger zerolog.Logger) error {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	var step Step
	if err := ReadStep(r, s.obsSize, &step); err != nil {
		return err
	}

	id := uuid.NewString()
	envID := step.EnvID
	session, err := s.factory(s.ctx, id, envID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close session")
		}
	}()

	s.mu.Lock()
	if c, ok := s.conns[conn]; ok {
		c.ID = id
		c.EnvID = envID
	}
	s.mu.Unlock()

	logger.Info().Str("session_id", id).Int32("env_id", envID).Msg("Environment connected")

	for {
		if step.EnvID != envID {
			return fmt.Errorf("%w: got %d, want %d", ErrEnvMismatch, step.EnvID, envID)
		}

		action, err := session.HandleStep(s.ctx, step)
		if err != nil {
			return fmt.Errorf("handle step: %w", err)
		}
		if err := WriteAction(w, action); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if err := ReadStep(r, s.obsSize, &step); err != nil {
			return err
		}
	}
}
