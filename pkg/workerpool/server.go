package workerpool

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/rs/zerolog"

	"github.com/pogo-fleet/pogo/internal/log"
	"github.com/pogo-fleet/pogo/pkg/security"
)

// Server accepts worker TLS connections and hands each one's HELLO to the
// Pool for registration.
type Server struct {
	pool      *Pool
	tlsConfig *tls.Config
	logger    zerolog.Logger
}

// NewServer returns a Server that accepts connections per tlsConfig
// (mutual-auth: ClientAuth must be tls.RequireAndVerifyClientCert for the
// pinning check in handleConn to mean anything) and registers them with
// pool.
func NewServer(pool *Pool, tlsConfig *tls.Config) *Server {
	return &Server{pool: pool, tlsConfig: tlsConfig, logger: log.WithComponent("workerpool.server")}
}

// Serve accepts connections on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("TLS handshake failed")
			_ = conn.Close()
			return
		}
	}

	// Read the HELLO straight off the conn: ReadMessage consumes exactly one
	// frame, so no later bytes are buffered away from the pool's read loop,
	// which owns the connection once Register returns.
	msg, err := ReadMessage(conn)
	if err != nil || msg.Type != MsgHello {
		s.logger.Warn().Err(err).Msg("expected HELLO as first frame")
		_ = conn.Close()
		return
	}

	fingerprint := ""
	if ok {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			fingerprint = security.Fingerprint(state.PeerCertificates[0].Raw)
		}
	}

	w, err := s.pool.Register(msg.WorkerID, msg.Capacity, fingerprint, conn)
	if err != nil {
		s.logger.Warn().Err(err).Str("worker_id", msg.WorkerID).Msg("rejecting worker registration")
		_ = conn.Close()
		return
	}
	s.logger.Info().Str("worker_id", msg.WorkerID).Int("capacity", w.capacity).Str("version", msg.Version).Msg("worker connected")
}
