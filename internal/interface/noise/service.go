package noise_interface

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/revault/cosignerd/internal/core/application"
	"github.com/revault/cosignerd/pkg/protocol"
	"github.com/revault/cosignerd/pkg/transport"
)

type service struct {
	cfg      Config
	appSvc   *application.Service
	listener net.Listener

	wg sync.WaitGroup
}

func NewService(cfg Config, appSvc *application.Service) (*service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", err)
	}
	if appSvc == nil {
		return nil, fmt.Errorf("missing application service")
	}
	return &service{cfg: cfg, appSvc: appSvc}, nil
}

func (s *service) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %s", s.cfg.Listen, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve()

	log.Infof("started listening at %s", listener.Addr())
	return nil
}

func (s *service) Stop() {
	// Stop runs as an exit handler registered before Start, so it must
	// tolerate a bind that never happened.
	if s.listener == nil {
		return
	}
	// nolint:all
	s.listener.Close()
	s.wg.Wait()
	log.Info("stopped cosigning server")
}

// Addr returns the address the service is listening on, nil before Start.
func (s *service) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *service) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("failed to accept connection")
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection serves a single ceremony: handshake, one request frame,
// one response frame. Failures before a request was fully processed drop the
// connection without writing anything back, the manager retries on a fresh
// connection.
func (s *service) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	// nolint:all
	defer conn.Close()

	remoteAddr := conn.RemoteAddr()
	if err := conn.SetDeadline(time.Now().Add(s.cfg.connTimeout())); err != nil {
		log.WithError(err).Error("failed to set connection deadline")
		return
	}

	peer, err := transport.Accept(conn, s.cfg.NoiseKey, s.cfg.Managers)
	if err != nil {
		log.WithError(err).WithField("remote", remoteAddr).Info(
			"dropping connection: handshake failed",
		)
		return
	}

	logger := log.WithFields(log.Fields{
		"remote":  remoteAddr,
		"manager": peer.RemoteStatic(),
	})

	frame, err := peer.ReadFrame()
	if err != nil {
		logger.WithError(err).Info("dropping connection: failed to read request")
		return
	}

	rawTx, err := protocol.DecodeSignRequest(frame)
	if err != nil {
		logger.WithError(err).Debug("dropping connection: malformed sign request")
		return
	}

	respTx, err := s.appSvc.ProcessSignRequest(context.Background(), rawTx)
	if err != nil {
		if errors.Is(err, application.ErrInvalidSpendTx) {
			logger.WithError(err).Debug("dropping connection: invalid spend transaction")
		} else {
			logger.WithError(err).Error("failed to process sign request")
		}
		return
	}

	resp, err := protocol.EncodeSignResponse(respTx)
	if err != nil {
		logger.WithError(err).Error("failed to encode sign response")
		return
	}
	if err := peer.WriteFrame(resp); err != nil {
		// The ledger commit already happened, replaying the request on a
		// fresh connection yields the same response.
		logger.WithError(err).Info("failed to write sign response")
	}
}
