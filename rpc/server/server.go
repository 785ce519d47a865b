package server

import (
	"errors"
	"fmt"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/ValentinKolb/ctxd/lib/ctxmgr"
	"github.com/ValentinKolb/ctxd/lib/db"
	"github.com/ValentinKolb/ctxd/lib/loop"
	"github.com/ValentinKolb/ctxd/lib/providers/clock"
	"github.com/ValentinKolb/ctxd/lib/providers/custom"
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates the context service: the context manager, the built-in
// providers configured in config and the shared database they use.
//
// Usage:
//
//	s, err := server.NewRPCServer(
//		config,
//		unix.NewUnixDefaultServerTransport(serializer.NewBinarySerializer()),
//	)
//	if err != nil {
//		panic(err)
//	}
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(config common.ServerConfig, transport transport.IRPCServerTransport) (*RPCServer, error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &RPCServer{
		config:    config,
		transport: transport,
		manager:   ctxmgr.New(config.Timeout()),
	}
	s.adapter = NewCtxMgrServerAdapter(s.manager)

	if err := s.init(); err != nil {
		s.release()
		return nil, err
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return s, nil
}

// RPCServer binds a transport to a context manager
type RPCServer struct {
	config    common.ServerConfig
	transport transport.IRPCServerTransport
	adapter   IRPCServerAdapter
	manager   *ctxmgr.Manager

	// database callbacks run on this loop
	dbLoop *loop.Loop
	shared *db.Shared

	// worker gauges, see WritePrometheus
	metrics *metrics.Set

	clock  *clock.Provider
	custom []*custom.Provider

	closeOnce sync.Once
}

func (s *RPCServer) init() error {
	if s.config.DBPath != "" {
		s.dbLoop = loop.New("db-dispatch")
		s.shared = db.NewShared(s.config.DBPath, db.WithDispatcher(s.dbLoop))
	}
	s.registerWorkerGauges()

	// CREATE PROVIDERS

	if s.config.ClockSubject != "" {
		s.clock = clock.New(s.manager, s.config.ClockSubject, s.config.ClockInterval)
		if err := s.manager.RegisterProvider(s.config.ClockSubject, s.clock); err != nil {
			return fmt.Errorf("failed to register clock provider: %w", err)
		}
	}

	for _, subject := range s.config.CustomSubjects {
		if s.shared == nil {
			return fmt.Errorf("custom subject %s needs a database path", subject)
		}
		p, err := custom.New(s.manager, s.shared, subject)
		if err != nil {
			return err
		}
		s.custom = append(s.custom, p)
		if err := s.manager.RegisterProvider(subject, p); err != nil {
			return fmt.Errorf("failed to register custom provider: %w", err)
		}
	}

	Logger.Infof("ctxd setup completed successfully")

	// Configure the transport layer
	s.transport.RegisterHandler(s.adapter.Handle)
	s.transport.RegisterDisconnectHandler(func(peer transport.Peer) {
		Logger.Debugf("client %s disconnected", peer.ID())
		s.manager.RemoveClient(peer)
	})

	return nil
}

// Manager returns the context manager of the server. Further providers can be
// registered with it.
func (s *RPCServer) Manager() *ctxmgr.Manager {
	return s.manager
}

// Serve starts the transport and blocks until Close is called
func (s *RPCServer) Serve() error {
	return s.transport.Listen(s.config)
}

// Close stops the transport, all subscriptions and providers and closes the
// database
func (s *RPCServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.transport.Close()
		s.manager.Close()
		err = errors.Join(err, s.release())
	})
	return err
}

// release closes the providers and the database
func (s *RPCServer) release() error {
	var errs []error
	if s.clock != nil {
		s.clock.Close()
	}
	for _, p := range s.custom {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.dbLoop != nil {
		if err := s.dbLoop.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
