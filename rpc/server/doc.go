// Package server implements the service side of the context bus.
//
// NewRPCServer creates a context manager, registers the built-in providers
// configured in common.ServerConfig (the clock subject and the database backed
// custom subjects) and binds them to a transport. Requests are handed to the
// manager by an IRPCServerAdapter; when a client disconnects all of its
// subscriptions and pending reads are dropped.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Endpoint:       "/tmp/ctxd.sock",
//	  TimeoutSecond:  5,
//	  DBPath:         "/var/lib/ctxd/context.db",
//	  ClockSubject:   "time/now",
//	  ClockInterval:  time.Second,
//	  CustomSubjects: []string{"app/weather"},
//	}
//
//	s, _ := server.NewRPCServer(config, unix.NewUnixDefaultServerTransport(serializer.NewBinarySerializer()))
//	defer s.Close()
//	s.Serve()
package server
