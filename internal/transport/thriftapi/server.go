package thriftapi

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/apache/thrift/lib/go/thrift"

	"fleet-dispatch/internal/auth"
	"fleet-dispatch/internal/service"
)

// maxFrameSize bounds a single framed message; NearestTrucks replies are the
// largest and stay well below it.
const maxFrameSize = 4 << 20

// Server serves the dispatch processor over framed binary Thrift.
type Server struct {
	addr   string
	server *thrift.TSimpleServer
	logger *slog.Logger
}

func NewServer(addr string, svc *service.Service, authenticator *auth.Authenticator, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	socket, err := thrift.NewTServerSocketTimeout(addr, 30*time.Second)
	if err != nil {
		return nil, err
	}
	conf := &thrift.TConfiguration{
		MaxFrameSize:   maxFrameSize,
		ConnectTimeout: 5 * time.Second,
		SocketTimeout:  30 * time.Second,
	}
	transportFactory := thrift.NewTFramedTransportFactoryConf(thrift.NewTTransportFactory(), conf)
	protocolFactory := thrift.NewTBinaryProtocolFactoryConf(conf)
	server := thrift.NewTSimpleServer4(NewProcessor(svc, authenticator), socket, transportFactory, protocolFactory)
	server.SetLogger(func(msg string) { logger.Warn("thrift", "msg", msg) })
	return &Server{addr: addr, server: server, logger: logger}, nil
}

// Serve blocks until Stop is called.
func (s *Server) Serve() error {
	err := s.server.Serve()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	if err := s.server.Stop(); err != nil {
		s.logger.Warn("thrift stop", "addr", s.addr, "err", err)
	}
}
