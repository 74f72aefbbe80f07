package server

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ConnHandler takes ownership of accepted connections.
type ConnHandler interface {
	AddPeer(id string, conn net.Conn)
}

type Server interface {
	// Serve accepts connections until ctx is done.
	Serve(ctx context.Context) error
	GetServerPort() int
}

type server struct {
	port     int
	listener net.Listener
	pm       ConnHandler
	logger   zerolog.Logger
}

var (
	listen = net.Listen
)

// NewServer listens on port, 0 picking any free port.
func NewServer(
	pm ConnHandler,
	port int,
	logger zerolog.Logger) (Server, error) {

	listener, err := listen("tcp4", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, errors.Wrap(err, "peer listener")
	}
	sv := &server{
		pm:       pm,
		listener: listener,
		logger:   logger.With().Str("component", "server").Logger(),
	}
	sv.port = sv.listener.Addr().(*net.TCPAddr).Port
	sv.logger.Debug().Int("port", sv.port).Msg("listening for peers")
	return sv, nil
}

func (sv *server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { sv.listener.Close() })
	defer stop()
	defer sv.listener.Close()

	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				sv.logger.Debug().Msg("safely terminating peer listener")
				return nil
			}
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept")
		}
		sv.pm.AddPeer(conn.RemoteAddr().String(), conn)
	}
}

func (sv *server) GetServerPort() int {
	return sv.port
}
