// Package acceptor owns the listening socket: it chooses between a Unix
// domain socket and a TCP socket depending on the configured address, then
// runs the accept loop, spawning one internal/agent.Serve goroutine per
// connection. Grounded on the teacher's internal/server.ListenAndServe
// (net.Listen + accept loop + goroutine-per-connection) and on the
// original's create_server_socket, which is where the "@path means Unix
// socket" convention comes from.
package acceptor

import (
	"errors"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agutierrez/toolshare/internal/agent"
	"github.com/agutierrez/toolshare/internal/sched"
	"github.com/agutierrez/toolshare/internal/util"
)

// Listen opens the listening socket for addr. An addr beginning with "@" is
// treated as a Unix domain socket path (the "@" stripped); any other addr is
// listened on as a TCP host:port.
func Listen(addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, "@"); ok {
		_ = os.Remove(path)
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", addr)
}

// Serve runs the accept loop on ln until it is closed, spawning an
// internal/agent.Serve goroutine for each accepted connection. It returns
// once ln.Accept starts failing (typically because Shutdown closed ln).
func Serve(ln net.Listener, s *sched.Scheduler, logger zerolog.Logger, wg *sync.WaitGroup) error {
	log := logger.With().Str("component", "acceptor").Logger()
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info().Msg("listener closed, accept loop exiting")
				return nil
			}
			return err
		}

		trace := util.NewTraceID()
		log.Debug().Str("trace_id", trace).Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")

		wg.Add(1)
		go func() {
			defer wg.Done()
			agent.Serve(conn, s, logger)
		}()
	}
}

// Shutdown closes ln and, if it was a Unix domain socket, unlinks its path
// so a subsequent run can bind the same address.
func Shutdown(ln net.Listener, addr string) {
	ln.Close()
	if path, ok := strings.CutPrefix(addr, "@"); ok {
		_ = os.Remove(path)
	}
}
