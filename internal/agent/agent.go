// Package agent implements one per-connection actor: a socket-reader half
// that decodes client commands and drives the scheduler, and an
// event-forwarder half that writes asynchronous scheduler events back to the
// client. Grounded on the teacher's internal/server.HandleConn, which plays
// the same per-connection role for HTTP/1.0 requests; here the protocol is
// a persistent line stream rather than one-shot request/response, so the
// single handler splits into two goroutines instead of one.
package agent

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agutierrez/toolshare/internal/report"
	"github.com/agutierrez/toolshare/internal/sched"
	"github.com/agutierrez/toolshare/internal/wire"
)

// Serve handles one accepted connection end to end: allocating a customer,
// running the socket-reader and event-forwarder halves, and cleaning up the
// customer's scheduler slot on exit. It blocks until the connection closes.
func Serve(conn net.Conn, s *sched.Scheduler, logger zerolog.Logger) {
	defer conn.Close()

	connID := uuid.New().String()
	customerID := s.NextCustomerID()
	log := logger.With().Str("conn_id", connID).Int64("customer_id", customerID).Logger()

	handle, ok := s.Allocate(customerID)
	if !ok {
		log.Warn().Msg("customer table full, rejecting connection")
		return
	}
	log.Info().Msg("customer connected")

	var writeMu sync.Mutex
	writeLine := func(line string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := conn.Write([]byte(line))
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		forwardEvents(s, handle, writeLine, log)
	}()

	readCommands(conn, s, handle, writeLine, log)

	s.OnDisconnect(handle)
	wg.Wait()
	log.Info().Msg("customer disconnected")
}

// readCommands is the socket-reader half: it decodes one line at a time and
// mutates scheduler state accordingly, until the connection closes or the
// client sends QUIT.
func readCommands(conn net.Conn, s *sched.Scheduler, handle int, writeLine func(string) error, log zerolog.Logger) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, ok := wire.ParseCommand(line)
		if !ok {
			continue
		}

		switch cmd.Kind {
		case wire.CmdRequest:
			s.OnRequest(handle, time.Duration(cmd.DurationMS)*time.Millisecond)
		case wire.CmdUpgrade:
			s.OnUpgrade(handle, time.Duration(cmd.DurationMS)*time.Millisecond)
		case wire.CmdRest:
			s.OnRest(handle)
		case wire.CmdReport:
			if err := writeLine(report.Render(s.Snapshot())); err != nil {
				log.Debug().Err(err).Msg("write failed, closing connection")
				return
			}
		case wire.CmdQuit:
			return
		}
	}
}

// forwardEvents is the event-forwarder half: it blocks on the scheduler's
// per-customer event mailbox and relays every event as a formatted line,
// until the customer is deallocated (WaitEvent returns ok=false).
func forwardEvents(s *sched.Scheduler, handle int, writeLine func(string) error, log zerolog.Logger) {
	for {
		ev, ok := s.WaitEvent(handle)
		if !ok {
			return
		}
		line := wire.FormatEvent(ev.Kind, ev.CustomerID, int64(ev.Share), ev.ToolID)
		if err := writeLine(line); err != nil {
			log.Debug().Err(err).Msg("event write failed")
			return
		}
	}
}
