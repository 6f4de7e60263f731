// Package toolrunner implements the per-tool tick loop: one goroutine per
// exclusive tool, advancing its bound customer's usage, enforcing q/Q
// preemption, and dispatching the next waiter when a session ends. It plays
// the same role the teacher's internal/server.ListenAndServe accept loop
// plays for connections — a dedicated loop per concurrent actor kind — but
// here the actor is a tool rather than a socket.
package toolrunner

import (
	"time"

	"github.com/agutierrez/toolshare/internal/sched"
	"github.com/rs/zerolog"
)

// TickInterval is how often a bound tool re-evaluates its customer's
// remaining duration and preemption eligibility. The original polled every
// ~10ms; here the runner waits on time.After(TickInterval), cut short when
// the scheduler signals the tool's wake channel.
const TickInterval = 10 * time.Millisecond

// Run drives tool toolID until the scheduler is shut down. Call it in its
// own goroutine, one per tool, for the lifetime of the server.
func Run(s *sched.Scheduler, toolID int, logger zerolog.Logger) {
	log := logger.With().Int("tool_id", toolID).Logger()
	log.Debug().Msg("tool runner starting")

	for {
		if s.ShouldExit() {
			log.Debug().Msg("tool runner exiting")
			return
		}

		if idle := s.ToolTick(toolID); idle {
			if exit := s.WaitForIdleTool(toolID); exit {
				log.Debug().Msg("tool runner exiting while idle")
				return
			}
			continue
		}

		select {
		case <-time.After(TickInterval):
		case <-s.ToolWake(toolID):
		}
	}
}
