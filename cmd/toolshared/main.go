// Command toolshared runs the tool-sharing scheduler server: it accepts
// customer connections on a TCP or Unix socket, runs k tool goroutines under
// the shared scheduler, and optionally exposes Prometheus metrics over
// HTTP. Grounded on the teacher pack's cmd/warren/main.go: a cobra root
// command with persistent logging flags, cobra.OnInitialize wiring the
// logger, and signal.Notify-driven graceful shutdown. The four positional
// arguments (conn, q, Q, k) and their validation follow
// original_source/code/hw1.c's main() exactly.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agutierrez/toolshare/internal/acceptor"
	"github.com/agutierrez/toolshare/internal/obslog"
	"github.com/agutierrez/toolshare/internal/obsmetrics"
	"github.com/agutierrez/toolshare/internal/sched"
	"github.com/agutierrez/toolshare/internal/toolrunner"
)

// maxTools mirrors original_source/code/hw1.c's MAX_TOOLS.
const maxTools = 100

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "toolshared conn q Q k",
	Short: "toolshared shares k exclusive tools fairly among connected customers",
	Long: `toolshared shares k exclusive tools fairly among connected customers.

Arguments:
  conn  @/path/to/socket (Unix) or host:port (TCP)
  q     minimum tool usage limit, in ms, before preemption is considered
  Q     maximum tool usage limit, in ms, before a session is force-preempted
  k     number of tools (1-100)`,
	Args: cobra.ExactArgs(4),
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.Int("capacity", 256, "maximum number of simultaneously connected customers")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")
	flags.String("metrics-addr", "", "address to serve /metrics on; empty disables it")
	flags.Duration("metrics-interval", 5*time.Second, "how often to refresh gauge/histogram metrics from a scheduler snapshot")

	cobra.OnInitialize(func() {
		level, _ := flags.GetString("log-level")
		jsonOut, _ := flags.GetBool("log-json")
		obslog.Init(obslog.Config{Level: obslog.Level(level), JSON: jsonOut})
	})
}

// parseArgs parses and validates the four positional arguments exactly as
// hw1.c's main() does: q>0, Q>0, 0<k<=maxTools, otherwise "Invalid
// parameters" on stderr and a non-zero exit.
func parseArgs(args []string) (conn string, q, Q time.Duration, k int, err error) {
	conn = args[0]

	qMS, err1 := strconv.Atoi(args[1])
	QMS, err2 := strconv.Atoi(args[2])
	kVal, err3 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return "", 0, 0, 0, fmt.Errorf("invalid parameters: q, Q, and k must be integers")
	}

	if qMS <= 0 || QMS <= 0 || kVal <= 0 || kVal > maxTools {
		return "", 0, 0, 0, fmt.Errorf("invalid parameters")
	}

	return conn, time.Duration(qMS) * time.Millisecond, time.Duration(QMS) * time.Millisecond, kVal, nil
}

func run(cmd *cobra.Command, args []string) error {
	conn, q, maxQuantum, numTools, err := parseArgs(args)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	capacity, _ := flags.GetInt("capacity")
	metricsAddr, _ := flags.GetString("metrics-addr")
	metricsInterval, _ := flags.GetDuration("metrics-interval")

	logger := obslog.WithComponent("server")

	s := sched.New(q, maxQuantum, numTools, capacity,
		sched.WithLogger(logger),
		sched.WithObserver(obsmetrics.Recorder{}),
	)

	ln, err := acceptor.Listen(conn)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", conn, err)
	}

	idleTickerStop := make(chan struct{})
	go s.RunIdleTicker(idleTickerStop)

	var runnerWG sync.WaitGroup
	for i := 0; i < numTools; i++ {
		runnerWG.Add(1)
		go func(toolID int) {
			defer runnerWG.Done()
			toolrunner.Run(s, toolID, logger)
		}(i)
	}

	var agentWG sync.WaitGroup
	acceptDone := make(chan error, 1)
	go func() { acceptDone <- acceptor.Serve(ln, s, logger, &agentWG) }()

	var metricsSrv *http.Server
	metricsTickerStop := make(chan struct{})
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", obsmetrics.Handler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			logger.Info().Str("addr", metricsAddr).Msg("serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		go runMetricsTicker(s, metricsInterval, metricsTickerStop)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	s.Shutdown()
	close(idleTickerStop)
	acceptor.Shutdown(ln, conn)
	if metricsSrv != nil {
		close(metricsTickerStop)
		_ = metricsSrv.Close()
	}

	runnerWG.Wait()
	<-acceptDone
	agentWG.Wait()
	return nil
}

// runMetricsTicker periodically samples a scheduler snapshot into the
// gauge/histogram metrics, which (unlike the event counters obsmetrics.
// Recorder drives inline) aren't cheap to keep exact on every mutation.
func runMetricsTicker(s *sched.Scheduler, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			obsmetrics.Refresh(s)
		}
	}
}
