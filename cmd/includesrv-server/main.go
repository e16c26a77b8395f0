// includesrv-server is the daemon entry point: it loads Config from
// flags/env, constructs an Analyzer, and serves requests over a Unix
// domain socket until signalled to stop.
//
// Flag/env conventions and the overall main() shape are grounded on
// VKCOM-nocc's cmd/nocc-server/main.go (same CmdEnvString/CmdEnvBool/
// CmdEnvInt/CmdEnvDuration declarations, the same failedStart() exit
// convention, SIGTERM/SIGINT handling).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VKCOM/includesrv/internal/common"
	"github.com/VKCOM/includesrv/internal/includesrv"
	"github.com/VKCOM/includesrv/internal/server"
)

func failedStart(message string, err error) {
	fmt.Println(message, err)
	os.Exit(1)
}

func main() {
	showVersion := common.CmdEnvBool("show version and exit", false, "version", "")
	showVersionShort := common.CmdEnvBool("same as -version", false, "v", "")

	sockPath := common.CmdEnvString("unix socket path to listen on", "/tmp/includesrv.sock", "sock", "INCLUDESRV_SOCK")
	logFilename := common.CmdEnvString("log filename (or 'stderr')", "stderr", "log-filename", "INCLUDESRV_LOG_FILENAME")
	logVerbosity := common.CmdEnvInt("log verbosity level", 0, "log-verbosity", "INCLUDESRV_LOG_VERBOSITY")
	statsdHostPort := common.CmdEnvString("statsd host:port to report counters to ('' disables)", "", "statsd", "INCLUDESRV_STATSD")

	clientRootBaseDir := common.CmdEnvString("base dir under which per-generation client roots are created", "/tmp/includesrv-roots", "client-root-base-dir", "INCLUDESRV_CLIENT_ROOT_BASE_DIR")
	timeQuota := common.CmdEnvDuration("per-request time budget before falling back to not-covered", includesrv.DefaultUserTimeQuota, "time-quota", "INCLUDESRV_TIME_QUOTA")
	unsafeAbsoluteIncludes := common.CmdEnvBool("accept absolute #include operands instead of rejecting them", false, "unsafe-absolute-includes", "INCLUDESRV_UNSAFE_ABSOLUTE_INCLUDES")
	noForceDirs := common.CmdEnvBool("don't report placeholder directories for empty mirrored dirs", false, "no-force-dirs", "INCLUDESRV_NO_FORCE_DIRS")
	statResetTriggers := common.CmdEnvString("comma-separated glob patterns; a match change clears every cache", "", "stat-reset-triggers", "INCLUDESRV_STAT_RESET_TRIGGERS")
	pathObservationPattern := common.CmdEnvString("regexp; a staged path matching it is reported as a response warning", "", "path-observation-pattern", "INCLUDESRV_PATH_OBSERVATION_PATTERN")
	fatalReportRateLimit := common.CmdEnvDuration("minimum interval between two fatal-error reports", time.Minute, "fatal-report-rate-limit", "INCLUDESRV_FATAL_REPORT_RATE_LIMIT")
	debug := common.CmdEnvInt("debug bitmask: 1=warnings, 2/4/8=trace levels 1-3, 16=dumps", 0, "debug", "INCLUDESRV_DEBUG")
	verify := common.CmdEnvBool("re-run the real preprocessor per request and warn on divergence from the computed closure", false, "verify", "INCLUDESRV_VERIFY")
	writeIncludeClosure := common.CmdEnvString("directory to write each request's computed (and, if -verify, exact) closure to ('' disables)", "", "write-include-closure", "INCLUDESRV_WRITE_INCLUDE_CLOSURE")

	common.ParseCmdFlagsCombiningWithEnv()

	if *showVersion || *showVersionShort {
		fmt.Println(common.GetVersion())
		return
	}

	log, err := common.MakeLogger(*logFilename, *logVerbosity, false, false)
	if err != nil {
		failedStart("can't create logger:", err)
	}

	cfg := includesrv.DefaultConfig()
	cfg.ClientRootBaseDir = *clientRootBaseDir
	cfg.TimeQuota = *timeQuota
	cfg.UnsafeAbsoluteIncludes = *unsafeAbsoluteIncludes
	cfg.NoForceDirs = *noForceDirs
	cfg.PathObservationPattern = *pathObservationPattern
	cfg.FatalReportRateLimit = *fatalReportRateLimit
	cfg.Debug = *debug
	cfg.Verify = *verify
	cfg.WriteIncludeClosure = *writeIncludeClosure
	if *statResetTriggers != "" {
		cfg.StatResetTriggers = splitNonEmpty(*statResetTriggers, ',')
	}

	stats, err := includesrv.NewStats(*statsdHostPort)
	if err != nil {
		failedStart("can't init stats:", err)
	}
	defer stats.Close()

	reporter := includesrv.NewRateLimitedReporter(includesrv.LogReporter{Log: log}, 10, cfg.FatalReportRateLimit)

	analyzer, err := includesrv.NewAnalyzer(cfg, reporter, stats, log)
	if err != nil {
		failedStart("can't init analyzer:", err)
	}

	srv := server.NewServer(analyzer, log)
	if err := srv.Listen(*sockPath); err != nil {
		failedStart("can't listen on socket:", err)
	}

	log.Info(0, "includesrv-server", common.GetVersion(), "listening on", *sockPath)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info(0, "received signal, shutting down")
		srv.Stop()
	}()

	go statsdLoop(stats)

	srv.Serve()
}

func statsdLoop(stats *includesrv.Stats) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stats.SendToStatsd()
	}
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
