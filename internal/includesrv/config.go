package includesrv

import "time"

// Debug bitmask values (spec.md §6's "debug pattern" option).
const (
	DebugWarnings = 1 << 0
	DebugTrace1   = 1 << 1
	DebugTrace2   = 1 << 2
	DebugTrace3   = 1 << 3
	DebugDump     = 1 << 4
)

// Config is the analyzer's single immutable settings object, built once
// at process startup from common.CmdEnv* flag/env pairs and then passed
// by value (or as a read-only pointer) everywhere — spec.md §9 DESIGN
// NOTES: "a single immutable Config struct instead of global flags",
// replacing the teacher's pattern of reading package-level *string/*bool
// pointers from all over the call graph (see cmd/nocc-daemon/main.go).
type Config struct {
	// Debug is the bitmask controlling warning/trace/dump verbosity.
	Debug int64

	// UnsafeAbsoluteIncludes tolerates absolute #include operands by
	// silently skipping them instead of treating the command as
	// not-covered.
	UnsafeAbsoluteIncludes bool

	// NoForceDirs skips emission of must-exist-dir placeholder files in
	// the staged response.
	NoForceDirs bool

	// StatResetTriggers is the list of glob patterns re-evaluated before
	// every request (spec.md §4.8).
	StatResetTriggers []string

	// PathObservationPattern, when non-empty, is a regular expression;
	// a resolved realpath matching it produces a warning in the
	// response (spec.md §6).
	PathObservationPattern string

	// Verify additionally runs the real preprocessor per request and
	// compares its dependency set against the computed closure.
	Verify bool

	// WriteIncludeClosure, when non-empty, is a directory to which the
	// computed (and, if Verify is set, the exact) closure is written
	// for offline inspection.
	WriteIncludeClosure string

	// TimeQuota overrides DefaultUserTimeQuota.
	TimeQuota time.Duration

	// ClientRootBaseDir is the directory under which per-generation
	// staging roots are created.
	ClientRootBaseDir string

	// FatalReportRateLimit bounds how often a Fatal error triggers the
	// optional bounded-rate report (spec.md §7).
	FatalReportRateLimit time.Duration
}

// DefaultConfig returns a Config with every optional field at its
// spec.md §6 default (nothing enabled beyond the base quota).
func DefaultConfig() Config {
	return Config{
		TimeQuota:            DefaultUserTimeQuota,
		ClientRootBaseDir:    "/tmp/includesrv-roots",
		FatalReportRateLimit: time.Minute,
	}
}

func (c Config) effectiveQuota() time.Duration {
	if c.TimeQuota <= 0 {
		return DefaultUserTimeQuota
	}
	return c.TimeQuota
}
