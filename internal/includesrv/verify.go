package includesrv

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/VKCOM/includesrv/internal/errtags"
)

// Grounded on original_source/include_server/include_server.py's
// ExactDependencies/WriteDependencies/VerifyExactDependencies: spec.md
// §6's "verify" and "write-include-closure" options, re-implemented as
// first-class operations rather than left as inert config knobs.

var depWhitespaceRE = regexp.MustCompile(`\s+`)

// exactDependencies re-runs the real preprocessor for cmd (argv[0] plus
// the original flags, minus -o, with -E -M -MF appended) and returns the
// set of realpaths it reports, excluding anything under a default
// system directory — the same no-system-header filter
// VerifyExactDependencies applies before comparing.
func exactDependencies(argv []string, currdirAbs string, reals *RealpathMap, systemdirs *SystemdirPrefixCache, translationUnit string) (map[string]bool, error) {
	outFile, err := os.CreateTemp("", "includesrv-verify-*.o")
	if err != nil {
		return nil, errtags.NewNotCovered(translationUnit, "verify: cannot create temp output file").WithCause(err)
	}
	outFile.Close()
	defer os.Remove(outFile.Name())

	depFile, err := os.CreateTemp("", "includesrv-verify-*.d")
	if err != nil {
		return nil, errtags.NewNotCovered(translationUnit, "verify: cannot create temp dependency file").WithCause(err)
	}
	depFile.Close()
	defer os.Remove(depFile.Name())

	args := append(stripOutputOption(argv[1:]), "-o", outFile.Name(), "-E", "-M", "-MF", depFile.Name())
	cmd := exec.Command(argv[0], args...)
	cmd.Dir = currdirAbs
	if err := cmd.Run(); err != nil {
		return nil, errtags.NewNotCovered(translationUnit, "verify: could not invoke the real preprocessor").WithCause(err)
	}

	raw, err := os.ReadFile(depFile.Name())
	if err != nil {
		return nil, errtags.NewNotCovered(translationUnit, "verify: could not read dependency file").WithCause(err)
	}

	deps := make(map[string]bool)
	for _, tok := range parseMakeDeps(string(raw)) {
		abs := tok
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(currdirAbs, tok)
		}
		realID, err := reals.Intern(abs)
		if err != nil {
			continue
		}
		if systemdirs.StartsWithSystemdir(realID) {
			continue
		}
		deps[reals.String(realID)] = true
	}
	return deps, nil
}

// parseMakeDeps strips the Makefile target and line-continuation
// backslashes from a "-M -MF" dependency file and splits what remains
// into filenames.
func parseMakeDeps(dotd string) []string {
	if idx := strings.Index(dotd, ":"); idx >= 0 {
		dotd = dotd[idx+1:]
	}
	dotd = strings.ReplaceAll(dotd, "\\\n", " ")
	dotd = strings.ReplaceAll(dotd, "\n", " ")
	var out []string
	for _, tok := range depWhitespaceRE.Split(dotd, -1) {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// stripOutputOption removes a preceding "-o <file>" or "-ofile" pair so
// the verify invocation can append its own -o pointing at a scratch file.
func stripOutputOption(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "-o" {
			i++
			continue
		}
		if strings.HasPrefix(a, "-o") && a != "-o" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// verifyExactDependencies compares the computed closure against the
// real preprocessor's exact dependency set, returning one warning per
// exact dependency missing from the closure (extra closure entries are
// not reported) instead of failing the request (SPEC_FULL.md's
// SUPPLEMENTED FEATURES deliberately softens include_server.py's
// NotCoveredError into a warning: a verify mismatch should surface the
// gap, not take down the build).
func verifyExactDependencies(closureRealpaths []string, exact map[string]bool) []string {
	seen := make(map[string]bool, len(closureRealpaths))
	for _, r := range closureRealpaths {
		seen[r] = true
	}
	var warnings []string
	for r := range exact {
		if !seen[r] {
			warnings = append(warnings, "verify: computed closure is missing a real dependency: "+r)
		}
	}
	return warnings
}

// writeClosureFile writes one realpath per line to path, the same
// one-name-per-line format WriteDependencies produces.
func writeClosureFile(path string, realpaths []string) error {
	var b strings.Builder
	for _, r := range realpaths {
		b.WriteString(r)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errtags.NewFatal("could not write include closure to "+path, err)
	}
	return nil
}
