package includesrv

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/VKCOM/includesrv/internal/errtags"
)

// compilerDefaultsKey identifies one probe result: spec.md §4.5 keys the
// cache by (compiler path, sysroot, language).
type compilerDefaultsKey struct {
	compiler string
	sysroot  string
	language string
}

// CompilerDefaults caches the built-in system include directories for
// each (compiler, sysroot, language) triple observed, grounded on
// original_source/include_server/compiler_defaults.py's
// _SystemSearchdirsGCC probe, extended per spec.md §4.5 with sysroot
// keying and a symlink-farm plan.
type CompilerDefaults struct {
	mu    sync.Mutex
	cache map[compilerDefaultsKey][]string

	// allSystemDirs is the union across every probed triple. Nothing
	// reads it: the analyzer resets the systemdir-prefix cache from each
	// request's own probe result, not from this union.
	allSystemDirs map[string]bool
}

func NewCompilerDefaults() *CompilerDefaults {
	return &CompilerDefaults{
		cache:         make(map[compilerDefaultsKey][]string),
		allSystemDirs: make(map[string]bool),
	}
}

var (
	searchStartsMarker = "#include <...> search starts here:"
	searchEndMarker    = "End of search list."
)

// Probe invokes the compiler once for (compiler, sysroot, language) if
// not already cached, and returns its default system include
// directories.
func (cd *CompilerDefaults) Probe(compiler, sysroot, language string, timer *TimeBudget) ([]string, error) {
	key := compilerDefaultsKey{compiler: compiler, sysroot: sysroot, language: language}

	cd.mu.Lock()
	if dirs, ok := cd.cache[key]; ok {
		cd.mu.Unlock()
		return dirs, nil
	}
	cd.mu.Unlock()

	dirs, err := cd.runProbe(compiler, sysroot, language, timer)
	if err != nil {
		return nil, err
	}

	cd.mu.Lock()
	cd.cache[key] = dirs
	for _, d := range dirs {
		cd.allSystemDirs[d] = true
	}
	cd.mu.Unlock()
	return dirs, nil
}

// runProbe invokes `compiler -x language -v -c /dev/null -o /dev/null`
// (plus --sysroot if set) with every environment variable except PATH
// scrubbed, and parses the stderr banner between the two markers.
// The subprocess wait is not interruptible by the request timer — the
// timer is paused around it (spec.md §4.9).
func (cd *CompilerDefaults) runProbe(compiler, sysroot, language string, timer *TimeBudget) ([]string, error) {
	args := []string{"-x", language, "-v", "-c", "/dev/null", "-o", "/dev/null"}
	if sysroot != "" {
		args = append(args, "--sysroot="+sysroot)
	}

	cmd := exec.Command(compiler, args...)
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if timer != nil {
		timer.Pause()
		defer timer.Resume()
	}

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, errtags.NewFatal("cannot invoke compiler for default-dirs probe", err)
		}
		// A non-zero exit compiling /dev/null is tolerated: the banner on
		// stderr is printed before the driver gives up.
	}

	return parseSearchDirs(stderr.String()), nil
}

func parseSearchDirs(stderrOutput string) []string {
	var dirs []string
	scanner := bufio.NewScanner(strings.NewReader(stderrOutput))
	inList := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, searchStartsMarker):
			inList = true
		case strings.Contains(line, searchEndMarker):
			inList = false
		case inList:
			dir := strings.TrimSpace(line)
			if strings.HasSuffix(dir, "(framework directory)") {
				continue
			}
			if dir == "" {
				continue
			}
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// SymlinkFarmEntry is one link the mirror-path builder must create under
// the client root so the remote worker — which rewrites -I options
// relative to its own root — still finds a system header in its
// canonical location.
type SymlinkFarmEntry struct {
	LinkPath string // path under the client root
	Target   string // absolute target the link points to
}

// PlanSymlinkFarm builds the symlink-farm entries for a set of system
// dirs, per spec.md §4.5: each link is a chain of ".." components deep
// enough to climb out of clientRootDepth nesting levels, followed by
// the absolute dir body. Redundant entries (a dir already covered by a
// shorter already-planned prefix) are collapsed, and a previously
// planned subtree is replaced when a parent directory is added later.
func PlanSymlinkFarm(systemDirs []string, clientRootDepth int) []SymlinkFarmEntry {
	sorted := append([]string(nil), systemDirs...)
	sortByLength(sorted)

	var kept []string
	for _, d := range sorted {
		covered := false
		for i, k := range kept {
			if isSubPath(k, d) {
				covered = true
				break
			}
			if isSubPath(d, k) {
				// d is a parent of a previously kept entry: replace it.
				kept[i] = d
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, d)
		}
	}

	up := strings.Repeat("../", clientRootDepth)
	entries := make([]SymlinkFarmEntry, 0, len(kept))
	for _, d := range kept {
		entries = append(entries, SymlinkFarmEntry{
			LinkPath: strings.TrimPrefix(d, "/"),
			Target:   up + strings.TrimPrefix(d, "/"),
		})
	}
	return entries
}

func sortByLength(dirs []string) {
	for i := 1; i < len(dirs); i++ {
		for j := i; j > 0 && len(dirs[j]) < len(dirs[j-1]); j-- {
			dirs[j], dirs[j-1] = dirs[j-1], dirs[j]
		}
	}
}

func isSubPath(parent, child string) bool {
	if parent == child {
		return true
	}
	p := strings.TrimSuffix(parent, "/") + "/"
	return strings.HasPrefix(child, p)
}
