package includesrv

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/VKCOM/includesrv/internal/common"
	"github.com/VKCOM/includesrv/internal/errtags"
)

// minStagingDepth is the "three directory components" protocol
// invariant from spec.md §6 (Staging layout): the server relies on a
// fixed depth to rewrite -I options relative to its own root.
const minStagingDepth = 3

// ClientRootKeeper owns the lifetime of the synthetic client-root
// staging directories, one per analyzer generation, grounded on
// original_source/include_server/basics.py's ClientRootKeeper.
type ClientRootKeeper struct {
	baseDir string
	pid     int
}

func NewClientRootKeeper(baseDir string) (*ClientRootKeeper, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errtags.NewFatal("cannot create client-root base directory", err)
	}
	return &ClientRootKeeper{baseDir: baseDir, pid: os.Getpid()}, nil
}

// MakeRoot creates a fresh client-root directory for generation,
// uniquely named with the process id and generation counter so that
// multiple analyzer instances never collide, and padded so every path
// under it has at least minStagingDepth directory components.
func (k *ClientRootKeeper) MakeRoot(generation int) (string, error) {
	name := fmt.Sprintf("includesrv-%d-gen%d", k.pid, generation)
	root := filepath.Join(k.baseDir, name)
	root = padToMinDepth(root)

	if err := common.MkdirForFile(filepath.Join(root, ".keep")); err != nil {
		return "", errtags.NewFatal("cannot create client root", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".keep"), nil, 0o644); err != nil {
		return "", errtags.NewFatal("cannot create client root", err)
	}
	return root, nil
}

func padToMinDepth(root string) string {
	clean := strings.Trim(filepath.Clean(root), "/")
	parts := strings.Split(clean, "/")
	for len(parts) < minStagingDepth {
		parts = append(parts, "padding")
	}
	return "/" + filepath.Join(parts...)
}

// CleanOutStale removes any previous-generation root directories under
// baseDir (named includesrv-<pid>-gen<N>) whose owning pid is no longer
// running, after basics.py's CleanOutClientRoots. Entries with any
// other name are left in place.
func (k *ClientRootKeeper) CleanOutStale() error {
	entries, err := os.ReadDir(k.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, ok := pidFromRootName(e.Name())
		if !ok {
			continue
		}
		if pid == k.pid || processAlive(pid) {
			continue
		}
		_ = os.RemoveAll(filepath.Join(k.baseDir, e.Name()))
	}
	return nil
}

func pidFromRootName(name string) (int, bool) {
	const prefix = "includesrv-"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(name, prefix)
	idx := strings.Index(rest, "-gen")
	if idx < 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(rest[:idx])
	if err != nil {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
