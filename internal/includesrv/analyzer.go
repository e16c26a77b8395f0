package includesrv

import (
	"path/filepath"
	"regexp"
	"sync"

	"github.com/VKCOM/includesrv/internal/errtags"
)

// StagedFile is one entry of a Response: a path staged under the client
// root, optionally carrying the original absolute path that a #line
// directive must restore.
type StagedFile struct {
	Realpath     string
	WithLine     bool
	OriginalPath string
}

// Response is what ProcessCompilationCommand hands back to the caller
// (spec.md §6): either a populated closure, or an empty one meaning
// "fall back to local preprocessing".
type Response struct {
	ClientRoot  string
	StagedFiles []StagedFile
	MirrorLinks []MirrorLink
	Warnings    []string
}

// generation bundles every piece of state that gets rebuilt from
// scratch on a cache reset (spec.md §3 "Ownership and lifecycle":
// "Interning maps are rebuilt from scratch on generation change").
type generation struct {
	dirs         *DirectoryMap
	incs         *IncludePathMap
	reals        *RealpathMap
	can          *Canonicalizer
	statCache    *BuildStatCache
	dirnameCache *DirnameCache
	systemdirs   *SystemdirPrefixCache
	symtab       *SymbolTable
	unionCache   *UnionCache
	support      *SupportMaster
	mirror       *MirrorPath
	graph        *Graph
	clientRoot   string
}

// Analyzer is the top-level entry point tying every component together
// (spec.md §4.7's "Include-graph engine" plus the request-handling glue
// described in §4.8/§4.9/§6/§7). One Analyzer is forked per build
// (spec.md §6 "Process-wide state").
type Analyzer struct {
	cfg Config

	mu  sync.Mutex
	gen int
	g   *generation

	clientRootKeeper *ClientRootKeeper
	compilerDefaults *CompilerDefaults
	triggers         *TriggerSet
	stats            *Stats
	reporter         FatalReporter
	pathObservation  *regexp.Regexp

	log interface {
		Info(verbosity int, v ...interface{})
		Error(v ...interface{})
	}
}

func NewAnalyzer(cfg Config, reporter FatalReporter, stats *Stats, log interface {
	Info(verbosity int, v ...interface{})
	Error(v ...interface{})
}) (*Analyzer, error) {
	keeper, err := NewClientRootKeeper(cfg.ClientRootBaseDir)
	if err != nil {
		return nil, err
	}
	if err := keeper.CleanOutStale(); err != nil {
		log.Error("cleaning stale client roots:", err)
	}

	var pathObs *regexp.Regexp
	if cfg.PathObservationPattern != "" {
		pathObs, err = regexp.Compile(cfg.PathObservationPattern)
		if err != nil {
			return nil, errtags.NewFatal("invalid path-observation pattern", err)
		}
	}

	a := &Analyzer{
		cfg:              cfg,
		clientRootKeeper: keeper,
		compilerDefaults: NewCompilerDefaults(),
		triggers:         NewTriggerSet(cfg.StatResetTriggers),
		stats:            stats,
		reporter:         reporter,
		pathObservation:  pathObs,
		log:              log,
	}
	if err := a.resetLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

// ClearCaches bumps the generation counter, builds a fresh client-root
// directory, and rebuilds every interning map and cache from scratch —
// spec.md §3's lifecycle contract, triggered by a stat-reset-trigger
// change (§4.8) or a request timeout (§4.9, §7).
func (a *Analyzer) ClearCaches() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resetLocked()
}

func (a *Analyzer) resetLocked() error {
	a.debugTrace(DebugTrace1, "resetting caches, generation", a.gen+1)
	a.gen++
	clientRoot, err := a.clientRootKeeper.MakeRoot(a.gen)
	if err != nil {
		return err
	}

	dirs := NewDirectoryMap()
	incs := NewIncludePathMap(a.cfg.UnsafeAbsoluteIncludes)
	can := NewCanonicalizer()
	reals := NewRealpathMap(can)
	statCache := NewBuildStatCache(dirs, incs, reals)
	dirnameCache := NewDirnameCache(dirs, incs, can)
	systemdirs := NewSystemdirPrefixCache(reals, nil)
	symtab := NewSymbolTable()
	unionCache := NewUnionCache()
	support := NewSupportMaster(unionCache)
	mirror := NewMirrorPath(clientRoot, nil, can)

	symtab.OnDefine(support.InvalidateSymbol)

	graph := NewGraph(dirs, incs, reals, can, statCache, dirnameCache, systemdirs,
		symtab, unionCache, support, mirror, nil)

	a.g = &generation{
		dirs:         dirs,
		incs:         incs,
		reals:        reals,
		can:          can,
		statCache:    statCache,
		dirnameCache: dirnameCache,
		systemdirs:   systemdirs,
		symtab:       symtab,
		unionCache:   unionCache,
		support:      support,
		mirror:       mirror,
		graph:        graph,
		clientRoot:   clientRoot,
	}
	return nil
}

// applyDefines feeds -D options from argv into the symbol table. -U
// options are accepted and ignored: the analyzer's over-approximation
// policy already treats every #define ever observed as possibly live
// (spec.md §4.3/§9), so there is no "forget this macro" operation to
// perform — an undefine can never make the computed closure wrong, only
// (rarely) larger than necessary.
func applyDefines(symtab *SymbolTable, defines []DefineOpt) {
	for _, d := range defines {
		symtab.Define(d.Name, MacroDef{FunctionLike: false, Body: d.Value})
	}
}

// ProcessCompilationCommand is the analyzer's single entry point
// (spec.md §4.7's Algorithm): parse the command, probe compiler
// defaults if needed, graft the explicit -include files and the
// translation unit into the include graph, and return their closure.
//
// Per spec.md §5, requests are handled one at a time; callers must
// serialize access (the external request loop is single-threaded per
// analyzer instance).
func (a *Analyzer) ProcessCompilationCommand(workingDir string, argv []string) (*Response, error) {
	a.stats.IncRequestsTotal()

	if changed, err := a.triggers.Changed(); err == nil && changed {
		a.stats.IncTriggerResets()
		if err := a.ClearCaches(); err != nil {
			a.stats.IncRequestsFatal()
			return nil, err
		}
	}

	resp, err := a.process(workingDir, argv)
	switch {
	case err == nil:
		return resp, nil
	case errtags.IsTimeout(err):
		a.stats.IncRequestsTimedOut()
		_ = a.ClearCaches()
		return nil, err
	case errtags.IsNotCovered(err):
		a.stats.IncRequestsNotCovered()
		return nil, err
	default:
		a.stats.IncRequestsFatal()
		if a.reporter != nil {
			a.reporter.Report("request processing failed", err)
		}
		return nil, err
	}
}

func (a *Analyzer) process(workingDir string, argv []string) (*Response, error) {
	a.mu.Lock()
	g := a.g
	a.mu.Unlock()

	a.debugTrace(DebugTrace1, "process:", workingDir, argv)

	timer := NewTimeBudget(a.cfg.effectiveQuota())
	defer timer.Stop()
	g.graph.SetTimer(timer)

	cmd, err := ParseCommandArgs(argv)
	if err != nil {
		return nil, err
	}

	applyDefines(g.symtab, cmd.Defines)

	currdirAbs, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, errtags.NewNotCovered(cmd.TranslationUnit, "cannot resolve working directory").WithCause(err)
	}
	currdir := g.dirs.Intern(currdirAbs)

	if !cmd.NoStdInc {
		systemDirs, err := a.compilerDefaults.Probe(argv[0], cmd.Sysroot, cmd.Language, timer)
		if err != nil {
			return nil, err
		}
		cmd.AngleDirs = append(cmd.AngleDirs, systemDirs...)
		cmd.QuoteDirs = append(cmd.QuoteDirs, systemDirs...)
		g.systemdirs.Reset(systemDirs)
		g.mirror.SetSystemDirs(systemDirs)
	}

	quoteIDs := internAll(g.dirs, cmd.QuoteDirs)
	angleIDs := internAll(g.dirs, cmd.AngleDirs)
	cfg := g.graph.ConfigFor(currdir, quoteIDs, angleIDs)

	var roots []NodeId

	for _, inc := range cmd.IncludeFiles {
		incID := g.incs.InternArgvPath(inc)
		pair, realID, ok := g.statCache.Resolve(incID, currdir, NullID, quoteIDs)
		if !ok {
			return nil, errtags.NewNotCovered(cmd.TranslationUnit, "unresolvable -include file").WithFile(inc)
		}
		nid, err := g.graph.findResolvedNode(cfg, nodeKey{mode: modeResolved, resolvedPair: pair}, realID)
		if err != nil {
			return nil, err
		}
		roots = append(roots, nid)
	}

	tuID := g.incs.InternArgvPath(cmd.TranslationUnit)
	tuPair, tuRealID, ok := g.statCache.Resolve(tuID, currdir, g.dirs.Intern(""), nil)
	if !ok {
		return nil, errtags.NewNotCovered(cmd.TranslationUnit, "cannot find translation unit")
	}
	tuNode, err := g.graph.findResolvedNode(cfg, nodeKey{mode: modeResolved, resolvedPair: tuPair}, tuRealID)
	if err != nil {
		return nil, err
	}
	roots = append(roots, tuNode)

	a.debugTrace(DebugTrace2, "resolved", len(roots), "root(s) for", cmd.TranslationUnit)

	closure := g.graph.Traverse(roots, g.dirs, g.reals)

	a.debugTrace(DebugTrace3, "closure for", cmd.TranslationUnit, "has", len(closure.Realpaths), "file(s)")
	a.debugDump("closure realpaths:", closure.Realpaths)

	for _, realpath := range closure.Realpaths {
		g.mirror.MarkFileStagedByRealpath(realpath)
	}

	resp := &Response{ClientRoot: g.clientRoot, MirrorLinks: g.mirror.Links()}
	if !a.cfg.NoForceDirs {
		for _, d := range g.mirror.MustExistDirs() {
			resp.MirrorLinks = append(resp.MirrorLinks, MirrorLink{LinkPath: d})
		}
	}
	for _, realpath := range closure.Realpaths {
		sf := StagedFile{Realpath: realpath}
		if lp, ok := closure.LinePairs[realpath]; ok {
			sf.WithLine = true
			sf.OriginalPath = lp.SearchDir + lp.IncludePath
		}
		resp.StagedFiles = append(resp.StagedFiles, sf)

		if a.pathObservation != nil && a.pathObservation.MatchString(realpath) {
			a.stats.IncPathObservationWarnings()
			resp.Warnings = append(resp.Warnings, "path-observation: "+realpath)
		}
	}

	var exact map[string]bool
	if a.cfg.Verify {
		exact, err = exactDependencies(argv, currdirAbs, g.reals, g.systemdirs, cmd.TranslationUnit)
		if err != nil {
			a.debugWarning("verify failed:", err)
			resp.Warnings = append(resp.Warnings, err.Error())
		} else {
			a.debugDump("exact dependencies:", exact)
			mismatches := verifyExactDependencies(closure.Realpaths, exact)
			for _, m := range mismatches {
				a.debugWarning(m)
			}
			resp.Warnings = append(resp.Warnings, mismatches...)
		}
	}

	if a.cfg.WriteIncludeClosure != "" {
		prefix := filepath.Join(a.cfg.WriteIncludeClosure, filepath.Base(cmd.TranslationUnit))
		if err := writeClosureFile(prefix+".d_approx", closure.Realpaths); err != nil {
			resp.Warnings = append(resp.Warnings, err.Error())
		}
		if exact != nil {
			exactList := make([]string, 0, len(exact))
			for r := range exact {
				exactList = append(exactList, r)
			}
			if err := writeClosureFile(prefix+".d_exact", exactList); err != nil {
				resp.Warnings = append(resp.Warnings, err.Error())
			}
		}
	}

	return resp, nil
}

func internAll(dirs *DirectoryMap, raw []string) []PathID {
	ids := make([]PathID, 0, len(raw))
	for _, r := range raw {
		ids = append(ids, dirs.Intern(r))
	}
	return ids
}
