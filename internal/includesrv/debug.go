package includesrv

// debugWarning logs v through the analyzer's logger when bit
// DebugWarnings is set in cfg.Debug. Grounded on
// original_source/include_server/basics.py's Debug(DEBUG_WARNING, ...)
// calls scattered through cache_basics.py/include_analyzer.py.
func (a *Analyzer) debugWarning(v ...interface{}) {
	if a.cfg.Debug&DebugWarnings == 0 {
		return
	}
	a.log.Info(0, append([]interface{}{"[debug warning]"}, v...)...)
}

// debugTrace logs v when the given trace bit (DebugTrace1/2/3) is set,
// mirroring basics.py's three escalating DEBUG_TRACE/DEBUG_TRACE1/
// DEBUG_TRACE2 levels (our bitmask carries one extra level, Trace3,
// currently used only for the per-request closure-size line).
func (a *Analyzer) debugTrace(bit int64, v ...interface{}) {
	if a.cfg.Debug&bit == 0 {
		return
	}
	a.log.Info(2, append([]interface{}{"[debug trace]"}, v...)...)
}

// debugDump logs v when DebugDump is set — for cache-content and
// parsed-directive-list dumps too voluminous to enable by default.
func (a *Analyzer) debugDump(v ...interface{}) {
	if a.cfg.Debug&DebugDump == 0 {
		return
	}
	a.log.Info(2, append([]interface{}{"[debug dump]"}, v...)...)
}
