package reqengine

// gracefulPauseBeforeDelete refines spec.md §4.4.2 step 6 with tvaf's exact
// sequencing (request.py's _Cleanup): before an unwanted entry is actually
// removed from the session, it is first paused gracefully rather than
// force-removed, and the drain is aborted if data or a new request arrives
// before the pause completes. stepFlagUpdate/stepAddRemove call through
// this rather than removing immediately so an in-flight piece write isn't
// discarded.
func (e *torrentEntry) gracefulPauseBeforeDelete() (shouldRemoveNow bool) {
	if e.keep() {
		// Data or a request arrived mid-drain; abort the pending removal.
		e.pausedDraining = false
		return false
	}
	if !e.pausedDraining {
		e.pausedDraining = true
		if e.handle != nil {
			e.handle.Pause()
		}
		return false
	}
	// Already drained at least one sync() cycle with nothing new arriving.
	return true
}
