// Package teardown runs the ordered cleanup of one context.
//
// A context registers named hooks in phases. Lower phases run first and
// hooks within a phase run concurrently. Teardown runs once no matter how
// many paths trigger it: a page unload, a SIDE_PANEL_CLOSED broadcast, a
// signal or an explicit Run.
//
//	td := teardown.New(teardown.DefaultConfig())
//	td.Add("selection", teardown.PhaseIntake, content.stopSelecting)
//	td.Add("styles", teardown.PhaseRevert, content.revertStyles)
//	td.Add("bus", teardown.PhaseRelease, func(ctx context.Context) error { return b.Close(ctx) })
//
//	report, err := td.Run(ctx)
//
// Phases:
//
//   - PhaseIntake: stop taking new work (unsubscribe, stop selection mode)
//   - PhaseRevert: undo side effects on the page or the browser
//   - PhaseRelease: close the bus, sessions and ports
//   - PhaseFlush: flush telemetry and logs
package teardown
