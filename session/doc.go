// Package session makes the panel's lifetime explicit.
//
// The panel opens a port to the background and announces itself with a
// hello frame, then beats on a fixed interval and says bye when it closes.
// The background tracks every session and learns exactly once why it
// ended:
//
//   - released: the panel said bye
//   - disconnected: the port closed without a bye
//   - expired: the heartbeat monitor saw no beat within its timeout
//
// Panel side:
//
//	err := session.Scope(ctx, dial, session.DefaultConfig(), func(ctx context.Context, s *session.Session) error {
//	    return runPanel(ctx)
//	})
//
// Background side:
//
//	tracker := session.NewTracker(session.DefaultTrackerConfig())
//	tracker.OnEnd(func(e session.Ended) { cleanup(e) })
//	info, err := tracker.Accept(ctx, p)
package session
