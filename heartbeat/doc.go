// Package heartbeat provides liveness detection for panel sessions.
//
// # Overview
//
// An open panel beats periodically over its port. The background tracks
// the beats and treats a session that falls silent as expired, the same as
// if the port had dropped.
//
//	┌─────────────┐       beat{seq}        ┌─────────────┐
//	│   Sender    │ ─────────────────────> │   Monitor   │
//	│   (panel)   │                        │ (background)│
//	└─────────────┘                        └─────────────┘
//
// # Usage
//
// Sending beats:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Session:  sessionID,
//	    Interval: 5 * time.Second,
//	    Emit: func(ctx context.Context, b heartbeat.Beat) error {
//	        data, _ := b.Marshal()
//	        return p.Send(ctx, data)
//	    },
//	})
//	sender.Start(ctx)
//	defer sender.Stop()
//
// Monitoring:
//
//	monitor := heartbeat.NewMonitor(heartbeat.MonitorConfig{Timeout: 15 * time.Second})
//	monitor.OnDead(func(session string) {
//	    // end the session as expired
//	})
//	monitor.Start()
//	monitor.Track(sessionID)
//	monitor.Receive(beat)
package heartbeat
