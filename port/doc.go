// Package port provides the persistent ordered channel used for panel
// lifecycle signaling.
//
// # Implementations
//
//   - Pipe: an in-memory connected pair, for contexts in one process
//   - WebSocketPort: gorilla/websocket, with Dial on the panel side and a
//     Listener (an http.Handler) on the background side
//   - StreamPort: length-prefixed frames over a byte stream, the framing
//     browsers use for native messaging hosts
//
// # Closure
//
// Frames sent before a Close are still delivered to the other end; its Recv
// channel closes after the last one. This lets a final "bye" frame be told
// apart from a dropped connection.
//
//	a, b := port.Pipe("sidepanel")
//	a.Send(ctx, []byte("bye"))
//	a.Close()
//	for frame := range b.Recv() {
//	    // "bye", then the loop ends
//	}
package port
