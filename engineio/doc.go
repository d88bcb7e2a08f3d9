// Package engineio implements the server side of the engine.io realtime
// protocol: a single logical session per client, carried over long-polling
// HTTP or WebSocket, with live upgrade from the former to the latter and
// server-driven heartbeats.
//
// Mount a Server on the engine path prefix and observe sessions:
//
//	srv := engineio.NewServer(engineio.DefaultOptions)
//	srv.OnConnection(func(s *engineio.Session) {
//		s.OnMessage(func(data []byte) {
//			s.Send(data, nil, nil)
//		})
//		s.OnClose(func(reason string, err error) {})
//	})
//	http.Handle("/engine.io/", srv)
//
// A session handshaken on polling advertises the websocket upgrade; the
// client probes the candidate transport with a ping/pong pair and commits
// with an upgrade packet, at which point the session swaps transports
// without losing buffered packets.
package engineio
