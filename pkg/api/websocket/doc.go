// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /ws/events to receive every orchestration
// lifecycle event as it happens, optionally filtered to one service.
package websocket
