// Package ws is the relay side of the live session: the WebSocket endpoint
// the session client connects to.
//
// The package implements:
//   - Hub: tracks connected clients and fans envelopes out to all of them
//   - Handler: upgrades connections, runs the read and write pumps and executes
//     start_workout, stop_workout and get_status commands
//   - Service: connects the workout tracker to the hub so workout events reach
//     every client
//
// Every envelope the relay writes carries an RFC 3339 timestamp. A client
// whose send queue fills up is dropped rather than slowing the others.
package ws
