// Package session queues downstream dialogs. A producer hands a Template
// and an Applet to Queue.Immediate; a single worker later opens the session,
// runs the applet to fill its request and delivers the result to a Sink.
//
// Dialogs are delivered one at a time in FIFO order: a new session never
// starts while another is mid-flight.
package session
