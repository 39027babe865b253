// Package notify fans an event out to the push services a user configured.
//
// Each provider is a Backend. The Dispatcher hands the same Event to every
// registered backend on its own goroutine and returns immediately; a
// backend resolves the user's credentials from the store, makes its
// provider calls, and reports one Result per attempt. Results go to a Sink
// (logs, metrics, the event bus) and never back to whoever raised the
// event. A user without an API key for a backend is skipped without any
// network traffic.
//
// Backends also own a chat command ("pushbullet <api key> [device...]")
// through which users store their credentials. ConfigCommand implements
// that authorize, validate, persist, acknowledge pipeline once for all
// backends.
package notify
