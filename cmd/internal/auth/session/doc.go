// Package session implements tether's client-side session manager.
//
// The Manager owns the bearer-token lifecycle: it decides when a cached identity can be
// trusted and when it must be re-validated, keeps the realtime connection in step with the
// authenticated identity, and guards all of it against overlapping validations.
//
// Two entry points exist. LightValidate re-checks the stored token locally and refreshes the
// token-derived fields of the current user. FullValidate additionally resolves the profile
// (cache or a single-flight fetch) and synchronizes the realtime connection.
//
// Sign-out and every terminal validation failure run the same teardown: tokens cleared,
// caches flushed, scheduler stopped, realtime disconnected, and only then the
// Unauthenticated state published.
package session
