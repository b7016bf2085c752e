// Package logging provides structured, rotating file-based logging for the
// retrieval core, plus the lifecycle-event conventions every component above
// uses: directory add/remove, batch start/complete, consistency repairs,
// feedback application, and generator engine failures are all logged through
// this package's slog.Logger with structured attributes.
package logging
