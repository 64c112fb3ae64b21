// Package engine runs named kinds on the main thread. It records each run's
// lifecycle in the store and streams the kind's progress lines to
// subscribers while the run executes.
package engine
