// Package progress carries run, stage and source milestones from the pipeline
// to pluggable sinks. Emitting never blocks; a background goroutine batches
// events and fans them out.
package progress
