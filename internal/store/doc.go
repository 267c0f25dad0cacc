// Package store defines interfaces for persistence dependencies: pipeline run
// state and the dedup fact cache. Implementations live in internal/storage;
// this package must not import database drivers or concrete clients.
package store
