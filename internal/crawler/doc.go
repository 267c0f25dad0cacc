// Package crawler holds the domain model shared by every stage of the ingest
// pipeline: sources, scraped items, run and stage records, dedup facts, the
// fetch engine contract and the unified retry policy used by the engine
// selector.
package crawler
