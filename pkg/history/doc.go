// Package history persists run outcomes and step durations in SQLite.
//
// The Store feeds historical duration estimates back into planning via
// pipeline.DurationSource and can double as a pipeline.EventSink to keep a
// queryable timeline of every run.
package history
