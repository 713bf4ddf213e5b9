// Package jsonldb provides a schema-less, multi-process safe, JSONL-backed
// document table.
//
// # Overview
//
// The package centers around [Table], which stores the records of one table
// in a single JSONL (JSON Lines) file. There is no in-memory cache: every read
// loads the whole file, every mutation rewrites it. This keeps independent
// request contexts and independent processes consistent with no setup, at
// the cost of O(n) work per operation.
//
// # Concurrency: Lock Then Replace
//
// Mutations take an exclusive advisory lock on a sidecar file
// (<table>.jsonl.lock) for the entire read-modify-write operation, write the
// new content to a temporary file in the same directory, fsync it and rename
// it over the original. Readers take no lock: rename is atomic so a reader
// sees either the old or the new file, never a mixture. Lock acquisition is
// bounded; exceeding the bound fails with a LockTimeoutError.
//
// # File Format
//
// JSONL files with line 1 as a schema header listing observed columns and
// their types, subsequent lines as JSON objects in insertion order. A missing
// file is an empty table.
package jsonldb
