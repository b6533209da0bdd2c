// Package store is the Postgres persistence layer: procedures, audit
// sources, documents, projects, links, candidates and per-run crawl
// stats. The pool hides behind a narrow interface so pgxmock can stand in
// during tests. A memory implementation backs runs without a database.
package store
