// Package crawler defines the core domain types and contracts shared by the
// discovery adapters, the extraction pipeline, the entity resolver, and the
// persistence layer of the BESS procedure crawler.
package crawler
