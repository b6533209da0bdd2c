// The besscrawler binary discovers and classifies municipal planning
// procedures for grid-scale battery storage. It serves the ops HTTP API and
// runs the crawl worker pool; with -oneshot it crawls the seed list, drains
// the queue and exits.
package main
