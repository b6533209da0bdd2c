// Package classify implements the deterministic relevance engine of the
// crawler: text normalization, the frozen German keyword lattice, the
// title/URL prefilter, the rule-based classifier and the regex field
// extractors. Everything in this package is pure; no I/O happens here.
package classify
