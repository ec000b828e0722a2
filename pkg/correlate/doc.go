// Package correlate derives temporal and causal relationships between
// ledger events despite clock skew.
//
// For each processed event the engine estimates how ambiguous the event's
// true occurrence time is (a kernel density estimate over the gaps to its
// neighbors), nudges an adjusted timestamp toward the nearest neighbor in
// proportion to that uncertainty, scores pairwise correlations against every
// event in the trailing window, and incrementally clusters correlated
// events with density-based clustering over (time, type, origin) features.
//
// Everything this package produces is derived, bounded, and disposable: the
// ledger remains the single source of truth, and original timestamps are
// never modified, only annotated.
package correlate
