// Package pending tracks the requests a node has originated and is still
// waiting on. Each entry completes exactly once, either when the expected
// number of responses has been folded in or when its deadline fires.
package pending
