// Package sampler turns relevance judgments and a candidate pool into
// streams of labeled feature instances for training and evaluation.
//
// Three variants share one prepare/clean lifecycle: the triplet sampler
// (infinite; one random relevant and non-relevant doc per shuffled query),
// the pair sampler (infinite; every candidate as a standalone instance),
// and the prediction sampler (finite; one pass over the original pool).
// Each variant exposes a content-addressed identity hash that downstream
// record caches use to detect staleness.
package sampler
