// Package trainer is the orchestration core: it drives training iterations
// over sampler streams or cached record shards, manages per-iteration weight
// checkpoints and the loss-history file, runs validation on a configurable
// cadence with a best-by-metric snapshot, and fast-forwards interrupted runs
// from the last durable iteration.
package trainer
