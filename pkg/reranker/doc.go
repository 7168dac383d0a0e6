// Package reranker wraps scoring models for query/document relevance.
//
// Two families of scorers live here. The trainable path is a Model behind
// the Reranker wrapper, which adds weight persistence: checkpoints exclude
// the frozen embedding table and any parameter tagged _nosave_, and loading
// refuses key sets that do not match the current model. The frozen path is
// the PassageRanker interface over raw text, with local
// (go-embedeverything) and remote (OpenAI-compatible service) backends,
// optionally guarded by a circuit breaker.
package reranker
