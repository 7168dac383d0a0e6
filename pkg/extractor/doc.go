// Package extractor turns raw query and document text into the fixed-shape
// numeric feature tensors consumed by rerankers. Documents are segmented
// into fixed-length token passages via a sliding window; each passage is
// paired with the query as a [CLS] query [SEP] passage [SEP] input line.
//
// Extractor state (query tokens, document passages) is built once per
// (query set, doc set) snapshot and persisted in a Badger state cache keyed
// by a content hash, so repeated runs over the same collection skip the
// build. Training and evaluation instances can additionally be serialized
// to parquet record shards for the record-cached trainer.
package extractor
