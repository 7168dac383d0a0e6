// Package types holds the core data types shared across the rerankbench
// pipeline: relevance judgments (qrels), candidate pools, and prediction
// run scores, together with readers and writers for the TREC text formats
// these are exchanged in.
package types
