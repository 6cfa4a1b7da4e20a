// Package compiler turns an envelope graph plus org-authored slot patches
// into a deterministic, hashed CompiledWorkflow.
//
// The pipeline is: resolve and scope-check every patch, splice valid
// patches into the envelope behind proxy nodes, propagate edit windows and
// stable-region tags, validate the merged DAG, then sort, index and hash.
// Any error rejects the whole compilation.
package compiler
