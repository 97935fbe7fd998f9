// Package storage provides access to the server's stored files: name
// sanitizing against path traversal, prefix checksums for resume
// negotiation, append writers that flush to stable storage after every
// chunk, and per-filename advisory locks so concurrent uploads to the same
// name cannot interleave.
//
// Files are identified by basename only. Every name crossing the package
// boundary goes through SanitizeName, which strips directory components.
//
// The prefix checksum is a content-divergence detector, not a security
// primitive: it tells two ends of a resumed transfer whether their copies
// still agree up to a byte offset.
package storage
