// Package transfer provides the chunked file plumbing for a transfer session.
//
// Key features:
//   - Fixed-size segmentation with per-chunk SHA-256 hashes and a whole-file
//     hash carried in the manifest
//   - LZ4 compression applied per chunk before sealing, skipped when it does
//     not help
//   - An assembler that collects received chunks, tracks completeness and
//     recomputes the whole-file hash for final verification
//
// Key material never enters this package; it works on plaintext and on
// opaque sealed payloads.
package transfer
