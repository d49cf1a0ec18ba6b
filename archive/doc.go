// Package archive keeps retired approval records in content-addressed
// storage before they are removed from the live store.
//
// Content is identified by the SHA-256 hash of its bytes, so archiving the
// same record twice is idempotent and any backend holding a copy can serve
// it. Backends are selected with a URI:
//
//   - file:///var/lib/approvals-archive
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=...
//   - ipfs://host:5001/?timeout=30s
//
// MultiBackend stores to every available backend and fetches from the first
// one that has the content.
package archive
