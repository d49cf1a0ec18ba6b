// Package interfaces defines the data model and the contracts shared by the
// approval engine and its collaborators, separating interface definitions
// from their implementations.
//
// # Data model
//
//   - AdminIdentity: issuer DN and serial number of an administrator certificate
//   - ApprovalRequestSpec: immutable description of a gated operation request
//   - ApprovalDecision: one admin's approve or reject vote
//   - ApprovalRecord: persisted, mutable state of one submitted request
//   - Filter: AND/OR predicate tree used by queries
//
// # Storage contracts
//
//   - ApprovalStore: keyed, versioned record storage; every write to one
//     approval id goes through a compare-and-swap on the group version
//   - ArchiveBackend: content-addressed storage for retired records
//
// # Collaborator contracts
//
//   - PolicyGate: how many approvals an operation needs
//   - Executor: runs an approved operation
//   - Authorizer: whether an admin may act on an approval type
//
// # Error Types
//
//   - ErrRecordNotFound: no record for the given record id
//   - ErrVersionConflict: the approval id group changed since it was read
//   - ErrStoreUnavailable: the persistence layer failed
//   - ErrContentNotFound, ErrBackendUnavailable: archive failures
//   - ErrInvalidLocationURI: store or archive URI is malformed
package interfaces
