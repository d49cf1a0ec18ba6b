// Package operations implements the CA operations that sit behind approval
// requests: CA token activation, key recovery, adding or editing end
// entities and revocation.
//
// Each operation has a JSON payload type. Callers encode the payload into
// the approval request with EncodePayload; the Registry decodes it again when
// the approved request executes.
package operations
