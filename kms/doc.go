// Package kms holds the key material the approval workflow protects.
//
// A CAToken keeps a CA signing key sealed under an activation code. Until it
// is activated, which is itself a gated operation, the CA cannot issue
// certificates.
//
// A KeyEscrow stores end entity private keys encrypted to an escrow key pair.
// The escrow private key is sealed under a master key that exists only as
// Shamir shares held by custodians. Recovering a key needs both an approved
// key recovery request and a threshold of custodian shares.
package kms
