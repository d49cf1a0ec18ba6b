// Package cryptoutils holds the cryptographic helpers behind the CA backend:
// certificate issuance for CA tokens, admin identities taken from client
// certificates, password based sealing of key material and ECIES encryption
// for escrowed keys.
//
// # Sealing
//
// Seal and Open protect a CA signing key at rest. The key encryption key is
// derived from an activation code with Argon2id over a random per-token salt:
//
//	[salt (16 bytes)][nonce (12 bytes)][AES-256-GCM ciphertext]
//
// # ECIES
//
// EncryptWithPublicKey encrypts for a P-256 public key with an ephemeral ECDH
// key, SHA-256 key derivation and AES-GCM:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
package cryptoutils
