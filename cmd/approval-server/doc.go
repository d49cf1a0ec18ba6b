// Command approval-server runs the multi-party approval API for the CA
// backend. It wires the configured approval store, archive backends, event
// sinks, CA tokens and key escrow into the approval engine and serves it
// over HTTPS with client certificate authentication.
//
// Usage:
//
//	approval-server --config /etc/ca-approvals/config.yaml \
//	    --tls-cert server.pem --tls-key server.key --client-ca admins.pem
package main
