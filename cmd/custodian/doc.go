// Package main (cmd/custodian) runs the key custodian.
//
// The custodian stores session chains, in memory or in a Vault KV v2 mount,
// and releases a session's secrets to instances whose attestation satisfies
// the session policy. Session reads and submissions require a TLS client
// certificate whose fingerprint was passed with --authorized-client.
//
// Example usage:
//
//	custodian --store vault --vault-addr https://vault:8200 \
//	  --tls-cert custodian.pem --tls-key custodian.key \
//	  --authorized-client 3f1c...e9
package main
