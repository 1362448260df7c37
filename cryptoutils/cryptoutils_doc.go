// Package cryptoutils provides the cryptographic building blocks of the
// confidential execution pipeline.
//
// # Envelopes
//
// Assets are stored as AES-256-GCM envelopes:
//
//	[nonce (12 bytes)][ciphertext][tag (16 bytes)]
//
// Seal draws a fresh nonce per call. Open fails closed: any truncation,
// corruption or wrong key yields interfaces.ErrAuthenticationFailed and no
// plaintext.
//
// # Secret release
//
// Secrets released by the custodian are encrypted to an instance's ephemeral
// P-256 key with ECIES (ECDH, HKDF-SHA256, envelope):
//
//	[ephemeral key length (2 bytes)][ephemeral key][envelope]
//
// # Attestation
//
// AttestationProvider implementations produce TDX quotes through go-tdx-guest,
// a remote quote provider, or unsigned dummy quotes for development.
// VerifyDCAPQuote and ParseDummyQuote turn raw evidence into a QuoteReport whose
// MeasuredIdentity is keccak256(MRTD || RTMR0 || RTMR1 || RTMR2).
// ReleaseReportData is the report data an instance must embed when asking for
// secrets.
//
// # Transport security
//
// LoadClientTLSConfig and LoadServerTLSConfig set up mutual TLS between the
// orchestrator and the custodian; CertFingerprint identifies pinned clients.
package cryptoutils
