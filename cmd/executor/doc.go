// Package main (cmd/executor) serves the execution API.
//
// For each POST /api/execute the executor checks the asset registry
// contract, fetches both envelopes from blob storage, submits the execution
// session to the custodian and starts an enclave instance over the
// envelopes. The instance, not the executor, receives the asset keys.
//
// Example usage:
//
//	executor \
//	  --registry-contract 0x5FbDB2315678afecb367f032d93F642f64180aa3 \
//	  --storage ipfs://127.0.0.1:5001 --storage s3://assets/envelopes?region=eu-west-1 \
//	  --custodian-url https://custodian:8081 \
//	  --custodian-client-cert executor.pem --custodian-client-key executor.key \
//	  --accepted-measurement 0x9d2a... \
//	  --enclave-binary /usr/bin/enclave \
//	  --enclave-arg=--custodian-url=https://custodian:8081
//
// With --launcher inprocess the executor runs instances itself; that mode
// exists for development with dummy attestation.
package main
