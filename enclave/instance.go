// Package enclave is the code that runs inside the attested instance: it
// obtains the execution keys from the custodian with its own attestation,
// opens the envelopes and hands the plaintext to the sandbox.
package enclave

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/ruteri/confidential-executor/sandbox"
	"github.com/ruteri/confidential-executor/sessions"
)

// Sandbox runs a decrypted program over a decrypted dataset.
type Sandbox interface {
	Run(ctx context.Context, in sandbox.Input) *sandbox.Result
}

// Instance executes launch specs.
type Instance struct {
	custodian interfaces.KeyReleaser
	attester  cryptoutils.AttestationProvider
	sandbox   Sandbox
	log       *slog.Logger
}

func NewInstance(custodian interfaces.KeyReleaser, attester cryptoutils.AttestationProvider, sb Sandbox, log *slog.Logger) *Instance {
	return &Instance{
		custodian: custodian,
		attester:  attester,
		sandbox:   sb,
		log:       log,
	}
}

// Execute runs one launch spec to completion. Every failure is returned as a
// failed result; key material is zeroed before Execute returns.
func (i *Instance) Execute(ctx context.Context, spec interfaces.LaunchSpec) *interfaces.ExecutionResult {
	start := time.Now()
	log := i.log.With(slog.String("session", spec.SessionName), slog.String("service", spec.ServiceName))

	fail := func(err error) *interfaces.ExecutionResult {
		log.Warn("Execution failed", slog.String("error_kind", string(interfaces.KindOf(err))), "err", err)
		return interfaces.NewFailureResult(err).WithDuration(time.Since(start))
	}

	if err := spec.Validate(); err != nil {
		return fail(fmt.Errorf("%w: %v", interfaces.ErrInvalidRequest, err))
	}

	secrets, err := i.releaseSecrets(ctx, spec)
	if err != nil {
		return fail(err)
	}

	datasetKey, err := cryptoutils.DecodeKey(secrets[sessions.DatasetKeyEnv])
	if err != nil {
		return fail(fmt.Errorf("%w: released dataset key: %v", interfaces.ErrKeyNotReleased, err))
	}
	defer cryptoutils.Zero(datasetKey)

	appKey, err := cryptoutils.DecodeKey(secrets[sessions.ApplicationKeyEnv])
	if err != nil {
		return fail(fmt.Errorf("%w: released application key: %v", interfaces.ErrKeyNotReleased, err))
	}
	defer cryptoutils.Zero(appKey)

	dataset, err := cryptoutils.OpenFile(spec.DatasetEnvelopePath, datasetKey)
	if err != nil {
		return fail(fmt.Errorf("dataset: %w", err))
	}
	defer cryptoutils.Zero(dataset)

	program, err := cryptoutils.OpenFile(spec.ApplicationEnvelopePath, appKey)
	if err != nil {
		return fail(fmt.Errorf("application: %w", err))
	}
	defer cryptoutils.Zero(program)

	log.Info("Envelopes opened", slog.Int("dataset_bytes", len(dataset)), slog.Int("program_bytes", len(program)))

	result := i.sandbox.Run(ctx, sandbox.Input{
		Program:  program,
		Dataset:  dataset,
		Params:   spec.Params,
		WorkRoot: spec.WorkDir,
	})

	log.Info("Execution finished",
		slog.Bool("success", result.Err == nil),
		slog.Duration("duration", time.Since(start)))

	return result.ExecutionResult().WithDuration(time.Since(start))
}

// releaseSecrets attests a fresh key pair and asks the custodian for the
// session's secrets.
func (i *Instance) releaseSecrets(ctx context.Context, spec interfaces.LaunchSpec) (map[string]string, error) {
	pub, priv, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return nil, fmt.Errorf("could not generate instance key: %w", err)
	}
	defer cryptoutils.Zero(priv)

	quote, err := i.attester.Attest(cryptoutils.ReleaseReportData(pub, spec.SessionName, spec.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("%w: could not attest: %v", interfaces.ErrKeyNotReleased, err)
	}

	resp, err := i.custodian.Release(ctx, spec.SessionName, spec.ServiceName, &interfaces.ReleaseRequest{
		AttestationType: string(i.attester.AttestationType()),
		Quote:           quote,
		PublicKey:       pub,
	})
	if err != nil {
		return nil, err
	}

	plaintext, err := cryptoutils.DecryptWithPrivateKey(priv, resp.EncryptedSecrets)
	if err != nil {
		return nil, fmt.Errorf("%w: could not decrypt released secrets: %v", interfaces.ErrKeyNotReleased, err)
	}
	defer cryptoutils.Zero(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("%w: malformed released secrets: %v", interfaces.ErrKeyNotReleased, err)
	}
	for _, name := range []string{sessions.DatasetKeyEnv, sessions.ApplicationKeyEnv} {
		if secrets[name] == "" {
			return nil, fmt.Errorf("%w: %s was not released", interfaces.ErrKeyNotReleased, name)
		}
	}
	return secrets, nil
}
