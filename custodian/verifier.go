package custodian

import (
	"errors"
	"fmt"

	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/interfaces"
)

// Verifier turns release evidence into a measured identity and checks it
// against a session policy.
type Verifier struct {
	// VerifyDCAP verifies raw TDX quotes. Replaceable in tests.
	VerifyDCAP func(raw []byte) (*cryptoutils.QuoteReport, error)
}

func NewVerifier() *Verifier {
	return &Verifier{VerifyDCAP: cryptoutils.VerifyDCAPQuote}
}

// Verify checks the evidence against the policy and returns the verified
// report. The caller must still check the report data binding.
func (v *Verifier) Verify(policy interfaces.AttestationPolicy, req *interfaces.ReleaseRequest) (*cryptoutils.QuoteReport, error) {
	if len(req.Quote) == 0 {
		return nil, errors.New("missing quote")
	}

	attestationType, err := cryptoutils.AttestationTypeFromString(req.AttestationType)
	if err != nil {
		return nil, fmt.Errorf("attestation type %q: %w", req.AttestationType, err)
	}

	var report *cryptoutils.QuoteReport
	switch attestationType {
	case cryptoutils.DummyAttestation:
		if !policy.Tolerates(interfaces.DeviationDummyAttestation) {
			return nil, errors.New("dummy attestation not tolerated by policy")
		}
		report, err = cryptoutils.ParseDummyQuote(req.Quote)
	case cryptoutils.DCAPAttestation:
		report, err = v.VerifyDCAP(req.Quote)
	}
	if err != nil {
		return nil, err
	}

	if report.Debug && !policy.Tolerates(interfaces.DeviationDebugMode) {
		return nil, errors.New("instance runs in debug mode")
	}
	if report.OutdatedTCB && !policy.Tolerates(interfaces.DeviationOutdatedTCB) {
		return nil, errors.New("instance TCB is outdated")
	}

	identity := report.MeasuredIdentity()
	if !policy.Accepts(identity) {
		return nil, fmt.Errorf("measurement %s not accepted", identity)
	}

	return report, nil
}
