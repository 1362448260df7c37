package interfaces

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// SecretKind tells whether a secret carries its own value or refers to
// a secret held in another session.
type SecretKind string

const (
	LiteralSecret  SecretKind = "literal"
	ImportedSecret SecretKind = "imported"
)

// Deviation names an attestation property a policy may choose to tolerate.
type Deviation string

const (
	DeviationDebugMode        Deviation = "debug-mode"
	DeviationOutdatedTCB      Deviation = "outdated-tcb"
	DeviationDummyAttestation Deviation = "dummy-attestation"
)

// KnownDeviations lists every deviation a policy may name.
var KnownDeviations = []Deviation{DeviationDebugMode, DeviationOutdatedTCB, DeviationDummyAttestation}

// AttestationPolicy states which measured identities may receive a session's
// secrets, and which deviations from a clean attestation are acceptable.
type AttestationPolicy struct {
	AcceptedMeasurements []string    `json:"accepted_measurements" yaml:"accepted_measurements"`
	ToleratedDeviations  []Deviation `json:"tolerated_deviations,omitempty" yaml:"tolerated_deviations,omitempty"`
}

// Accepts reports whether a measured identity is listed by the policy.
func (p AttestationPolicy) Accepts(measurement string) bool {
	measurement = NormalizeMeasurement(measurement)
	for _, m := range p.AcceptedMeasurements {
		if NormalizeMeasurement(m) == measurement {
			return true
		}
	}
	return false
}

// Tolerates reports whether the policy accepts the given deviation.
func (p AttestationPolicy) Tolerates(d Deviation) bool {
	return slices.Contains(p.ToleratedDeviations, d)
}

// NormalizeMeasurement lowercases a hex measurement and strips any 0x prefix.
func NormalizeMeasurement(m string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(m), "0x"))
}

// ExportRule makes a secret importable by other sessions. The importer's name
// must start with SessionPrefix; when Measurements is set, every measurement
// the importer accepts must also be in the list.
type ExportRule struct {
	SessionPrefix string   `json:"session_prefix" yaml:"session_prefix"`
	Measurements  []string `json:"measurements,omitempty" yaml:"measurements,omitempty"`
}

// Allows checks an importing session against the rule.
func (r ExportRule) Allows(importer string, policy AttestationPolicy) bool {
	if !strings.HasPrefix(importer, r.SessionPrefix) {
		return false
	}
	if len(r.Measurements) == 0 {
		return true
	}
	if len(policy.AcceptedMeasurements) == 0 {
		return false
	}
	pinned := AttestationPolicy{AcceptedMeasurements: r.Measurements}
	for _, m := range policy.AcceptedMeasurements {
		if !pinned.Accepts(m) {
			return false
		}
	}
	return true
}

// SecretImport points at a secret in another session. It is resolved against
// that session's head at release time.
type SecretImport struct {
	Session string `json:"session" yaml:"session"`
	Secret  string `json:"secret" yaml:"secret"`
}

// Secret is a named value held by the custodian. Values are never returned
// by the session API.
type Secret struct {
	Name   string        `json:"name" yaml:"name"`
	Kind   SecretKind    `json:"kind" yaml:"kind"`
	Value  string        `json:"value,omitempty" yaml:"value,omitempty"`
	Import *SecretImport `json:"import,omitempty" yaml:"import,omitempty"`
	Export []ExportRule  `json:"export,omitempty" yaml:"export,omitempty"`
}

// ExportedTo reports whether any export rule admits the importer.
func (s Secret) ExportedTo(importer string, policy AttestationPolicy) bool {
	for _, rule := range s.Export {
		if rule.Allows(importer, policy) {
			return true
		}
	}
	return false
}

// SecretInjection exposes a secret to a service under an environment variable name.
type SecretInjection struct {
	Secret string `json:"secret" yaml:"secret"`
	EnvVar string `json:"env" yaml:"env"`
}

// ServiceBinding is the set of secrets one service receives on release.
type ServiceBinding struct {
	Name   string            `json:"name" yaml:"name"`
	Inject []SecretInjection `json:"inject" yaml:"inject"`
}

// SessionDocument is one version of a custody session. Versions of the same
// name form a chain through Predecessor.
type SessionDocument struct {
	Name        string            `json:"name" yaml:"name"`
	Version     uint64            `json:"version" yaml:"version"`
	Predecessor string            `json:"predecessor,omitempty" yaml:"predecessor,omitempty"`
	Policy      AttestationPolicy `json:"policy" yaml:"policy"`
	Secrets     []Secret          `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Services    []ServiceBinding  `json:"services,omitempty" yaml:"services,omitempty"`
}

// Hash returns the hex SHA-256 of the document's JSON encoding. It is the
// opaque head reference successors must name as Predecessor.
func (d *SessionDocument) Hash() (string, error) {
	encoded, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode session document: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Secret looks up a secret by name.
func (d *SessionDocument) Secret(name string) (*Secret, bool) {
	for i := range d.Secrets {
		if d.Secrets[i].Name == name {
			return &d.Secrets[i], true
		}
	}
	return nil, false
}

// Service looks up a service binding by name.
func (d *SessionDocument) Service(name string) (*ServiceBinding, bool) {
	for i := range d.Services {
		if d.Services[i].Name == name {
			return &d.Services[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the document.
func (d *SessionDocument) Clone() SessionDocument {
	out := SessionDocument{
		Name:        d.Name,
		Version:     d.Version,
		Predecessor: d.Predecessor,
		Policy: AttestationPolicy{
			AcceptedMeasurements: slices.Clone(d.Policy.AcceptedMeasurements),
			ToleratedDeviations:  slices.Clone(d.Policy.ToleratedDeviations),
		},
	}

	for _, s := range d.Secrets {
		c := Secret{Name: s.Name, Kind: s.Kind, Value: s.Value}
		if s.Import != nil {
			imp := *s.Import
			c.Import = &imp
		}
		for _, rule := range s.Export {
			c.Export = append(c.Export, ExportRule{
				SessionPrefix: rule.SessionPrefix,
				Measurements:  slices.Clone(rule.Measurements),
			})
		}
		out.Secrets = append(out.Secrets, c)
	}

	for _, svc := range d.Services {
		out.Services = append(out.Services, ServiceBinding{
			Name:   svc.Name,
			Inject: slices.Clone(svc.Inject),
		})
	}

	return out
}

// Redacted returns a deep copy of the document with every literal value cleared.
func (d *SessionDocument) Redacted() SessionDocument {
	out := d.Clone()
	for i := range out.Secrets {
		out.Secrets[i].Value = ""
	}
	return out
}

// SessionHead is the current tip of a session chain.
type SessionHead struct {
	Hash     string          `json:"hash" yaml:"hash"`
	Document SessionDocument `json:"document" yaml:"document"`
}

// SubmitResult reports an accepted submission.
type SubmitResult struct {
	Accepted bool   `json:"accepted"`
	Hash     string `json:"hash"`
}

// ReleaseRequest carries an instance's attestation evidence. PublicKey is the
// PEM-encoded ephemeral key the released secrets are encrypted to; the quote's
// report data must commit to it.
type ReleaseRequest struct {
	AttestationType string `json:"attestation_type"`
	Quote           []byte `json:"quote"`
	PublicKey       []byte `json:"public_key"`
}

// ReleaseResponse holds the released secrets, encrypted to the instance's key.
// The plaintext is a JSON object mapping environment variable names to values.
type ReleaseResponse struct {
	EncryptedSecrets []byte `json:"encrypted_secrets"`
}
