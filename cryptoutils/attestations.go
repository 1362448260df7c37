package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

// AttestationType names the evidence format an instance presents.
type AttestationType string

const (
	DCAPAttestation  AttestationType = "qemu-tdx"
	DummyAttestation AttestationType = "dummy"
)

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch AttestationType(str) {
	case DCAPAttestation:
		return DCAPAttestation, nil
	case DummyAttestation:
		return DummyAttestation, nil
	default:
		return "", errors.ErrUnsupported
	}
}

// tdAttributesDebug is bit 0 of TDATTRIBUTES.
const tdAttributesDebug = 0x01

type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// ReleaseReportData binds a quote to the instance key and the release it is
// used for: sha256(pubkeyPEM || session || service), zero padded to 64 bytes.
func ReleaseReportData(pubkeyPEM []byte, session, service string) [64]byte {
	h := sha256.New()
	h.Write(pubkeyPEM)
	h.Write([]byte(session))
	h.Write([]byte(service))

	var reportData [64]byte
	copy(reportData[:], h.Sum(nil))
	return reportData
}

// MeasuredIdentity is keccak256(MRTD || RTMR0 || RTMR1 || RTMR2) in hex. RTMR3
// is extended at runtime and is not part of the identity.
func MeasuredIdentity(mrtd []byte, rtmrs [][]byte) string {
	parts := [][]byte{mrtd}
	for i := 0; i < len(rtmrs) && i < 3; i++ {
		parts = append(parts, rtmrs[i])
	}
	return hex.EncodeToString(crypto.Keccak256(parts...))
}

// QuoteReport is the verified content of an attestation quote.
type QuoteReport struct {
	Type        AttestationType
	MRTD        []byte
	RTMRs       [][]byte
	ReportData  []byte
	Debug       bool
	OutdatedTCB bool
}

// MeasuredIdentity returns the identity policies list in accepted_measurements.
func (q *QuoteReport) MeasuredIdentity() string {
	return MeasuredIdentity(q.MRTD, q.RTMRs)
}

type RemoteAttestationProvider struct {
	Address string
	Client  *http.Client
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DummyAttestationProvider produces unsigned quotes for development. The
// custodian accepts them only for sessions tolerating dummy-attestation.
type DummyAttestationProvider struct {
	MRTD  []byte
	RTMRs [][]byte
	Debug bool
}

type dummyQuote struct {
	Type       AttestationType `json:"type"`
	MRTD       string          `json:"mrtd"`
	RTMRs      []string        `json:"rtmrs"`
	ReportData string          `json:"report_data"`
	Debug      bool            `json:"debug"`
}

func (*DummyAttestationProvider) AttestationType() AttestationType {
	return DummyAttestation
}

func (p *DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	q := dummyQuote{
		Type:       DummyAttestation,
		MRTD:       hex.EncodeToString(p.MRTD),
		ReportData: hex.EncodeToString(reportData[:]),
		Debug:      p.Debug,
	}
	for _, r := range p.RTMRs {
		q.RTMRs = append(q.RTMRs, hex.EncodeToString(r))
	}
	return json.Marshal(q)
}

// MeasuredIdentity returns the identity quotes from this provider will carry.
func (p *DummyAttestationProvider) MeasuredIdentity() string {
	return MeasuredIdentity(p.MRTD, p.RTMRs)
}

// ParseDummyQuote decodes a quote produced by DummyAttestationProvider.
func ParseDummyQuote(raw []byte) (*QuoteReport, error) {
	var q dummyQuote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("could not parse dummy quote: %w", err)
	}
	if q.Type != DummyAttestation {
		return nil, fmt.Errorf("unexpected quote type %q", q.Type)
	}

	report := &QuoteReport{Type: DummyAttestation, Debug: q.Debug}

	var err error
	if report.MRTD, err = hex.DecodeString(q.MRTD); err != nil {
		return nil, fmt.Errorf("invalid mrtd: %w", err)
	}
	if report.ReportData, err = hex.DecodeString(q.ReportData); err != nil {
		return nil, fmt.Errorf("invalid report data: %w", err)
	}
	for i, r := range q.RTMRs {
		decoded, err := hex.DecodeString(r)
		if err != nil {
			return nil, fmt.Errorf("invalid rtmr%d: %w", i, err)
		}
		report.RTMRs = append(report.RTMRs, decoded)
	}

	return report, nil
}

// VerifyDCAPQuote checks a TDX quote's signature chain and returns its
// measurements. TCB freshness is not evaluated, so OutdatedTCB stays false.
func VerifyDCAPQuote(raw []byte) (*QuoteReport, error) {
	protoQuote, err := tdx_abi.QuoteToProto(raw)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	// TODO: fetch collateral before verifying so outdated TCB levels can be reported
	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	body := v4Quote.TdQuoteBody
	report := &QuoteReport{
		Type:       DCAPAttestation,
		MRTD:       body.MrTd,
		RTMRs:      body.Rtmrs,
		ReportData: body.ReportData,
		Debug:      len(body.TdAttributes) > 0 && body.TdAttributes[0]&tdAttributesDebug != 0,
	}

	return report, nil
}

// ReportDataMatches compares a quote's report data with the expected binding.
func (q *QuoteReport) ReportDataMatches(expected [64]byte) bool {
	return bytes.Equal(q.ReportData, expected[:])
}
