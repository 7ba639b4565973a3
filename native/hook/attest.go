package hook

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AttestationDomainV1 is the domain separator signed alongside every attested
// reading.
const AttestationDomainV1 = "PRICEHOOK_READING_V1"

var (
	// ErrAttestationSignerUnknown indicates the source has no registered signer.
	ErrAttestationSignerUnknown = errors.New("hook: attestation signer unknown")
	// ErrAttestationInvalid indicates the signature could not be recovered or
	// did not match the registered signer.
	ErrAttestationInvalid = errors.New("hook: attestation signature invalid")
)

// Attestation carries a secp256k1 signature over the canonical rendering of a
// reading, allowing the core to verify a feed payload was produced by the
// registered publisher for its source.
type Attestation struct {
	Domain    string
	Source    string
	Symbol    string
	Price     *big.Rat
	Timestamp time.Time
	Signature []byte
}

// NewAttestation builds an attestation from raw submission fields.
func NewAttestation(source, symbol, price string, ts int64, signature []byte) (*Attestation, error) {
	trimmedSource := strings.ToLower(strings.TrimSpace(source))
	if trimmedSource == "" {
		return nil, fmt.Errorf("hook: attestation source required")
	}
	key := normaliseSymbol(symbol)
	if key == "" {
		return nil, fmt.Errorf("hook: attestation symbol required")
	}
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(price))
	if !ok {
		return nil, fmt.Errorf("hook: attestation invalid price %q", price)
	}
	if rat.Sign() <= 0 {
		return nil, fmt.Errorf("hook: attestation price must be positive")
	}
	if ts <= 0 {
		return nil, fmt.Errorf("hook: attestation timestamp required")
	}
	att := &Attestation{
		Domain:    AttestationDomainV1,
		Source:    trimmedSource,
		Symbol:    key,
		Price:     rat,
		Timestamp: time.Unix(ts, 0).UTC(),
	}
	if len(signature) > 0 {
		att.Signature = append([]byte(nil), signature...)
	}
	return att, nil
}

// CanonicalMessage renders the exact byte string covered by the signature.
func (a *Attestation) CanonicalMessage() (string, error) {
	if a == nil {
		return "", fmt.Errorf("hook: attestation not initialised")
	}
	if a.Price == nil || a.Price.Sign() <= 0 {
		return "", fmt.Errorf("hook: attestation price required")
	}
	if a.Timestamp.IsZero() {
		return "", fmt.Errorf("hook: attestation timestamp required")
	}
	builder := strings.Builder{}
	builder.WriteString(strings.ToUpper(strings.TrimSpace(a.Domain)))
	builder.WriteString("|source=")
	builder.WriteString(strings.ToLower(strings.TrimSpace(a.Source)))
	builder.WriteString("|symbol=")
	builder.WriteString(normaliseSymbol(a.Symbol))
	builder.WriteString("|price=")
	builder.WriteString(a.Price.FloatString(AccountingDecimals))
	builder.WriteString("|ts=")
	builder.WriteString(fmt.Sprintf("%d", a.Timestamp.UTC().Unix()))
	return builder.String(), nil
}

// Hash returns the keccak digest the publisher signs.
func (a *Attestation) Hash() ([]byte, error) {
	message, err := a.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256([]byte(message)), nil
}

// Reading converts a verified attestation into a PriceReading.
func (a *Attestation) Reading() PriceReading {
	if a == nil {
		return PriceReading{}
	}
	reading := PriceReading{Symbol: a.Symbol, ObservedAt: a.Timestamp, Source: a.Source}
	if a.Price != nil {
		reading.Price = new(big.Rat).Set(a.Price)
	}
	return reading
}

// AttestationVerifier checks attested readings against a registry of publisher
// addresses, one per source.
type AttestationVerifier struct {
	mu              sync.RWMutex
	signers         map[string]ethcommon.Address
	futureTolerance time.Duration
	now             func() time.Time
}

// NewAttestationVerifier constructs a verifier with an empty signer registry.
func NewAttestationVerifier() *AttestationVerifier {
	return &AttestationVerifier{
		signers:         make(map[string]ethcommon.Address),
		futureTolerance: defaultFutureTolerance,
		now:             time.Now,
	}
}

// SetClock overrides the verifier clock, primarily for deterministic testing.
func (v *AttestationVerifier) SetClock(now func() time.Time) {
	if v == nil || now == nil {
		return
	}
	v.now = now
}

// RegisterSigner binds a publisher address to a source identifier, replacing
// any previous binding.
func (v *AttestationVerifier) RegisterSigner(source string, signer ethcommon.Address) error {
	if v == nil {
		return fmt.Errorf("hook: attestation verifier not configured")
	}
	key := strings.ToLower(strings.TrimSpace(source))
	if key == "" {
		return fmt.Errorf("hook: attestation source required")
	}
	if signer == (ethcommon.Address{}) {
		return fmt.Errorf("hook: attestation signer address required")
	}
	v.mu.Lock()
	v.signers[key] = signer
	v.mu.Unlock()
	return nil
}

// Verify validates the attestation signature and timestamp and returns the
// embedded reading on success.
func (v *AttestationVerifier) Verify(att *Attestation) (PriceReading, error) {
	if v == nil {
		return PriceReading{}, fmt.Errorf("hook: attestation verifier not configured")
	}
	if att == nil {
		return PriceReading{}, fmt.Errorf("%w: attestation required", ErrAttestationInvalid)
	}
	if !strings.EqualFold(strings.TrimSpace(att.Domain), AttestationDomainV1) {
		return PriceReading{}, fmt.Errorf("%w: domain %q", ErrAttestationInvalid, att.Domain)
	}
	key := strings.ToLower(strings.TrimSpace(att.Source))
	v.mu.RLock()
	signer, ok := v.signers[key]
	v.mu.RUnlock()
	if !ok {
		return PriceReading{}, fmt.Errorf("%w: %s", ErrAttestationSignerUnknown, key)
	}
	if len(att.Signature) != 65 {
		return PriceReading{}, fmt.Errorf("%w: signature length %d", ErrAttestationInvalid, len(att.Signature))
	}
	hash, err := att.Hash()
	if err != nil {
		return PriceReading{}, err
	}
	pubKey, err := ethcrypto.SigToPub(hash, att.Signature)
	if err != nil {
		return PriceReading{}, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
	}
	if ethcrypto.PubkeyToAddress(*pubKey) != signer {
		return PriceReading{}, fmt.Errorf("%w: recovered address mismatch", ErrAttestationInvalid)
	}
	now := v.now()
	if v.futureTolerance > 0 && att.Timestamp.After(now.Add(v.futureTolerance)) {
		return PriceReading{}, fmt.Errorf("%w: attested timestamp in the future", ErrInvalidReading)
	}
	return att.Reading(), nil
}
