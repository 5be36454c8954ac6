package consensus

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/sign/schnorr"
	"go.dedis.ch/kyber/v4/suites"
	"go.dedis.ch/kyber/v4/util/key"
)

var (
	ErrUnknownParticipant = errors.New("no credential for participant")
	ErrMissingSignature   = errors.New("missing signature")
	ErrInvalidSignature   = errors.New("invalid signature")
)

var suite = suites.MustFind("Ed25519")

// Authenticator verifies that a vote was produced by the participant it names
type Authenticator interface {
	Authenticate(v Vote) error
}

// KeyPair is a participant signing key pair
type KeyPair struct {
	Public  kyber.Point
	Private kyber.Scalar
}

// GenerateKeyPair creates a fresh participant key pair
func GenerateKeyPair() KeyPair {
	p := key.NewKeyPair(suite)
	return KeyPair{Public: p.Public, Private: p.Private}
}

// EncodePublic returns the hex encoding of a public key
func EncodePublic(p kyber.Point) (string, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// EncodePrivate returns the hex encoding of a private key
func EncodePrivate(s kyber.Scalar) (string, error) {
	b, err := s.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DecodePublic parses a hex encoded public key
func DecodePublic(s string) (kyber.Point, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return p, nil
}

// DecodePrivate parses a hex encoded private key
func DecodePrivate(s string) (kyber.Scalar, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	sc := suite.Scalar()
	if err := sc.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
	}
	return sc, nil
}

// signedMessage is the canonical byte encoding covered by a vote signature
func signedMessage(v Vote) []byte {
	var buf []byte
	appendField := func(s string) {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	appendField(v.Participant)
	appendField(v.RoundID)
	appendField(v.OperationID)
	appendField(string(v.Decision))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.Confidence))
	buf = binary.BigEndian.AppendUint64(buf, uint64(v.Timestamp.UnixNano()))
	return buf
}

// Signer signs votes on behalf of one participant
type Signer struct {
	participant string
	private     kyber.Scalar
}

// NewSigner creates a signer for participant
func NewSigner(participant string, private kyber.Scalar) *Signer {
	return &Signer{participant: participant, private: private}
}

// Participant returns the identity this signer signs for
func (s *Signer) Participant() string {
	return s.participant
}

// Sign stamps the participant identity on v and signs it
func (s *Signer) Sign(v *Vote) error {
	v.Participant = s.participant
	sig, err := schnorr.Sign(suite, s.private, signedMessage(*v))
	if err != nil {
		return fmt.Errorf("failed to sign vote: %w", err)
	}
	v.Signature = sig
	return nil
}

// Verifier authenticates votes with participant public keys only
type Verifier struct {
	mu   sync.RWMutex
	keys map[string]kyber.Point
}

// NewVerifier creates a verifier over a keyring of public keys
func NewVerifier(keys map[string]kyber.Point) *Verifier {
	copied := make(map[string]kyber.Point, len(keys))
	for id, k := range keys {
		copied[id] = k
	}
	return &Verifier{keys: copied}
}

// Authenticate checks v's signature against the credential of v.Participant
func (ver *Verifier) Authenticate(v Vote) error {
	ver.mu.RLock()
	pub, ok := ver.keys[v.Participant]
	ver.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, v.Participant)
	}
	if len(v.Signature) == 0 {
		return ErrMissingSignature
	}
	if err := schnorr.Verify(suite, pub, signedMessage(v), v.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Knows reports whether the keyring has a credential for participant
func (ver *Verifier) Knows(participant string) bool {
	ver.mu.RLock()
	defer ver.mu.RUnlock()
	_, ok := ver.keys[participant]
	return ok
}

// acceptAll is used when signature verification is disabled by configuration
type acceptAll struct{}

func (acceptAll) Authenticate(Vote) error { return nil }

// NoVerification returns an authenticator that accepts every vote
func NoVerification() Authenticator {
	return acceptAll{}
}
