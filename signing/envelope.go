package signing

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
)

// Ceremony kinds.
const (
	KindKeygen = "keygen"
	KindSign   = "sign"
)

// Envelope carries one tss-lib wire message between signer nodes.
type Envelope struct {
	Session   string           `cbor:"1,keyasint"`
	Kind      string           `cbor:"2,keyasint"`
	From      interfaces.DID   `cbor:"3,keyasint"`
	To        []interfaces.DID `cbor:"4,keyasint,omitempty"`
	Broadcast bool             `cbor:"5,keyasint"`
	Payload   []byte           `cbor:"6,keyasint"`
	// Signature by From over the other fields.
	Signature []byte `cbor:"7,keyasint,omitempty"`
}

var ErrBadEnvelopeSignature = errors.New("bad envelope signature")

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes e with deterministic cbor.
func (e *Envelope) Marshal() ([]byte, error) {
	return encMode.Marshal(e)
}

func (e *Envelope) digest() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil
	raw, err := encMode.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// Sign sets From to kp's DID and signs the envelope.
func (e *Envelope) Sign(kp *cryptoutils.Keypair) error {
	e.From = kp.DID()
	d, err := e.digest()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	sig, err := crypto.Sign(d, kp.PrivateKey())
	if err != nil {
		return fmt.Errorf("failed to sign envelope: %w", err)
	}
	e.Signature = sig[:64]
	return nil
}

// Verify checks the signature against the From DID.
func (e *Envelope) Verify() error {
	pub, err := cryptoutils.PublicKeyFromDID(e.From)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadEnvelopeSignature, err)
	}
	d, err := e.digest()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadEnvelopeSignature, err)
	}
	if len(e.Signature) != 64 || !crypto.VerifySignature(crypto.CompressPubkey(pub), d, e.Signature) {
		return ErrBadEnvelopeSignature
	}
	return nil
}

// UnmarshalEnvelope decodes and checks an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", interfaces.ErrInvalidRequest, err)
	}
	if e.Session == "" || !e.From.Valid() || len(e.Payload) == 0 {
		return nil, fmt.Errorf("%w: incomplete envelope", interfaces.ErrInvalidRequest)
	}
	if e.Kind != KindKeygen && e.Kind != KindSign {
		return nil, fmt.Errorf("%w: unknown ceremony %q", interfaces.ErrInvalidRequest, e.Kind)
	}
	return &e, nil
}
