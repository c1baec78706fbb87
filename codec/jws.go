package codec

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrSeal is wrapped by every signature failure on Open.
var ErrSeal = errors.New("codec: body signature invalid")

// Sealer signs serialized bodies as compact JWS (EdDSA) so a record
// tampered with in a shared store fails to deserialize. Ed25519
// signatures are deterministic, so sealing keeps bodies stable.
//
// Keys are held in memory under a kid; the active kid signs and every
// registered kid verifies, which allows rotation without rewriting
// stored tickets.
type Sealer struct {
	mu        sync.RWMutex
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

func NewSealer() *Sealer {
	return &Sealer{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// AddKey registers a key pair under kid. The active key is unchanged.
func (s *Sealer) AddKey(kid string, priv ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privKeys[kid] = priv
	s.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (s *Sealer) SetActive(kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	s.activeKid = kid
	return nil
}

func (s *Sealer) ActiveKID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeKid
}

// Seal returns body wrapped in a compact JWS.
func (s *Sealer) Seal(body []byte) ([]byte, error) {
	s.mu.RLock()
	kid := s.activeKid
	priv, ok := s.privKeys[kid]
	s.mu.RUnlock()
	if kid == "" {
		return nil, fmt.Errorf("no active kid configured")
	}
	if !ok {
		return nil, fmt.Errorf("active kid not found: %s", kid)
	}
	opts := (&jose.SignerOptions{}).WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("failed to sign body: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize jws: %w", err)
	}
	return []byte(compact), nil
}

// Open verifies a sealed body and returns the payload.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	jws, err := jose.ParseSigned(string(sealed), []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrSeal, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: unexpected signatures: %d", ErrSeal, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	s.mu.RLock()
	pub, ok := s.pubKeys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid: %s", ErrSeal, kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeal, err)
	}
	return payload, nil
}
