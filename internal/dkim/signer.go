package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders are covered by every signature
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type", "In-Reply-To", "References"}

// Signer signs outgoing messages for one domain
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

func NewSigner(key *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		key:      key,
		domain:   strings.ToLower(domain),
		selector: selector,
	}
}

// NewSignerFromFile loads a PEM key and creates a signer
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key for %s: %w", domain, err)
	}
	return NewSigner(key, domain, selector), nil
}

// Sign returns the message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

func (s *Signer) Domain() string   { return s.domain }
func (s *Signer) Selector() string { return s.selector }

// KeyConfig points at the key of one signing domain
type KeyConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// Keyring picks a signer by the sender's domain
type Keyring struct {
	signers map[string]*Signer
}

// NewKeyring loads every configured key; an empty list yields an empty keyring
func NewKeyring(keys []KeyConfig) (*Keyring, error) {
	k := &Keyring{signers: make(map[string]*Signer, len(keys))}
	for _, kc := range keys {
		s, err := NewSignerFromFile(kc.KeyFile, kc.Domain, kc.Selector)
		if err != nil {
			return nil, err
		}
		k.Add(s)
	}
	return k, nil
}

func (k *Keyring) Add(s *Signer) {
	k.signers[strings.ToLower(s.Domain())] = s
}

// ForAddress returns the signer for the address's domain or nil
func (k *Keyring) ForAddress(addr string) *Signer {
	if k == nil {
		return nil
	}
	domain := SendingDomain(addr)
	if domain == "" {
		return nil
	}
	return k.signers[domain]
}

func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.signers)
}
