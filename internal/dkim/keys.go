package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultBits is the RSA size of provisioned keys
const DefaultBits = 2048

// txtChunk is the longest character-string a TXT record may hold
const txtChunk = 255

// SendingDomain returns the lowercased domain of a From address, or "" if it has none
func SendingDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(addr[at+1:], ">")))
}

// Provisioned is the signing setup of one sending domain
type Provisioned struct {
	Config KeyConfig
	// Record is the TXT value to publish at RecordName
	Record string
	// Created is false when an existing key file was reused
	Created bool
}

// RecordName is where the public key of a domain is published
func (p Provisioned) RecordName() string {
	return RecordName(p.Config.Selector, p.Config.Domain)
}

// Provision makes sure every sending domain behind targets has a key under
// dir. Targets are mailbox addresses or bare domains; duplicates collapse to
// one key per domain. Existing key files are reused, so provisioning the same
// mailboxes twice changes nothing.
func Provision(dir, selector string, bits int, targets []string) ([]Provisioned, error) {
	if selector == "" {
		return nil, errors.New("selector is required")
	}
	if bits < 1024 {
		bits = DefaultBits
	}

	domains := make(map[string]bool)
	for _, t := range targets {
		d := SendingDomain(t)
		if d == "" && !strings.Contains(t, "@") {
			d = strings.ToLower(strings.TrimSpace(t))
		}
		if d == "" || strings.ContainsAny(d, " \t/") {
			return nil, fmt.Errorf("no sending domain in %q", t)
		}
		domains[d] = true
	}

	names := make([]string, 0, len(domains))
	for d := range domains {
		names = append(names, d)
	}
	sort.Strings(names)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	out := make([]Provisioned, 0, len(names))
	for _, domain := range names {
		path := filepath.Join(dir, domain+"."+selector+".pem")
		p := Provisioned{Config: KeyConfig{Domain: domain, Selector: selector, KeyFile: path}}

		key, err := LoadPrivateKey(path)
		if errors.Is(err, os.ErrNotExist) {
			if key, err = rsa.GenerateKey(rand.Reader, bits); err != nil {
				return nil, fmt.Errorf("failed to generate key for %s: %w", domain, err)
			}
			if err := writeKey(path, key); err != nil {
				return nil, err
			}
			p.Created = true
		} else if err != nil {
			return nil, err
		}

		if p.Record, err = PublicRecord(key); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PublicRecord is the DKIM TXT value for the public half of key
func PublicRecord(key *rsa.PrivateKey) (string, error) {
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub), nil
}

func RecordName(selector, domain string) string {
	return selector + "._domainkey." + domain
}

// ZoneLine renders a record in zone file syntax. Values longer than a single
// character-string are split, as 2048-bit keys always are.
func ZoneLine(name, value string) string {
	var parts []string
	for len(value) > txtChunk {
		parts = append(parts, `"`+value[:txtChunk]+`"`)
		value = value[txtChunk:]
	}
	parts = append(parts, `"`+value+`"`)
	return fmt.Sprintf("%s. IN TXT ( %s )", name, strings.Join(parts, " "))
}

func writeKey(path string, key *rsa.PrivateKey) error {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	// never overwrite a key that may already be published
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if err := pem.Encode(f, block); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}

// LoadPrivateKey reads a PKCS#1 or PKCS#8 RSA key from a PEM file
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key in %s is not RSA", path)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", block.Type)
	}
}
