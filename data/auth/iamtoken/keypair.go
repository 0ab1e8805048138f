package iamtoken

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/youmark/pkcs8"

	"github.com/vortex-fintech/dbqueue/data/auth"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

const DefaultKeyPairTTL = 5 * time.Minute

// KeyPairSource signs a short-lived RS256 JWT with the user's API key.
// The key id is "<tenancy>/<user>/<fingerprint>" and the audience is the
// region, so the database side can look up the public key and check scope.
type KeyPairSource struct {
	TTL time.Duration

	now      func() time.Time
	readFile func(string) ([]byte, error)
}

var _ auth.TokenSource = (*KeyPairSource)(nil)

func NewKeyPairSource() *KeyPairSource {
	return &KeyPairSource{TTL: DefaultKeyPairTTL, now: time.Now, readFile: os.ReadFile}
}

type keyPairClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

func (s *KeyPairSource) Token(_ context.Context, req auth.TokenRequest) (auth.Credential, error) {
	sk, ok := req.Strategy.(auth.SimpleKey)
	if !ok {
		return auth.Credential{}, errx.New(errx.KindConfig, "token", "key-pair source needs a simpleKey strategy")
	}

	raw, err := s.readFile(sk.PrivateKeyLocation)
	if err != nil {
		return auth.Credential{}, errx.Wrap(errx.KindConfig, "token", err)
	}
	key, err := parsePrivateKey(raw, sk.Passphrase)
	if err != nil {
		return auth.Credential{}, errx.Wrap(errx.KindConfig, "token", err)
	}

	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultKeyPairTTL
	}
	now := s.now().UTC()
	claims := keyPairClaims{
		Scope: req.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sk.TenancyID,
			Subject:   sk.UserID,
			Audience:  jwt.ClaimStrings{sk.RegionID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = sk.TenancyID + "/" + sk.UserID + "/" + sk.Fingerprint

	signed, err := tok.SignedString(key)
	if err != nil {
		return auth.Credential{}, errx.Wrap(errx.KindConnect, "token", err)
	}
	return auth.Credential{User: userFor(req, sk.UserID), Password: signed}, nil
}

var errNoPEM = errors.New("private key file has no PEM block")

func parsePrivateKey(raw []byte, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errNoPEM
	}

	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		return pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(passphrase))
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rk, nil
	default:
		return nil, errors.New("unsupported PEM block " + block.Type)
	}
}
