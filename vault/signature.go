package vault

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// SignatureAlgorithm names a digest-signing algorithm understood by the
// vault. The values follow the JOSE registry, which is what key-management
// services speak on the wire.
type SignatureAlgorithm string

const (
	AlgorithmES256 SignatureAlgorithm = "ES256"
	AlgorithmES384 SignatureAlgorithm = "ES384"
	AlgorithmES512 SignatureAlgorithm = "ES512"
	AlgorithmRS256 SignatureAlgorithm = "RS256"
	AlgorithmRS384 SignatureAlgorithm = "RS384"
	AlgorithmRS512 SignatureAlgorithm = "RS512"
)

// Hash returns the digest function the algorithm signs.
func (a SignatureAlgorithm) Hash() (crypto.Hash, error) {
	switch a {
	case AlgorithmES256, AlgorithmRS256:
		return crypto.SHA256, nil
	case AlgorithmES384, AlgorithmRS384:
		return crypto.SHA384, nil
	case AlgorithmES512, AlgorithmRS512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported signature algorithm %q", a)
	}
}

// AlgorithmFor selects the vault signature algorithm for a public key and
// digest function. EC keys sign with the curve-matched ES variant; RSA keys
// sign PKCS#1 v1.5 with the requested digest.
func AlgorithmFor(pub crypto.PublicKey, hash crypto.Hash) (SignatureAlgorithm, error) {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		switch key.Curve.Params().Name {
		case "P-256":
			return AlgorithmES256, nil
		case "P-384":
			return AlgorithmES384, nil
		case "P-521":
			return AlgorithmES512, nil
		default:
			return "", fmt.Errorf("unsupported EC curve %q", key.Curve.Params().Name)
		}
	case *rsa.PublicKey:
		switch hash {
		case crypto.SHA256:
			return AlgorithmRS256, nil
		case crypto.SHA384:
			return AlgorithmRS384, nil
		case crypto.SHA512:
			return AlgorithmRS512, nil
		default:
			return "", fmt.Errorf("unsupported RSA digest %v", hash)
		}
	default:
		return "", fmt.Errorf("unsupported public key type %T", pub)
	}
}

// ECSignatureDER converts the raw r||s signature returned by the vault for
// EC keys into the ASN.1 DER SEQUENCE form X.509 structures require. The
// two halves of raw are the big-endian r and s values, each padded to the
// curve's byte size.
func ECSignatureDER(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: malformed raw EC signature of %d bytes", ErrSigningFailure, len(raw))
	}
	half := len(raw) / 2
	sig := struct {
		R, S *big.Int
	}{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	}
	der, err := asn1.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding EC signature: %v", ErrSigningFailure, err)
	}
	return der, nil
}
