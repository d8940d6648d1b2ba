package nbsftp

import (
	"crypto"
	"crypto/ecdh"
	_ "crypto/sha256" // registers SHA-256 for crypto.Hash
	_ "crypto/sha512" // registers SHA-384 and SHA-512 for crypto.Hash
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"
)

// kexAlgorithm is the client half of an ephemeral Diffie-Hellman exchange.
type kexAlgorithm interface {
	// start generates the ephemeral key pair and returns the public half.
	start(rand io.Reader) ([]byte, error)

	// finish computes the shared secret from the server's ephemeral public key.
	finish(serverPub []byte) (*big.Int, error)

	hash() crypto.Hash
}

func newKexAlgorithm(name string) (kexAlgorithm, error) {
	switch name {
	case KexCurve25519, KexCurve25519LibSSH:
		return &curve25519Kex{}, nil
	case KexECDHP256:
		return &ecdhKex{curve: ecdh.P256(), h: crypto.SHA256}, nil
	case KexECDHP384:
		return &ecdhKex{curve: ecdh.P384(), h: crypto.SHA384}, nil
	case KexECDHP521:
		return &ecdhKex{curve: ecdh.P521(), h: crypto.SHA512}, nil
	}

	return nil, fmt.Errorf("unsupported key exchange %q", name)
}

// curve25519Kex implements curve25519-sha256, RFC 8731.
type curve25519Kex struct {
	priv [32]byte
}

func (k *curve25519Kex) start(rand io.Reader) ([]byte, error) {
	if _, err := io.ReadFull(rand, k.priv[:]); err != nil {
		return nil, err
	}

	return curve25519.X25519(k.priv[:], curve25519.Basepoint)
}

func (k *curve25519Kex) finish(serverPub []byte) (*big.Int, error) {
	if len(serverPub) != 32 {
		return nil, fmt.Errorf("curve25519 public key has length %d", len(serverPub))
	}

	secret, err := curve25519.X25519(k.priv[:], serverPub)
	if err != nil {
		return nil, err
	}

	return new(big.Int).SetBytes(secret), nil
}

func (k *curve25519Kex) hash() crypto.Hash { return crypto.SHA256 }

// ecdhKex implements ecdh-sha2-nistp*, RFC 5656.
type ecdhKex struct {
	curve ecdh.Curve
	h     crypto.Hash
	priv  *ecdh.PrivateKey
}

func (k *ecdhKex) start(rand io.Reader) ([]byte, error) {
	priv, err := k.curve.GenerateKey(rand)
	if err != nil {
		return nil, err
	}

	k.priv = priv
	return priv.PublicKey().Bytes(), nil
}

func (k *ecdhKex) finish(serverPub []byte) (*big.Int, error) {
	pub, err := k.curve.NewPublicKey(serverPub)
	if err != nil {
		return nil, err
	}

	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, err
	}

	return new(big.Int).SetBytes(secret), nil
}

func (k *ecdhKex) hash() crypto.Hash { return k.h }

// exchangeHash computes H, RFC 4253 section 8 with the ECDH fields of RFC 5656 section 4.
func exchangeHash(h crypto.Hash, clientVersion, serverVersion string, clientKexInit, serverKexInit, hostKey, clientPub, serverPub []byte, k *big.Int) []byte {
	w := h.New()
	w.Write(ssh.Marshal(struct {
		ClientVersion string
		ServerVersion string
		ClientKexInit []byte
		ServerKexInit []byte
		HostKey       []byte
		ClientPub     []byte
		ServerPub     []byte
		K             *big.Int
	}{
		clientVersion, serverVersion,
		clientKexInit, serverKexInit,
		hostKey,
		clientPub, serverPub,
		k,
	}))

	return w.Sum(nil)
}

// deriveKey expands the shared secret into n bytes of key material for tag, RFC 4253 section 7.2.
func deriveKey(h crypto.Hash, k *big.Int, exH, sessionID []byte, tag byte, n int) []byte {
	kBytes := ssh.Marshal(struct{ K *big.Int }{k})

	var out []byte
	for len(out) < n {
		w := h.New()
		w.Write(kBytes)
		w.Write(exH)

		if len(out) == 0 {
			w.Write([]byte{tag})
			w.Write(sessionID)
		} else {
			w.Write(out)
		}

		out = append(out, w.Sum(nil)...)
	}

	return out[:n]
}

// keyTypeForAlgo returns the public key type that signs with the host key algorithm.
func keyTypeForAlgo(algo string) string {
	switch algo {
	case ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSASHA512:
		return ssh.KeyAlgoRSA
	}
	return algo
}

// newCiphers builds both directions of the negotiated transport protection.
func newCiphers(algs [numMethodCategories]string, h crypto.Hash, k *big.Int, exH, sessionID []byte) (write, read packetCipher, err error) {
	direction := func(cipherName, macName string, ivTag, keyTag, macTag byte) (packetCipher, error) {
		mode, ok := cipherModes[cipherName]
		if !ok {
			return nil, fmt.Errorf("unsupported cipher %q", cipherName)
		}

		var macKey []byte
		if !isAEAD(cipherName) {
			mm, ok := macModes[macName]
			if !ok {
				return nil, fmt.Errorf("unsupported mac %q", macName)
			}
			macKey = deriveKey(h, k, exH, sessionID, macTag, mm.keySize)
		}

		iv := deriveKey(h, k, exH, sessionID, ivTag, mode.ivSize)
		key := deriveKey(h, k, exH, sessionID, keyTag, mode.keySize)

		return newPacketCipher(cipherName, macName, key, iv, macKey)
	}

	write, err = direction(algs[MethodCipherClientToServer], algs[MethodMACClientToServer], 'A', 'C', 'E')
	if err != nil {
		return nil, nil, err
	}

	read, err = direction(algs[MethodCipherServerToClient], algs[MethodMACServerToClient], 'B', 'D', 'F')
	if err != nil {
		return nil, nil, err
	}

	return write, read, nil
}
