package sshtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"path"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

// KeyType selects the algorithm of a generated key.
type KeyType string

// Key types.
const (
	KeyEd25519   KeyType = "ed25519"
	KeyECDSAP256 KeyType = "ecdsa-p256"
	KeyRSA       KeyType = "rsa"
)

// GenerateKey returns a new private key of type typ.
func GenerateKey(typ KeyType) (crypto.Signer, error) {
	switch typ {
	case KeyEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	case KeyECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyRSA:
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	return nil, errors.Errorf("unknown key type %q", typ)
}

// NewSigner returns a signer for a new key of type typ, suitable as a host key.
func NewSigner(typ KeyType) (ssh.Signer, error) {
	key, err := GenerateKey(typ)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

// KeyFiles names a key pair written by WriteKeyPair.
type KeyFiles struct {
	PublicPath  string
	PrivatePath string
	PublicKey   ssh.PublicKey
}

// WriteKeyPair generates a key of type typ and writes it to dir on fsys in OpenSSH format,
// as name (private) and name.pub (authorized_keys line).
// A non-empty passphrase encrypts the private key.
func WriteKeyPair(fsys afero.Fs, dir, name string, typ KeyType, passphrase string) (*KeyFiles, error) {
	key, err := GenerateKey(typ)
	if err != nil {
		return nil, err
	}

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(key, "nbsftp test key")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, "nbsftp test key", []byte(passphrase))
	}
	if err != nil {
		return nil, errors.Wrap(err, "marshaling private key")
	}

	pub, err := ssh.NewPublicKey(key.Public())
	if err != nil {
		return nil, err
	}

	if err := fsys.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	files := &KeyFiles{
		PrivatePath: path.Join(dir, name),
		PublicPath:  path.Join(dir, name+".pub"),
		PublicKey:   pub,
	}

	if err := afero.WriteFile(fsys, files.PrivatePath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	if err := afero.WriteFile(fsys, files.PublicPath, ssh.MarshalAuthorizedKey(pub), 0o644); err != nil {
		return nil, err
	}

	return files, nil
}
