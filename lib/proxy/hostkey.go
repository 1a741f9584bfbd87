package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// hostKeyBits sizes the RSA host key generated on first start.
const hostKeyBits = 4096

// LoadHostKey loads the gateway's host key from path. If the file does not
// exist a new RSA key is generated and written there first, so the gateway
// presents the same identity across restarts without any provisioning step.
func LoadHostKey(path string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, trace.ConvertSystemError(err)
		}
		if pemBytes, err = generateHostKey(path); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, trace.BadParameter("cannot parse host key %q: %v", path, err)
	}
	return signer, nil
}

// generateHostKey creates a fresh RSA host key, writes it PEM-encoded to path
// and returns the encoded bytes.
func generateHostKey(path string) ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, hostKeyBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return pemBytes, nil
}
