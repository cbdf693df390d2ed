package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyComment is appended to generated public keys.
const KeyComment = "ctxt-agent"

// EnsureKeyFile creates an unencrypted ed25519 key pair at path (private,
// 0600) and path+".pub" unless the private key already exists. It reports
// whether a new key was written.
func EnsureKeyFile(path string) (bool, error) {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("generate ed25519 key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("convert public key to ssh format: %w", err)
	}
	pubKeyStr := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPubKey))) + " " + KeyComment + "\n"

	privKeyPEM, err := ssh.MarshalPrivateKey(privKey, KeyComment)
	if err != nil {
		return false, fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(privKeyPEM), 0o600); err != nil {
		return false, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(path+".pub", []byte(pubKeyStr), 0o644); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("write public key: %w", err)
	}
	return true, nil
}
