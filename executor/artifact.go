package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/twedge/signing"
)

// Artifact is a firmware module and its detached signature.
type Artifact struct {
	Name      string
	Binary    []byte
	Signature []byte
}

// LoadArtifact reads a .wasm file and, if present, its .sig companion.
// The artifact name is the file name without extension.
func LoadArtifact(path string) (Artifact, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("load artifact: %w", err)
	}
	a := Artifact{
		Name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Binary: bin,
	}
	sig, err := signing.LoadSignature(path + signing.SignatureSuffix)
	switch {
	case err == nil:
		a.Signature = sig
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Artifact{}, fmt.Errorf("load signature: %w", err)
	}
	return a, nil
}

// Digest returns the hex BLAKE2b-256 digest of the binary.
func (a Artifact) Digest() string {
	return signing.DigestHex(a.Binary)
}
