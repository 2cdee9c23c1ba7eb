package transport

import (
	"crypto/tls"
	"encoding/pem"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"benchclient/internal/errors"
)

// Location of the pre-provisioned client identity, relative to the
// directory holding the running binary.
const (
	DefaultIdentityDir      = "Certs"
	DefaultIdentityFile     = "client.pfx"
	DefaultIdentityPassword = "1111"
)

// IdentitySource locates a PKCS#12 client identity.
type IdentitySource struct {
	FS       fs.FS
	Path     string // slash-separated, relative to FS
	Password string
}

// ExecutableDir returns the directory of the running binary with
// symlinks resolved.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// DefaultIdentitySource points at Certs/client.pfx next to the binary.
func DefaultIdentitySource() (IdentitySource, error) {
	dir, err := ExecutableDir()
	if err != nil {
		return IdentitySource{}, &errors.ConfigError{
			Field:   "client-cert",
			Message: "cannot locate executable directory",
			Err:     err,
		}
	}
	return IdentitySource{
		FS:       os.DirFS(dir),
		Path:     path.Join(DefaultIdentityDir, DefaultIdentityFile),
		Password: DefaultIdentityPassword,
	}, nil
}

// LoadIdentity reads and decodes the PKCS#12 archive described by src.
func LoadIdentity(src IdentitySource) (tls.Certificate, error) {
	if src.FS == nil {
		return tls.Certificate{}, &errors.ConfigError{
			Field:   "client-cert",
			Message: "no identity filesystem configured",
			Err:     errors.ErrIdentityNotFound,
		}
	}
	data, err := fs.ReadFile(src.FS, src.Path)
	if err != nil {
		cause := err
		if errors.Is(err, fs.ErrNotExist) {
			cause = errors.Join(errors.ErrIdentityNotFound, err)
		}
		return tls.Certificate{}, &errors.ConfigError{
			Field:   "client-cert",
			Value:   src.Path,
			Message: "cannot read client identity",
			Err:     cause,
		}
	}

	blocks, err := pkcs12.ToPEM(data, src.Password)
	if err != nil {
		return tls.Certificate{}, &errors.ConfigError{
			Field:   "client-cert",
			Value:   src.Path,
			Message: "cannot decode client identity",
			Hint:    "check the archive passphrase (--cert-password)",
			Err:     err,
		}
	}

	var certPEM, keyPEM []byte
	for _, b := range blocks {
		switch {
		case b.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(b)...)
		case strings.HasSuffix(b.Type, "PRIVATE KEY"):
			keyPEM = append(keyPEM, pem.EncodeToMemory(&pem.Block{Type: b.Type, Bytes: b.Bytes})...)
		}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, &errors.ConfigError{
			Field:   "client-cert",
			Value:   src.Path,
			Message: "client identity has no usable certificate/key pair",
			Err:     err,
		}
	}
	return cert, nil
}
