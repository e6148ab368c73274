package proxy

import (
	"archive/tar"
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxPackageEntry = 10 << 20

// CertPair is a certificate file and the key file holding its private key.
type CertPair struct {
	CertPath string
	KeyPath  string
	Chain    []*x509.Certificate
}

// Leaf returns the certificate served for the pair.
func (p CertPair) Leaf() *x509.Certificate {
	return p.Chain[0]
}

// CertIndex pairs certificates with private keys by public key, independent of file names.
type CertIndex struct {
	Pairs    []CertPair
	Unpaired []string
	Orphans  []string
}

// BuildCertIndex extracts certificate packages in dir, then pairs every
// certificate file with the key file whose public key matches its leaf.
// A missing directory yields an empty index.
func BuildCertIndex(dir string) (*CertIndex, error) {
	idx := &CertIndex{}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		slog.Debug("certificate directory absent", "dir", dir)
		return idx, nil
	}
	pkgs, err := filepath.Glob(filepath.Join(dir, "*.pkg"))
	if err != nil {
		return nil, err
	}
	for _, pkg := range pkgs {
		if err := extractPackage(pkg, dir); err != nil {
			slog.Warn("certificate package skipped", "package", pkg, "err", err)
		}
	}

	type certFile struct {
		path  string
		chain []*x509.Certificate
	}
	var certs []certFile
	keys := make(map[string]string)
	var keyOrder []string

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".pem" && ext != ".crt" && ext != ".key" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("certificate file unreadable", "path", path, "err", err)
			return nil
		}
		if ext != ".key" {
			if chain, err := parseCertificates(data); err == nil {
				certs = append(certs, certFile{path: path, chain: chain})
				return nil
			}
		}
		signer, err := parsePrivateKey(data)
		if err != nil {
			slog.Warn("file holds neither certificate nor key", "path", path, "err", err)
			return nil
		}
		id, err := publicKeyID(signer.Public())
		if err != nil {
			slog.Warn("unsupported key", "path", path, "err", err)
			return nil
		}
		if _, dup := keys[id]; !dup {
			keys[id] = path
			keyOrder = append(keyOrder, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	used := make(map[string]bool)
	for _, c := range certs {
		id, err := publicKeyID(c.chain[0].PublicKey)
		if err != nil {
			idx.Unpaired = append(idx.Unpaired, c.path)
			continue
		}
		keyPath, ok := keys[id]
		if !ok {
			idx.Unpaired = append(idx.Unpaired, c.path)
			continue
		}
		used[id] = true
		idx.Pairs = append(idx.Pairs, CertPair{CertPath: c.path, KeyPath: keyPath, Chain: c.chain})
		slog.Debug("certificate paired", "cert", c.path, "key", keyPath)
	}
	for _, id := range keyOrder {
		if !used[id] {
			idx.Orphans = append(idx.Orphans, keys[id])
		}
	}
	return idx, nil
}

// SelectCert returns the first pair whose leaf certificate covers host.
func (idx *CertIndex) SelectCert(host string) (CertPair, bool) {
	for _, p := range idx.Pairs {
		if p.Leaf().VerifyHostname(host) == nil {
			return p, true
		}
	}
	return CertPair{}, false
}

// publicKeyID identifies a public key by the digest of its PKIX encoding.
// For RSA keys this is equivalent to comparing moduli.
func publicKeyID(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// parseCertificates decodes all CERTIFICATE PEM blocks from data; the leaf comes first.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate at position %d: %w", len(certs), err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no PEM certificate blocks found")
	}
	return certs, nil
}

// parsePrivateKey decodes the first PKCS#1, PKCS#8 or SEC 1 private key in data.
func parsePrivateKey(data []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no PEM private key found")
		}
		var key any
		var err error
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", strings.ToLower(block.Type), err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	}
}

// extractPackage unpacks the regular files of a tar archive into dest,
// rejecting entries that would land outside it.
func extractPackage(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		target := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("illegal path %q in %s", hdr.Name, path)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if hdr.Size > maxPackageEntry {
				return fmt.Errorf("entry %s too large: %d bytes", hdr.Name, hdr.Size)
			}
			var buf bytes.Buffer
			if _, err := io.CopyN(&buf, tr, hdr.Size); err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			if err := os.WriteFile(target, buf.Bytes(), 0o600); err != nil {
				return err
			}
		default:
			slog.Debug("package entry skipped", "package", path, "entry", hdr.Name)
		}
	}
}

// certWarnings reports problems with a served certificate chain that nginx will not catch.
func certWarnings(p CertPair, host string, now time.Time) []string {
	var out []string
	leaf := p.Leaf()
	if now.After(leaf.NotAfter) {
		out = append(out, fmt.Sprintf("%s: certificate for %s expired %s", p.CertPath, host, leaf.NotAfter.Format(time.RFC3339)))
	} else if now.Before(leaf.NotBefore) {
		out = append(out, fmt.Sprintf("%s: certificate for %s not valid before %s", p.CertPath, host, leaf.NotBefore.Format(time.RFC3339)))
	}
	if isSelfSigned(leaf) && !leaf.IsCA {
		out = append(out, fmt.Sprintf("%s: certificate for %s is self-signed", p.CertPath, host))
	}
	for i := 0; i < len(p.Chain)-1; i++ {
		if p.Chain[i].Issuer.String() != p.Chain[i+1].Subject.String() {
			out = append(out, fmt.Sprintf("%s: chain misordered at position %d", p.CertPath, i))
			break
		}
	}
	return out
}

func isSelfSigned(c *x509.Certificate) bool {
	if c.Issuer.String() != c.Subject.String() {
		return false
	}
	if len(c.AuthorityKeyId) > 0 && len(c.SubjectKeyId) > 0 {
		return bytes.Equal(c.AuthorityKeyId, c.SubjectKeyId)
	}
	return true
}
