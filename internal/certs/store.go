package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

// Store holds loaded certificate bundles. The snapshot is swapped atomically
// on reload so in-flight handshakes and established connections keep the
// certificate they started with.
type Store struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	byName   map[string]*loaded
	byDomain map[string]*loaded // lowercased SAN/config domains, incl. "*." patterns
}

type loaded struct {
	name string
	cert *tls.Certificate
}

func NewStore() *Store {
	s := &Store{}
	s.snap.Store(&snapshot{
		byName:   make(map[string]*loaded),
		byDomain: make(map[string]*loaded),
	})
	return s
}

// Load reads every bundle and swaps in a new snapshot. A bundle that fails to
// load is reported in the returned map; if a previous snapshot already has it
// (renewal gone wrong), the old certificate is kept so serving continues.
func (s *Store) Load(bundles []model.CertificateBundle) map[string]error {
	prev := s.snap.Load()
	next := &snapshot{
		byName:   make(map[string]*loaded),
		byDomain: make(map[string]*loaded),
	}
	failed := make(map[string]error)

	for _, b := range bundles {
		l, err := loadBundle(b)
		if err != nil {
			if old, ok := prev.byName[b.Name]; ok {
				next.insert(old, b.Domains)
				failed[b.Name] = fmt.Errorf("%w (keeping previously loaded certificate)", err)
			} else {
				failed[b.Name] = err
			}
			continue
		}
		next.insert(l, b.Domains)
	}

	s.snap.Store(next)
	if len(failed) == 0 {
		return nil
	}
	return failed
}

func (sn *snapshot) insert(l *loaded, extraDomains []string) {
	sn.byName[l.name] = l
	for _, d := range leafDomains(l.cert) {
		sn.byDomain[strings.ToLower(d)] = l
	}
	for _, d := range extraDomains {
		sn.byDomain[strings.ToLower(d)] = l
	}
}

// Has reports whether every named bundle is currently loaded. Listeners call
// this before binding so a broken bundle fails that listener with a clear
// error instead of a handshake-time surprise.
func (s *Store) Has(names []string) error {
	sn := s.snap.Load()
	for _, n := range names {
		if _, ok := sn.byName[n]; !ok {
			return fmt.Errorf("certificate bundle %q is not loaded", n)
		}
	}
	return nil
}

// GetCertificate returns a tls.Config callback restricted to the named
// bundles. SNI picks the bundle covering the requested server name; with no
// SNI match the first named bundle is the default.
func (s *Store) GetCertificate(names []string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		sn := s.snap.Load()
		allowed := make(map[string]bool, len(names))
		for _, n := range names {
			allowed[n] = true
		}

		sni := strings.ToLower(chi.ServerName)
		if sni != "" {
			if l, ok := sn.byDomain[sni]; ok && allowed[l.name] {
				return l.cert, nil
			}
			// wildcard: a.example.com -> *.example.com
			if i := strings.IndexByte(sni, '.'); i >= 0 {
				if l, ok := sn.byDomain["*"+sni[i:]]; ok && allowed[l.name] {
					return l.cert, nil
				}
			}
		}

		for _, n := range names {
			if l, ok := sn.byName[n]; ok {
				return l.cert, nil
			}
		}
		return nil, fmt.Errorf("no certificate for server name %q", chi.ServerName)
	}
}

// TLSConfig builds the listener tls.Config for the named bundles.
func (s *Store) TLSConfig(names []string) *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate(names),
	}
}

// loadBundle reads cert, key and chain, refusing to proceed if any of the
// three files is missing or unreadable. The served chain is leaf + chain
// concatenated.
func loadBundle(b model.CertificateBundle) (*loaded, error) {
	certPEM, err := readPEM(b.Name, "cert", b.CertFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readPEM(b.Name, "key", b.KeyFile)
	if err != nil {
		return nil, err
	}
	chainPEM, err := readPEM(b.Name, "chain", b.ChainFile)
	if err != nil {
		return nil, err
	}

	full := make([]byte, 0, len(certPEM)+1+len(chainPEM))
	full = append(full, certPEM...)
	if len(certPEM) > 0 && certPEM[len(certPEM)-1] != '\n' {
		full = append(full, '\n')
	}
	full = append(full, chainPEM...)

	cert, err := tls.X509KeyPair(full, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("certificate bundle %q: %w", b.Name, err)
	}
	// parse the leaf once so SNI matching does not re-parse per handshake
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			cert.Leaf = leaf
		}
	}
	return &loaded{name: b.Name, cert: &cert}, nil
}

func readPEM(bundle, kind, path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("certificate bundle %q: read %s file %s: %w", bundle, kind, path, err)
	}
	return b, nil
}

func leafDomains(cert *tls.Certificate) []string {
	if cert.Leaf == nil {
		return nil
	}
	domains := cert.Leaf.DNSNames
	if len(domains) == 0 && cert.Leaf.Subject.CommonName != "" {
		domains = []string{cert.Leaf.Subject.CommonName}
	}
	return domains
}
