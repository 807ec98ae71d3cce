// Package certs keeps per-node TLS certificates valid by driving ACME
// DNS-01 orders against an ordered list of certificate authorities.
//
// EnsureCertificate is a small state machine:
//
//	check ──fresh──▶ no-op
//	  │
//	  ▼ stale / missing / unparsable
//	issue(CA 1) ──ok──▶ write files, done
//	  │ fail
//	  ▼
//	issue(CA 2) ... ──all failed──▶ ErrExhausted, files untouched
//
// CAs are tried strictly in order and the first success wins. Challenge
// records are published through a ChallengeRelay and always removed once
// the order settles.
package certs

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/singleflight"

	"github.com/dreamware/fleetgate/internal/dnsrelay"
	"github.com/dreamware/fleetgate/internal/metrics"
)

// ErrExhausted is returned when every configured CA failed. It wraps the
// last CA's error.
var ErrExhausted = errors.New("all certificate authorities failed")

// CAError records why one CA could not issue.
type CAError struct {
	Directory string
	Err       error
}

func (e *CAError) Error() string { return fmt.Sprintf("ca %s: %v", e.Directory, e.Err) }
func (e *CAError) Unwrap() error { return e.Err }

// ChallengeRelay delivers DNS-01 records to whoever controls the zone.
// *dnsrelay.Relay implements it.
type ChallengeRelay interface {
	SetChallenge(ctx context.Context, host, value string) error
	RemoveChallenge(ctx context.Context, host, value string) error
}

// Job describes the certificate one node needs.
type Job struct {
	NodeID          string
	Domains         []string
	PrivateKeyPath  string
	CertificatePath string
	// FullChainPath is optional.
	FullChainPath string
	RenewBefore   time.Duration
	Relay         ChallengeRelay
}

// Record describes the certificate on disk after EnsureCertificate.
type Record struct {
	Domains         []string
	PrivateKeyPath  string
	CertificatePath string
	FullChainPath   string
	NotAfter        time.Time
	IssuingCA       string
	// Renewed is false when the existing certificate was kept.
	Renewed bool
}

// Options configures a Manager.
type Options struct {
	// Directories lists ACME directory URLs, primary first.
	Directories      []string
	Email            string
	AccountKeyPath   string
	PropagationDelay time.Duration
	// OrderTimeout bounds one CA exchange.
	OrderTimeout time.Duration
	NewClient    ClientFactory
	Metrics      *metrics.Metrics
	Tracer       trace.Tracer
}

// Manager issues and renews certificates.
type Manager struct {
	opts  Options
	group singleflight.Group

	// accountMu guards creation of the shared account key.
	accountMu sync.Mutex

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// NewManager validates opts and returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if len(opts.Directories) == 0 {
		return nil, errors.New("no ACME directories configured")
	}
	if opts.AccountKeyPath == "" {
		return nil, errors.New("account key path is required")
	}
	if opts.NewClient == nil {
		opts.NewClient = NewACMEClient
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 5 * time.Minute
	}
	if opts.Tracer == nil {
		opts.Tracer = metrics.Tracer()
	}
	return &Manager{
		opts: opts,
		now:  time.Now,
		wait: sleep,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DNS01Value returns the TXT record content for a key authorization:
// base64url without padding of its SHA-256 digest.
func DNS01Value(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// EnsureCertificate keeps job's certificate valid. When it is fresh no
// network call is made. Concurrent calls for the same node and domain set
// share one attempt and receive its result.
//
// Each caller waits under its own ctx. The shared attempt is not tied to
// any one caller: it keeps ctx's values but not its cancellation, and each
// CA exchange is bounded by OrderTimeout.
func (m *Manager) EnsureCertificate(ctx context.Context, job Job) (*Record, error) {
	if len(job.Domains) == 0 {
		return nil, errors.New("job has no domains")
	}
	domains := append([]string(nil), job.Domains...)
	slices.Sort(domains)
	key := job.NodeID + "|" + strings.Join(domains, ",")

	ch := m.group.DoChan(key, func() (any, error) {
		return m.ensure(context.WithoutCancel(ctx), job)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			slog.Debug("joined in-flight certificate attempt", "node_id", job.NodeID)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Record), nil
	}
}

func (m *Manager) ensure(ctx context.Context, job Job) (*Record, error) {
	log := slog.With("node_id", job.NodeID, "domains", job.Domains)

	cert, err := ReadCertificate(job.CertificatePath)
	switch {
	case err != nil:
		log.Info("certificate needs issuance", "reason", err)
	case Fresh(cert, job.Domains, job.RenewBefore, m.now()):
		log.Debug("certificate is fresh", "not_after", cert.NotAfter)
		return &Record{
			Domains:         job.Domains,
			PrivateKeyPath:  job.PrivateKeyPath,
			CertificatePath: job.CertificatePath,
			FullChainPath:   job.FullChainPath,
			NotAfter:        cert.NotAfter,
			IssuingCA:       cert.Issuer.CommonName,
		}, nil
	default:
		log.Info("certificate needs renewal", "not_after", cert.NotAfter, "sans", cert.DNSNames)
	}

	accountKey, err := m.accountKey()
	if err != nil {
		return nil, err
	}
	certKey, reused, err := loadOrCreateCertKey(job.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	if reused {
		log.Debug("reusing certificate key", "path", job.PrivateKeyPath)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: job.Domains[0]},
		DNSNames: job.Domains,
	}, certKey)
	if err != nil {
		return nil, fmt.Errorf("create csr: %w", err)
	}

	var lastErr error
	for _, dir := range m.opts.Directories {
		chain, err := m.issueFrom(ctx, dir, accountKey, job, csr)
		if err != nil {
			lastErr = &CAError{Directory: dir, Err: err}
			m.opts.Metrics.Issuance(dir, "failure")
			log.Warn("certificate authority failed", "ca", dir, "err", err)
			continue
		}
		m.opts.Metrics.Issuance(dir, "success")

		rec, err := m.store(job, certKey, chain)
		if err != nil {
			return nil, err
		}
		rec.IssuingCA = dir
		log.Info("certificate issued", "ca", dir, "not_after", rec.NotAfter)
		return rec, nil
	}

	err = fmt.Errorf("%w: %w", ErrExhausted, lastErr)
	log.Error("certificate issuance exhausted", "cas", len(m.opts.Directories), "err", lastErr)
	return nil, err
}

func (m *Manager) accountKey() (crypto.Signer, error) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	return LoadOrCreateAccountKey(m.opts.AccountKeyPath)
}

func (m *Manager) issueFrom(ctx context.Context, dir string, accountKey crypto.Signer, job Job, csr []byte) ([][]byte, error) {
	ctx, span := m.opts.Tracer.Start(ctx, "certs.issue", trace.WithAttributes(
		attribute.String("node.id", job.NodeID),
		attribute.String("acme.directory", dir),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.opts.OrderTimeout)
	defer cancel()

	chain, err := m.exchange(ctx, dir, accountKey, job, csr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return chain, nil
}

func (m *Manager) exchange(ctx context.Context, dir string, accountKey crypto.Signer, job Job, csr []byte) ([][]byte, error) {
	client := m.opts.NewClient(dir, accountKey)
	if err := client.Register(ctx, m.opts.Email); err != nil && !errors.Is(err, ErrAccountExists) {
		return nil, fmt.Errorf("register account: %w", err)
	}

	s := &dnsSolver{relay: job.Relay, delay: m.opts.PropagationDelay, wait: m.wait, nodeID: job.NodeID}
	chain, err := client.Issue(ctx, job.Domains, csr, s)
	// Cleanup must run even when ctx already expired.
	s.cleanup(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	return chain, nil
}

func (m *Manager) store(job Job, key crypto.Signer, chain [][]byte) (*Record, error) {
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	keyPEM, err := encodePrivateKey(key)
	if err != nil {
		return nil, err
	}

	// Certificate last: if a rename fails the old certificate stays and the
	// next freshness check issues again. The key is reused across renewals.
	files := []pendingFile{{path: job.PrivateKeyPath, data: keyPEM, perm: 0o600}}
	if job.FullChainPath != "" {
		files = append(files, pendingFile{path: job.FullChainPath, data: encodeCertificates(chain), perm: 0o644})
	}
	files = append(files, pendingFile{path: job.CertificatePath, data: encodeCertificates(chain[:1]), perm: 0o644})
	if err := writeFiles(files); err != nil {
		return nil, fmt.Errorf("store certificate: %w", err)
	}
	return &Record{
		Domains:         job.Domains,
		PrivateKeyPath:  job.PrivateKeyPath,
		CertificatePath: job.CertificatePath,
		FullChainPath:   job.FullChainPath,
		NotAfter:        leaf.NotAfter,
		Renewed:         true,
	}, nil
}

type presented struct {
	host  string
	value string
}

// dnsSolver relays challenge records and remembers them for cleanup.
type dnsSolver struct {
	relay  ChallengeRelay
	delay  time.Duration
	wait   func(context.Context, time.Duration) error
	nodeID string

	records []presented
}

func (s *dnsSolver) Present(ctx context.Context, domain, keyAuth string) error {
	if s.relay == nil {
		return errors.New("no challenge relay configured")
	}
	rec := presented{host: dnsrelay.RecordName(domain), value: DNS01Value(keyAuth)}
	s.records = append(s.records, rec)
	return s.relay.SetChallenge(ctx, rec.host, rec.value)
}

// Ready waits the fixed propagation delay. The record is not looked up in
// DNS; slow propagation shows up as a failed validation at the CA.
func (s *dnsSolver) Ready(ctx context.Context) error {
	return s.wait(ctx, s.delay)
}

func (s *dnsSolver) cleanup(ctx context.Context) {
	for _, rec := range s.records {
		if err := s.relay.RemoveChallenge(ctx, rec.host, rec.value); err != nil {
			slog.Warn("challenge cleanup failed", "node_id", s.nodeID, "host", rec.host, "err", err)
		}
	}
}
