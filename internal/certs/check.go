package certs

import (
	"crypto/x509"
	"strings"
	"time"
)

// Covers reports whether every domain is listed in the certificate's
// subject alternative names. Comparison is case-insensitive.
func Covers(cert *x509.Certificate, domains []string) bool {
	names := make(map[string]bool, len(cert.DNSNames))
	for _, n := range cert.DNSNames {
		names[strings.ToLower(n)] = true
	}
	for _, d := range domains {
		if !names[strings.ToLower(d)] {
			return false
		}
	}
	return true
}

// Fresh reports whether cert can be kept: it outlives now+renewBefore and
// covers all domains.
func Fresh(cert *x509.Certificate, domains []string, renewBefore time.Duration, now time.Time) bool {
	return now.Add(renewBefore).Before(cert.NotAfter) && Covers(cert, domains)
}
