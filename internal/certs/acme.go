package certs

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"golang.org/x/crypto/acme"
)

// ErrAccountExists is returned by ACMEClient.Register when the CA already
// knows the account key. The manager treats it as success.
var ErrAccountExists = errors.New("acme account already exists")

// Solver publishes DNS-01 challenge records on behalf of an ACMEClient.
type Solver interface {
	// Present publishes the TXT record for domain derived from keyAuth.
	Present(ctx context.Context, domain, keyAuth string) error
	// Ready blocks until presented records may be validated.
	Ready(ctx context.Context) error
}

// ACMEClient is the part of an ACME CA the manager drives. One client is
// bound to one directory URL.
type ACMEClient interface {
	Register(ctx context.Context, email string) error
	// Issue runs a full DNS-01 order for domains and returns the DER
	// certificate chain, leaf first.
	Issue(ctx context.Context, domains []string, csr []byte, solver Solver) ([][]byte, error)
}

// ClientFactory builds the client for one CA directory.
type ClientFactory func(directoryURL string, accountKey crypto.Signer) ACMEClient

const dns01 = "dns-01"

type acmeClient struct {
	client *acme.Client
}

// NewACMEClient returns an ACMEClient backed by golang.org/x/crypto/acme.
func NewACMEClient(directoryURL string, accountKey crypto.Signer) ACMEClient {
	return &acmeClient{client: &acme.Client{
		Key:          accountKey,
		DirectoryURL: directoryURL,
		UserAgent:    "fleetgate",
	}}
}

func (c *acmeClient) Register(ctx context.Context, email string) error {
	acct := &acme.Account{}
	if email != "" {
		acct.Contact = []string{"mailto:" + email}
	}
	_, err := c.client.Register(ctx, acct, acme.AcceptTOS)
	if errors.Is(err, acme.ErrAccountAlreadyExists) {
		return ErrAccountExists
	}
	return err
}

func (c *acmeClient) Issue(ctx context.Context, domains []string, csr []byte, solver Solver) ([][]byte, error) {
	order, err := c.client.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return nil, fmt.Errorf("authorize order: %w", err)
	}

	thumbprint, err := acme.JWKThumbprint(c.client.Key.Public())
	if err != nil {
		return nil, err
	}

	var pending []*acme.Challenge
	var authzURLs []string
	for _, u := range order.AuthzURLs {
		authz, err := c.client.GetAuthorization(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}
		var chal *acme.Challenge
		for _, ch := range authz.Challenges {
			if ch.Type == dns01 {
				chal = ch
				break
			}
		}
		if chal == nil {
			return nil, fmt.Errorf("no %s challenge offered for %s", dns01, authz.Identifier.Value)
		}
		if err := solver.Present(ctx, authz.Identifier.Value, chal.Token+"."+thumbprint); err != nil {
			return nil, err
		}
		pending = append(pending, chal)
		authzURLs = append(authzURLs, authz.URI)
	}

	if len(pending) > 0 {
		if err := solver.Ready(ctx); err != nil {
			return nil, err
		}
	}
	for i, chal := range pending {
		if _, err := c.client.Accept(ctx, chal); err != nil {
			return nil, fmt.Errorf("accept challenge: %w", err)
		}
		if _, err := c.client.WaitAuthorization(ctx, authzURLs[i]); err != nil {
			return nil, fmt.Errorf("wait authorization: %w", err)
		}
	}

	order, err = c.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, fmt.Errorf("wait order: %w", err)
	}
	chain, _, err := c.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("finalize order: %w", err)
	}
	return chain, nil
}
