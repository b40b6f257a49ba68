package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Resolver looks up the addresses of a host. net.DefaultResolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var (
	ErrInvalidURL    = errors.New("security: invalid callback url")
	ErrInsecureURL   = errors.New("security: callback url must use https")
	ErrBlockedTarget = errors.New("security: callback target is not publicly routable")
)

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
}

// ValidateEndpointURL rejects callback URLs that would let the notifier reach
// internal infrastructure. Only https is accepted and every resolved address
// must be public.
func ValidateEndpointURL(rawURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return CheckEndpoint(ctx, rawURL, net.DefaultResolver)
}

// CheckEndpoint is ValidateEndpointURL with an explicit resolver.
func CheckEndpoint(ctx context.Context, rawURL string, r Resolver) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ErrInvalidURL
	}
	if u.Scheme != "https" {
		return ErrInsecureURL
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in url", ErrInvalidURL)
	}

	host := strings.ToLower(u.Hostname())
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: %s", ErrBlockedTarget, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrInvalidURL, host, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("%s resolves to %s: %w", host, a, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(), ip.IsMulticast():
		return fmt.Errorf("%w: %s", ErrBlockedTarget, ip)
	}
	return nil
}
