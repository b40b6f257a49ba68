package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestCheckEndpoint(t *testing.T) {
	r := fakeResolver{
		"hooks.example.com":  {"93.184.216.34"},
		"sneaky.example.com": {"93.184.216.34", "10.0.0.5"},
	}

	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"public https host", "https://hooks.example.com/gig", nil},
		{"public ip literal", "https://93.184.216.34/cb", nil},
		{"plain http", "http://hooks.example.com/gig", ErrInsecureURL},
		{"no host", "https:///path", ErrInvalidURL},
		{"garbage", "://nope", ErrInvalidURL},
		{"userinfo", "https://user:pw@hooks.example.com/", ErrInvalidURL},
		{"localhost", "https://localhost/cb", ErrBlockedTarget},
		{"metadata", "https://metadata.google.internal/", ErrBlockedTarget},
		{"loopback literal", "https://127.0.0.1/cb", ErrBlockedTarget},
		{"private literal", "https://192.168.1.10/cb", ErrBlockedTarget},
		{"link local", "https://169.254.169.254/latest", ErrBlockedTarget},
		{"resolves private", "https://sneaky.example.com/cb", ErrBlockedTarget},
		{"unresolvable", "https://missing.example.com/cb", ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckEndpoint(context.Background(), tt.url, r)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
