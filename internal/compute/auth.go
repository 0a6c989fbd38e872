package compute

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	computeapi "google.golang.org/api/compute/v1"
)

// DecodeKey decodes a base64 service-account key. Padded and unpadded
// encodings are accepted. Input that already looks like JSON is returned as is.
func DecodeKey(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	if strings.HasPrefix(s, "{") {
		return []byte(s), nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		key, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode key: %w", ErrAuth, err)
	}
	return key, nil
}

// TokenSource returns a cached, self-refreshing compute-scoped token source
// for a service-account JSON key.
func TokenSource(ctx context.Context, key []byte) (oauth2.TokenSource, error) {
	cfg, err := google.JWTConfigFromJSON(key, computeapi.ComputeScope)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key: %w", ErrAuth, err)
	}
	return oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx)), nil
}

// Authenticate exchanges a service-account key for a compute-scoped access
// token.
func Authenticate(ctx context.Context, key []byte) (*oauth2.Token, error) {
	ts, err := TokenSource(ctx, key)
	if err != nil {
		return nil, err
	}
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return tok, nil
}
