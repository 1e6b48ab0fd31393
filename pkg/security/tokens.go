package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capstack/capman/pkg/errs"
)

// TokenAudience selects which downstream service a token is minted for
type TokenAudience string

const (
	AudienceCapabilitiesManager TokenAudience = "CapabilitiesManager"
	AudienceBrain               TokenAudience = "Brain"
)

// TokenClient mints service tokens from the security manager and caches
// them until shortly before expiry.
type TokenClient struct {
	baseURL      string
	clientSecret string
	client       *http.Client

	mu     sync.Mutex
	tokens map[TokenAudience]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Skew before expiry at which a cached token is refreshed
const tokenRefreshSkew = 30 * time.Second

// NewTokenClient creates a token client against the security manager
func NewTokenClient(securityMgrURL, clientSecret string) *TokenClient {
	return &TokenClient{
		baseURL:      strings.TrimRight(securityMgrURL, "/"),
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 10 * time.Second},
		tokens:       make(map[TokenAudience]cachedToken),
	}
}

// Token returns a valid service token for the audience, minting a new one
// when none is cached or the cached one is near expiry.
func (tc *TokenClient) Token(ctx context.Context, audience TokenAudience) (string, error) {
	tc.mu.Lock()
	cached, ok := tc.tokens[audience]
	tc.mu.Unlock()

	if ok && time.Until(cached.expiresAt) > tokenRefreshSkew {
		return cached.token, nil
	}

	token, err := tc.mint(ctx, audience)
	if err != nil {
		return "", err
	}

	tc.mu.Lock()
	tc.tokens[audience] = cachedToken{token: token, expiresAt: tokenExpiry(token)}
	tc.mu.Unlock()

	return token, nil
}

func (tc *TokenClient) mint(ctx context.Context, audience TokenAudience) (string, error) {
	body, err := json.Marshal(map[string]string{
		"componentType": string(audience),
		"clientSecret":  tc.clientSecret,
	})
	if err != nil {
		return "", err
	}

	url := tc.baseURL + "/auth/service"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", errs.New(errs.CodeAuthenticationFailed, "security",
			"token mint request failed", errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errs.Newf(errs.CodeAuthenticationFailed, "security",
			"token mint returned status %d", resp.StatusCode)
	}

	var payload struct {
		Authenticated bool   `json:"authenticated"`
		Token         string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errs.New(errs.CodeAuthenticationFailed, "security",
			"failed to decode token response", errs.WithCause(err))
	}
	if !payload.Authenticated || payload.Token == "" {
		return "", errs.New(errs.CodeAuthenticationFailed, "security",
			fmt.Sprintf("security manager refused authentication for %s", audience))
	}
	return payload.Token, nil
}

// tokenExpiry extracts the JWT exp claim without verifying the signature;
// verification belongs to the services that accept the token. Tokens with
// no readable expiry are refreshed after a fixed interval.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(5 * time.Minute)
}
