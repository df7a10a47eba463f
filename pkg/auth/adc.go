// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/stacklok/modelbridge/pkg/errors"
	"github.com/stacklok/modelbridge/pkg/redact"
)

const (
	// defaultTokenURI is Google's OAuth2 token endpoint.
	defaultTokenURI = "https://oauth2.googleapis.com/token" // #nosec G101 - endpoint URL, not a credential

	// assertionLifetime is the validity window claimed by service-account JWTs.
	assertionLifetime = time.Hour

	// maxTokenTries bounds token endpoint attempts; a single retry on 5xx.
	maxTokenTries = 2
)

// adcFile is the on-disk shape of an application default credentials file.
type adcFile struct {
	Type         string `json:"type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	TokenURI     string `json:"token_uri"`
}

// resolveOAuth produces a bearer credential: a direct env token if one is
// set, otherwise a token minted from the ADC file, served from the cache
// while fresh.
func (r *Resolver) resolveOAuth(ctx context.Context) (Credential, error) {
	for _, env := range []string{r.cfg.OAuthTokenEnvVar, r.cfg.OAuthTokenAltEnvVar} {
		if tok := strings.TrimSpace(r.getenv(env)); tok != "" {
			// Direct tokens bypass the cache: no expiry is known.
			return Credential{Kind: KindOAuth, AccessToken: tok, Source: SourceEnvToken}, nil
		}
	}

	path, err := r.adcPath()
	if err != nil {
		return Credential{}, errors.NewMissingCredentialsError(err.Error(), err)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Credential{}, errors.NewMissingCredentialsError(
			fmt.Sprintf("no application default credentials at %s", path), err)
	}

	var creds adcFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credential{}, errors.NewMissingCredentialsError(
			fmt.Sprintf("malformed credentials file %s", path), err)
	}

	switch creds.Type {
	case "authorized_user":
		return r.authorizedUserToken(ctx, path, &creds)
	case "service_account":
		return r.serviceAccountToken(ctx, path, &creds)
	default:
		return Credential{}, errors.NewUnsupportedCredentialTypeError(creds.Type)
	}
}

// authorizedUserToken exchanges a refresh token for an access token,
// caching the result under "<path>|user".
func (r *Resolver) authorizedUserToken(ctx context.Context, path string, creds *adcFile) (Credential, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" || creds.RefreshToken == "" {
		return Credential{}, errors.NewMissingCredentialsError(
			fmt.Sprintf("authorized_user credentials at %s are missing client_id, client_secret, or refresh_token", path), nil)
	}

	cacheKey := CacheKey(path, "user", nil)
	if tok, ok := r.cache.Get(cacheKey); ok && tok.Fresh(r.now()) {
		return Credential{Kind: KindOAuth, AccessToken: tok.AccessToken, Source: tok.Source}, nil
	}

	// Client credentials go in the form body, never in a Basic auth header.
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURI(creds),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})

	tok, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		t, err := source.Token()
		if err != nil {
			return nil, classifyTokenError(err)
		}
		return t, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxTokenTries))
	if err != nil {
		r.cache.Evict(cacheKey)
		return Credential{}, tokenExchangeError("refresh token exchange failed", err)
	}

	cached := CachedToken{AccessToken: tok.AccessToken, Source: SourceAuthorizedUser}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		cached.ExpiresAt = &expiry
	}
	r.cache.Put(cacheKey, cached)

	return Credential{Kind: KindOAuth, AccessToken: tok.AccessToken, Source: SourceAuthorizedUser}, nil
}

// serviceAccountToken signs a JWT assertion with the account's RSA key and
// exchanges it at the token endpoint, caching under "<path>|sa|<scopes>".
func (r *Resolver) serviceAccountToken(ctx context.Context, path string, creds *adcFile) (Credential, error) {
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return Credential{}, errors.NewMissingCredentialsError(
			fmt.Sprintf("service_account credentials at %s are missing client_email or private_key", path), nil)
	}
	if len(r.cfg.OAuthScopes) == 0 {
		return Credential{}, errors.NewMissingCredentialsError(
			"service_account credentials require at least one OAuth scope", nil)
	}

	cacheKey := CacheKey(path, "sa", r.cfg.OAuthScopes)
	if tok, ok := r.cache.Get(cacheKey); ok && tok.Fresh(r.now()) {
		return Credential{Kind: KindOAuth, AccessToken: tok.AccessToken, Source: tok.Source}, nil
	}

	assertion, err := r.signAssertion(creds)
	if err != nil {
		return Credential{}, err
	}

	endpoint := tokenURI(creds)
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}

	resp, err := backoff.Retry(ctx, func() (*tokenResponse, error) {
		return r.postTokenForm(ctx, endpoint, form)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxTokenTries))
	if err != nil {
		r.cache.Evict(cacheKey)
		return Credential{}, tokenExchangeError("JWT assertion exchange failed", err)
	}

	cached := CachedToken{AccessToken: resp.AccessToken, Source: SourceServiceAccount}
	if resp.ExpiresIn > 0 {
		expiry := r.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		cached.ExpiresAt = &expiry
	}
	r.cache.Put(cacheKey, cached)

	return Credential{Kind: KindOAuth, AccessToken: resp.AccessToken, Source: SourceServiceAccount}, nil
}

// signAssertion builds the RS256 JWT required by the jwt-bearer grant.
func (r *Resolver) signAssertion(creds *adcFile) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return "", errors.NewTokenExchangeError("failed to parse service account private key", err)
	}

	now := r.now()
	claims := jwt.MapClaims{
		"iss":   creds.ClientEmail,
		"scope": strings.Join(r.cfg.OAuthScopes, " "),
		"aud":   tokenURI(creds),
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", errors.NewTokenExchangeError("failed to sign JWT assertion", err)
	}
	return assertion, nil
}

// tokenResponse is the relevant slice of the token endpoint's response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// postTokenForm POSTs an urlencoded form to the token endpoint. A 5xx
// status is retryable; everything else is permanent.
func (r *Resolver) postTokenForm(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, redact.String(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("token endpoint returned %d: %s",
			resp.StatusCode, redact.String(string(body))))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("malformed token endpoint response: %w", err))
	}
	if tok.AccessToken == "" {
		return nil, backoff.Permanent(stderrors.New("token endpoint response is missing access_token"))
	}
	return &tok, nil
}

// classifyTokenError marks oauth2 retrieval errors as retryable only for
// upstream 5xx statuses.
func classifyTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if stderrors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode >= 500 {
		return err
	}
	return backoff.Permanent(err)
}

// tokenExchangeError wraps a token endpoint failure with a redacted message.
func tokenExchangeError(msg string, err error) error {
	return errors.NewTokenExchangeError(fmt.Sprintf("%s: %s", msg, redact.String(err.Error())), err)
}

func tokenURI(creds *adcFile) string {
	if creds.TokenURI != "" {
		return creds.TokenURI
	}
	return defaultTokenURI
}
