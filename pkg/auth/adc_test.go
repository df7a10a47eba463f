// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/errors"
)

// writeADC writes a credentials file and returns its path.
func writeADC(t *testing.T, creds map[string]string) string {
	t.Helper()
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "adc.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// testRSAKeyPEM generates a throwaway RSA key in PKCS#8 PEM form.
func testRSAKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func newOAuthResolver(t *testing.T, adcPath string, client *http.Client) *Resolver {
	t.Helper()
	return NewResolver(testAuthConfig(),
		WithEnv(envFrom(map[string]string{"TEST_ADC_PATH": adcPath})),
		WithHTTPClient(client),
	)
}

func TestAuthorizedUserTokenExchange(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "cid", r.Form.Get("client_id"))
		assert.Equal(t, "csecret", r.Form.Get("client_secret"))
		assert.Equal(t, "1//refresh", r.Form.Get("refresh_token"))
		assert.Empty(t, r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"ya29.minted","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)

	adc := writeADC(t, map[string]string{
		"type":          "authorized_user",
		"client_id":     "cid",
		"client_secret": "csecret",
		"refresh_token": "1//refresh",
		"token_uri":     srv.URL,
	})
	r := newOAuthResolver(t, adc, srv.Client())

	cred, err := r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.NoError(t, err)
	assert.Equal(t, KindOAuth, cred.Kind)
	assert.Equal(t, "ya29.minted", cred.AccessToken)
	assert.Equal(t, SourceAuthorizedUser, cred.Source)

	// Second resolve is served from the cache.
	_, err = r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAuthorizedUserMissingFields(t *testing.T) {
	t.Parallel()

	adc := writeADC(t, map[string]string{
		"type":      "authorized_user",
		"client_id": "cid",
	})
	r := newOAuthResolver(t, adc, nil)

	_, err := r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.Error(t, err)
	assert.True(t, errors.IsMissingCredentials(err))
}

func TestServiceAccountTokenExchange(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
		assert.NotEmpty(t, r.Form.Get("assertion"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"sa-token","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)

	adc := writeADC(t, map[string]string{
		"type":         "service_account",
		"client_email": "svc@example.iam.gserviceaccount.com",
		"private_key":  testRSAKeyPEM(t),
		"token_uri":    srv.URL,
	})
	r := newOAuthResolver(t, adc, srv.Client())

	cred, err := r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.NoError(t, err)
	assert.Equal(t, "sa-token", cred.AccessToken)
	assert.Equal(t, SourceServiceAccount, cred.Source)

	_, err = r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServiceAccountCacheExpiry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	t.Cleanup(srv.Close)

	adc := writeADC(t, map[string]string{
		"type":         "service_account",
		"client_email": "svc@example.iam.gserviceaccount.com",
		"private_key":  testRSAKeyPEM(t),
		"token_uri":    srv.URL,
	})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(testAuthConfig(),
		WithEnv(envFrom(map[string]string{"TEST_ADC_PATH": adc})),
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return now }),
	)

	cred, err := r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.AccessToken)

	// Past the token lifetime the cache entry is stale and a new token is minted.
	now = now.Add(2 * time.Hour)
	cred, err = r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cred.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestServiceAccountRetriesOn5xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"after-retry","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)

	adc := writeADC(t, map[string]string{
		"type":         "service_account",
		"client_email": "svc@example.iam.gserviceaccount.com",
		"private_key":  testRSAKeyPEM(t),
		"token_uri":    srv.URL,
	})
	r := newOAuthResolver(t, adc, srv.Client())

	cred, err := r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.NoError(t, err)
	assert.Equal(t, "after-retry", cred.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestServiceAccount4xxIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	adc := writeADC(t, map[string]string{
		"type":         "service_account",
		"client_email": "svc@example.iam.gserviceaccount.com",
		"private_key":  testRSAKeyPEM(t),
		"token_uri":    srv.URL,
	})
	r := newOAuthResolver(t, adc, srv.Client())

	_, err := r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.Error(t, err)
	assert.Equal(t, errors.ErrTokenExchange, errors.TypeOf(err))
	assert.Equal(t, int32(1), calls.Load())
}
