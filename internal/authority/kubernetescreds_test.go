// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devsecops-labs/credbroker/internal/broker"
)

func TestKubernetesCredsIssue(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/kubernetes/creds/my-role", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "sample", body["kubernetes_namespace"])

		_, err := w.Write([]byte(`{"data": {"service_account_token": "tok", "service_account_name": "my-role-sa"}}`))
		require.NoError(t, err)
	}))
	defer ts.Close()

	client, err := NewKubernetesCredsClient(testConfig(ts.URL), testLogger())
	require.NoError(t, err)

	cred, err := client.Issue(context.Background(), "my-role", "sample", testTag())
	require.NoError(t, err)
	require.Equal(t, broker.CredentialServiceAccountToken, cred.Kind)
	require.Equal(t, "tok", cred.Value)
	require.Equal(t, "my-role/sample", cred.IssuedFor)
}

func TestKubernetesCredsIssueRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors": ["namespace not in allowed list"]}`))
	}))
	defer ts.Close()

	client, err := NewKubernetesCredsClient(testConfig(ts.URL), testLogger())
	require.NoError(t, err)

	_, err = client.Issue(context.Background(), "my-role", "forbidden-ns", testTag())
	be, ok := broker.AsError(err)
	require.True(t, ok)
	require.Equal(t, broker.CodeIssuanceFailed, be.Code)
	require.Equal(t, http.StatusBadRequest, be.Status)
}

func TestKubernetesCredsIssueMissingToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"service_account_name": "my-role-sa"}}`))
	}))
	defer ts.Close()

	client, err := NewKubernetesCredsClient(testConfig(ts.URL), testLogger())
	require.NoError(t, err)

	_, err = client.Issue(context.Background(), "my-role", "sample", testTag())
	be, ok := broker.AsError(err)
	require.True(t, ok)
	require.Equal(t, broker.CodeMalformedResponse, be.Code)
}
