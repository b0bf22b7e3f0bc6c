// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/devsecops-labs/credbroker/internal/broker"
	"github.com/devsecops-labs/credbroker/internal/downstream"
	"github.com/devsecops-labs/credbroker/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBackend returns a canned credential or typed error.
type fakeBackend struct {
	cred broker.IssuedCredential
	err  error
}

func (f *fakeBackend) Issue(context.Context, string, string, broker.AuditTag) (broker.IssuedCredential, error) {
	if f.err != nil {
		return broker.IssuedCredential{}, f.err
	}
	return f.cred, nil
}

// fakeDownstream returns a canned listing or typed error.
type fakeDownstream struct {
	listing broker.ResourceListing
	err     error
}

func (f *fakeDownstream) Use(context.Context, broker.IssuedCredential, string) (broker.ResourceListing, error) {
	if f.err != nil {
		return broker.ResourceListing{}, f.err
	}
	return f.listing, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, backends map[broker.BackendKind]broker.BackendClient, opts ...broker.Option) *Server {
	t.Helper()
	b := broker.New(broker.NewPolicy(), backends, testLogger(), opts...)
	return New(Config{DefaultNamespace: "default"}, b, testLogger())
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSecretIDEndpoint(t *testing.T) {
	srv := newTestServer(t, map[broker.BackendKind]broker.BackendClient{
		broker.BackendAppRole: &fakeBackend{cred: broker.IssuedCredential{
			Kind:      broker.CredentialSecretID,
			Value:     "abc123",
			IssuedFor: "ci-cd-pipeline",
		}},
	})

	rec := postJSON(t, srv.Handler(), "/secret-id", `{"role": "ci-cd-pipeline"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "abc123", resp["secret_id"])
}

func TestSecretIDEndpointValidation(t *testing.T) {
	srv := newTestServer(t, map[broker.BackendKind]broker.BackendClient{
		broker.BackendAppRole: &fakeBackend{},
	})

	for _, body := range []string{
		`{}`,
		`{"role": "not a valid role"}`,
		`not json`,
	} {
		rec := postJSON(t, srv.Handler(), "/secret-id", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestSecretIDEndpointBackendFailure(t *testing.T) {
	srv := newTestServer(t, map[broker.BackendKind]broker.BackendClient{
		broker.BackendAppRole: &fakeBackend{err: broker.NewIssuanceFailed(403, "permission denied")},
	})

	rec := postJSON(t, srv.Handler(), "/secret-id", `{"role": "ci-cd-pipeline"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	// Authority details stay in the logs, not the response.
	require.NotContains(t, rec.Body.String(), "permission denied")

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(broker.CodeIssuanceFailed), resp["code"])
}

func TestKubernetesCredentialEndpoint(t *testing.T) {
	srv := newTestServer(t,
		map[broker.BackendKind]broker.BackendClient{
			broker.BackendKubernetesCreds: &fakeBackend{cred: broker.IssuedCredential{
				Kind:  broker.CredentialServiceAccountToken,
				Value: "tok",
			}},
		},
		broker.WithDownstream(broker.BackendKubernetesCreds, &fakeDownstream{
			listing: broker.ResourceListing{Target: "sample", Resources: []string{"web-1", "web-2"}},
		}),
	)

	rec := postJSON(t, srv.Handler(), "/credential/kubernetes", `{"role": "my-role", "namespace": "sample"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"web-1", "web-2"}, resp["pod_names"])
	// The service account token never reaches the caller.
	require.NotContains(t, rec.Body.String(), "tok")
}

func TestKubernetesCredentialEndpointDownstreamRejection(t *testing.T) {
	srv := newTestServer(t,
		map[broker.BackendKind]broker.BackendClient{
			broker.BackendKubernetesCreds: &fakeBackend{cred: broker.IssuedCredential{
				Kind:  broker.CredentialServiceAccountToken,
				Value: "tok",
			}},
		},
		broker.WithDownstream(broker.BackendKubernetesCreds, &fakeDownstream{
			err: broker.NewDownstreamFailed(401, "cluster API rejected the issued credential"),
		}),
	)

	rec := postJSON(t, srv.Handler(), "/credential/kubernetes", `{"role": "my-role", "namespace": "sample"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(broker.CodeDownstreamFailed), resp["code"])
	require.NotContains(t, rec.Body.String(), "pod_names")
}

func TestKubernetesCredentialEndpointDefaultNamespace(t *testing.T) {
	backend := &fakeBackend{err: broker.NewIssuanceFailed(500, "boom")}
	b := broker.New(broker.NewPolicy(), map[broker.BackendKind]broker.BackendClient{
		broker.BackendKubernetesCreds: backend,
	}, testLogger())
	srv := New(Config{DefaultNamespace: "default"}, b, testLogger())

	// No namespace in the request: the configured default applies, so the
	// request passes validation and reaches the backend.
	rec := postJSON(t, srv.Handler(), "/credential/kubernetes", `{"role": "my-role"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestObjectsEndpoints(t *testing.T) {
	const listBucketResponse = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>artifacts</Name>
  <KeyCount>1</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>build.tar.gz</Key></Contents>
</ListBucketResult>`
	var uploadedPath string
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(listBucketResponse))
		case http.MethodPut:
			uploadedPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer store.Close()

	b := broker.New(broker.NewPolicy(), nil, testLogger())
	client := downstream.NewObjectStoreClient(downstream.ObjectStoreConfig{Endpoint: store.URL}, testLogger())
	srv := New(Config{Bucket: "artifacts"}, b, testLogger(),
		WithObjectStore(client, broker.IssuedCredential{
			Kind:  broker.CredentialObjectStoreKeypair,
			Value: "access:secret",
		}))

	req := httptest.NewRequest(http.MethodGet, "/objects", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Equal(t, []string{"build.tar.gz"}, listResp["objects"])

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "report.html")
	require.NoError(t, err)
	_, err = part.Write([]byte("<html></html>"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	upReq := httptest.NewRequest(http.MethodPost, "/objects", &buf)
	upReq.Header.Set("Content-Type", mw.FormDataContentType())
	upRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(upRec, upReq)
	require.Equal(t, http.StatusOK, upRec.Code)
	require.Equal(t, "/artifacts/report.html", uploadedPath)
}

func TestObjectsEndpointsAbsentWithoutStore(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/objects", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	issuance := metrics.NewIssuance(reg)
	b := broker.New(broker.NewPolicy(), map[broker.BackendKind]broker.BackendClient{
		broker.BackendAppRole: &fakeBackend{cred: broker.IssuedCredential{Kind: broker.CredentialSecretID, Value: "abc"}},
	}, testLogger(), broker.WithMetrics(issuance))
	srv := New(Config{}, b, testLogger(), WithMetricsRegistry(reg))

	rec := postJSON(t, srv.Handler(), "/secret-id", `{"role": "ci-cd-pipeline"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(metricsRec, req)
	require.Equal(t, http.StatusOK, metricsRec.Code)
	require.Contains(t, metricsRec.Body.String(), "credbroker_issuances_total")
}
