// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gateway is the externally facing HTTP surface of the broker. It
// decodes caller input into issuance requests, runs them through the broker
// and maps typed failures to status codes. It contains no policy logic.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devsecops-labs/credbroker/internal/broker"
	"github.com/devsecops-labs/credbroker/internal/downstream"
)

// Config is the gateway configuration.
type Config struct {
	// DefaultNamespace scopes Kubernetes-creds requests that carry no
	// namespace of their own.
	DefaultNamespace string
	// Bucket is the object-store bucket served by the /objects endpoints.
	Bucket string
}

// Server wires the HTTP endpoints to the broker.
type Server struct {
	cfg    Config
	broker *broker.Broker
	logger *slog.Logger
	reg    *prometheus.Registry

	// objectStore and objectStoreCred serve the object-store flow, where
	// the credential is already held rather than issued per request.
	objectStore     *downstream.ObjectStoreClient
	objectStoreCred broker.IssuedCredential
}

// Option configures a Server.
type Option func(*Server)

// WithObjectStore enables the /objects endpoints, serving bucket listings
// and uploads with the given already-held credential.
func WithObjectStore(client *downstream.ObjectStoreClient, cred broker.IssuedCredential) Option {
	return func(s *Server) {
		s.objectStore = client
		s.objectStoreCred = cred
	}
}

// WithMetricsRegistry exposes reg on /metrics.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.reg = reg }
}

// New builds the gateway server.
func New(cfg Config, b *broker.Broker, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{cfg: cfg, broker: b, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// secretIDRequest is the wire shape of POST /secret-id.
type secretIDRequest struct {
	Role     string `json:"role"`
	IssuedTo string `json:"issued_to,omitempty"`
	JobID    string `json:"job_id,omitempty"`
}

// secretIDResponse is the wire shape of a successful POST /secret-id.
type secretIDResponse struct {
	SecretID string `json:"secret_id"`
}

// kubernetesCredentialRequest is the wire shape of POST /credential/kubernetes.
type kubernetesCredentialRequest struct {
	Role      string `json:"role"`
	Namespace string `json:"namespace,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// kubernetesCredentialResponse is the wire shape of a successful
// POST /credential/kubernetes.
type kubernetesCredentialResponse struct {
	PodNames []string `json:"pod_names"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /secret-id", s.handleSecretID)
	mux.HandleFunc("POST /credential/kubernetes", s.handleKubernetesCredential)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.objectStore != nil {
		mux.HandleFunc("GET /objects", s.handleListObjects)
		mux.HandleFunc("POST /objects", s.handleUploadObject)
	}
	if s.reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}
	return s.withRequestID(mux)
}

// withRequestID tags each request with a correlation id for the logs.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		s.logger.Debug("request received",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSecretID(w http.ResponseWriter, r *http.Request) {
	var req secretIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body is not valid JSON"})
		return
	}

	result, err := s.broker.Issue(r.Context(), broker.IssuanceRequest{
		Role:          req.Role,
		Backend:       broker.BackendAppRole,
		CallerContext: callerContext(req.IssuedTo, req.JobID),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, secretIDResponse{SecretID: result.Credential.Value})
}

func (s *Server) handleKubernetesCredential(w http.ResponseWriter, r *http.Request) {
	var req kubernetesCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body is not valid JSON"})
		return
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = s.cfg.DefaultNamespace
	}

	result, err := s.broker.IssueAndUse(r.Context(), broker.IssuanceRequest{
		Role:          req.Role,
		Backend:       broker.BackendKubernetesCreds,
		Target:        namespace,
		CallerContext: callerContext("", req.JobID),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, kubernetesCredentialResponse{PodNames: result.Listing.Resources})
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	listing, err := s.objectStore.Use(r.Context(), s.objectStoreCred, s.cfg.Bucket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"objects": listing.Resources})
}

func (s *Server) handleUploadObject(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart field \"file\" is required"})
		return
	}
	defer file.Close() //nolint:errcheck

	if err := s.objectStore.Upload(r.Context(), s.objectStoreCred, s.cfg.Bucket, header.Filename, file); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"uploaded": header.Filename,
		"bucket":   s.cfg.Bucket,
	})
}

// writeError maps the typed taxonomy to externally visible statuses:
// caller mistakes are 400, authority-side failures 500, downstream
// rejections 502. Authority response bodies stay in the logs.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	be, ok := broker.AsError(err)
	if !ok {
		s.logger.Error("unclassified broker failure", slog.String("error", err.Error()))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch be.Stage {
	case broker.StageValidate:
		status = http.StatusBadRequest
	case broker.StageDownstream:
		status = http.StatusBadGateway
	case broker.StageIssue:
	}
	s.writeJSON(w, status, errorResponse{Error: be.Message, Code: string(be.Code)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("cannot encode response", slog.String("error", err.Error()))
	}
}

func callerContext(issuedTo, jobID string) map[string]string {
	ctx := map[string]string{}
	if issuedTo != "" {
		ctx["issued_to"] = issuedTo
	}
	if jobID != "" {
		ctx["job_id"] = jobID
	}
	return ctx
}

// Serve runs the gateway on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}
