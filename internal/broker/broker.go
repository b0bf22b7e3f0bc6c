// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/devsecops-labs/credbroker/internal/metrics"
)

// DefaultCallTimeout bounds each outbound call when the broker is built
// without an explicit timeout.
const DefaultCallTimeout = 5 * time.Second

// Broker composes policy, audit binding, a secret-authority backend and,
// when the caller asks for it, a single downstream use of the issued
// credential. Each request moves through a strictly linear pipeline:
//
//	received -> validated -> tagged -> issued -> [downstream used] -> completed
//
// with any stage failure terminating the request as a typed *Error. The
// broker holds no mutable state between requests and performs no
// deduplication: every call is a fresh authority round-trip.
type Broker struct {
	policy      *Policy
	binder      Binder
	backends    map[BackendKind]BackendClient
	downstreams map[BackendKind]DownstreamClient
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Issuance
}

// Option configures a Broker.
type Option func(*Broker)

// WithCallTimeout bounds each outbound backend and downstream call.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Broker) { b.timeout = d }
}

// WithDownstream registers the downstream client used for credentials of the
// given backend kind.
func WithDownstream(kind BackendKind, client DownstreamClient) Option {
	return func(b *Broker) { b.downstreams[kind] = client }
}

// WithMetrics attaches issuance instrumentation.
func WithMetrics(m *metrics.Issuance) Option {
	return func(b *Broker) { b.metrics = m }
}

// New builds a broker dispatching to the given backends.
func New(policy *Policy, backends map[BackendKind]BackendClient, logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		policy:      policy,
		backends:    backends,
		downstreams: map[BackendKind]DownstreamClient{},
		timeout:     DefaultCallTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Result is the successful outcome of an issuance. Exactly one field is set:
// Credential after a plain issuance, Listing after issuance plus downstream
// use (the credential's only use happened inside the broker, so it is not
// returned).
type Result struct {
	Credential *IssuedCredential
	Listing    *ResourceListing
}

// Issue validates req, binds its audit tag and obtains a credential from the
// backend matching req.Backend.
func (b *Broker) Issue(ctx context.Context, req IssuanceRequest) (*Result, error) {
	start := time.Now()
	cred, tag, err := b.issue(ctx, req, start)
	if err != nil {
		return nil, err
	}
	b.audit(req, tag, "issued")
	b.observe(req, "issued", start)
	return &Result{Credential: &cred}, nil
}

// IssueAndUse issues a credential and immediately presents it to the
// downstream client registered for req.Backend. The credential is consumed
// atomically with the listing: it counts as issued for audit purposes even
// when the downstream rejects it, but it is never returned to the caller.
func (b *Broker) IssueAndUse(ctx context.Context, req IssuanceRequest) (*Result, error) {
	start := time.Now()
	cred, tag, err := b.issue(ctx, req, start)
	if err != nil {
		return nil, err
	}

	ds, ok := b.downstreams[req.Backend]
	if !ok {
		b.audit(req, tag, "issued")
		err := newInvalidRequest("downstream use is not supported for the %s backend", req.Backend)
		b.observe(req, string(err.Code), start)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	listing, err := ds.Use(callCtx, cred, req.Target)
	if err != nil {
		be := b.asBrokerError(err, StageDownstream)
		b.audit(req, tag, "issued; downstream use failed")
		b.logFailure(req, be)
		b.observe(req, string(be.Code), start)
		return nil, be
	}

	b.audit(req, tag, "issued; downstream use succeeded")
	b.observe(req, "used", start)
	return &Result{Listing: &listing}, nil
}

// issue runs the shared validated -> tagged -> issued leg of the pipeline.
func (b *Broker) issue(ctx context.Context, req IssuanceRequest, start time.Time) (IssuedCredential, AuditTag, error) {
	if err := b.policy.Validate(req); err != nil {
		be, _ := AsError(err)
		b.logFailure(req, be)
		b.observe(req, string(be.Code), start)
		return IssuedCredential{}, AuditTag{}, err
	}

	tag := b.binder.Bind(req)

	backend, ok := b.backends[req.Backend]
	if !ok {
		err := newUnknownBackend(req.Backend)
		b.logFailure(req, err)
		b.observe(req, string(err.Code), start)
		return IssuedCredential{}, AuditTag{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	cred, err := backend.Issue(callCtx, req.Role, req.Target, tag)
	if err != nil {
		be := b.asBrokerError(err, StageIssue)
		b.logFailure(req, be)
		b.observe(req, string(be.Code), start)
		return IssuedCredential{}, AuditTag{}, be
	}
	return cred, tag, nil
}

// asBrokerError coerces untyped failures into the taxonomy; anything a
// backend or downstream client did not classify is a transport failure.
func (b *Broker) asBrokerError(err error, stage Stage) *Error {
	if be, ok := AsError(err); ok {
		return be
	}
	return NewTransportError(stage, err)
}

// audit emits the structured audit event correlating the request with its
// one-way tag. Durable storage of these events is the log pipeline's
// concern, not the broker's.
func (b *Broker) audit(req IssuanceRequest, tag AuditTag, outcome string) {
	b.logger.Info("credential audit event",
		slog.String("audit_tag", tag.Digest),
		slog.String("role", req.Role),
		slog.String("backend", string(req.Backend)),
		slog.String("issued_to", tag.IssuedTo),
		slog.String("outcome", outcome),
	)
}

func (b *Broker) logFailure(req IssuanceRequest, be *Error) {
	level := slog.LevelWarn
	// Contract drift with the authority is an operator emergency, not a
	// caller mistake.
	if be.Code == CodeMalformedResponse {
		level = slog.LevelError
	}
	b.logger.Log(context.Background(), level, "issuance failed",
		slog.String("role", req.Role),
		slog.String("backend", string(req.Backend)),
		slog.String("stage", string(be.Stage)),
		slog.String("code", string(be.Code)),
		slog.Int("status", be.Status),
		slog.String("authority_body", be.Body),
	)
}

func (b *Broker) observe(req IssuanceRequest, outcome string, start time.Time) {
	b.metrics.Observe(string(req.Backend), outcome, time.Since(start))
}
