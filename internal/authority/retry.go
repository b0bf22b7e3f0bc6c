// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package authority

import (
	"context"
	"log/slog"
	"time"

	"github.com/devsecops-labs/credbroker/internal/broker"
)

// retryingClient wraps a backend with a single bounded retry on transport
// failures. Authority rejections are never retried: the engines may enforce
// issuance quotas that a blind retry would exhaust.
type retryingClient struct {
	inner   broker.BackendClient
	backoff time.Duration
	logger  *slog.Logger
}

// WithSingleRetry decorates inner so that exactly one retry is attempted,
// after backoff, when the first attempt fails at the transport level. This
// is a deployment-time opt-in, never a default.
func WithSingleRetry(inner broker.BackendClient, backoff time.Duration, logger *slog.Logger) broker.BackendClient {
	return &retryingClient{inner: inner, backoff: backoff, logger: logger}
}

func (r *retryingClient) Issue(ctx context.Context, role, target string, tag broker.AuditTag) (broker.IssuedCredential, error) {
	cred, err := r.inner.Issue(ctx, role, target, tag)
	if err == nil {
		return cred, nil
	}
	be, ok := broker.AsError(err)
	if !ok || be.Code != broker.CodeTransportError {
		return broker.IssuedCredential{}, err
	}

	r.logger.Warn("transport failure towards the secret authority, retrying once",
		slog.String("role", role),
		slog.String("error", be.Message))
	select {
	case <-ctx.Done():
		return broker.IssuedCredential{}, broker.NewTransportError(broker.StageIssue, ctx.Err())
	case <-time.After(r.backoff):
	}
	return r.inner.Issue(ctx, role, target, tag)
}
