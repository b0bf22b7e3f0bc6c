// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package authority

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/devsecops-labs/credbroker/internal/broker"
)

// KubernetesCredsClient issues namespace-scoped service account tokens from
// the authority's Kubernetes secrets engine. It implements
// [broker.BackendClient].
type KubernetesCredsClient struct {
	client *vaultapi.Client
	logger *slog.Logger
}

// NewKubernetesCredsClient builds the Kubernetes-creds backend for cfg.
func NewKubernetesCredsClient(cfg Config, logger *slog.Logger) (*KubernetesCredsClient, error) {
	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &KubernetesCredsClient{client: client, logger: logger}, nil
}

// Issue requests a service account token for role scoped to the target
// namespace.
func (c *KubernetesCredsClient) Issue(ctx context.Context, role, target string, tag broker.AuditTag) (broker.IssuedCredential, error) {
	path := fmt.Sprintf("kubernetes/creds/%s", role)
	secret, err := c.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"kubernetes_namespace": target,
	})
	if err != nil {
		return broker.IssuedCredential{}, classify(err)
	}

	token, err := stringField(secret, "service_account_token")
	if err != nil {
		return broker.IssuedCredential{}, err
	}

	c.logger.Debug("service account token issued",
		slog.String("role", role),
		slog.String("namespace", target),
		slog.String("audit_tag", tag.Digest))
	return broker.IssuedCredential{
		Kind:       broker.CredentialServiceAccountToken,
		Value:      token,
		IssuedFor:  fmt.Sprintf("%s/%s", role, target),
		ObtainedAt: time.Now(),
	}, nil
}
