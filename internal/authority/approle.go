// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/devsecops-labs/credbroker/internal/broker"
)

// AppRoleClient issues one-shot secret-ids from the authority's AppRole
// engine. It implements [broker.BackendClient].
type AppRoleClient struct {
	client *vaultapi.Client
	logger *slog.Logger
}

// NewAppRoleClient builds the AppRole backend for cfg.
func NewAppRoleClient(cfg Config, logger *slog.Logger) (*AppRoleClient, error) {
	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &AppRoleClient{client: client, logger: logger}, nil
}

// Issue requests a secret-id for role with the audit tag serialized into the
// secret-id metadata. The target argument is ignored: AppRole credentials
// are scoped by role alone.
func (c *AppRoleClient) Issue(ctx context.Context, role, _ string, tag broker.AuditTag) (broker.IssuedCredential, error) {
	// The engine requires metadata as a JSON-encoded string, not an object.
	meta, err := json.Marshal(map[string]string{
		"issued_to": tag.IssuedTo,
		"job_id":    tag.Digest,
	})
	if err != nil {
		return broker.IssuedCredential{}, fmt.Errorf("encoding secret-id metadata: %w", err)
	}

	path := fmt.Sprintf("auth/approle/role/%s/secret-id", role)
	secret, err := c.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"metadata": string(meta),
	})
	if err != nil {
		return broker.IssuedCredential{}, classify(err)
	}

	secretID, err := stringField(secret, "secret_id")
	if err != nil {
		return broker.IssuedCredential{}, err
	}

	c.logger.Debug("secret-id issued", slog.String("role", role), slog.String("audit_tag", tag.Digest))
	return broker.IssuedCredential{
		Kind:       broker.CredentialSecretID,
		Value:      secretID,
		IssuedFor:  role,
		ObtainedAt: time.Now(),
	}, nil
}
