// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package authority implements the broker's secret-authority backends on top
// of the Vault HTTP API: the AppRole secret-id engine and the Kubernetes
// service-account-token engine.
package authority

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/devsecops-labs/credbroker/internal/broker"
)

// Config is the immutable configuration shared by authority backends. The
// token is the broker's own identity towards the authority; it is loaded at
// startup and never mutated or logged.
type Config struct {
	// Addr is the authority base URL.
	Addr string
	// Token authenticates the broker itself to the authority.
	Token string
	// TLSSkipVerify disables certificate verification of the authority.
	// It is an explicit, logged opt-out; the default is full verification.
	TLSSkipVerify bool
	// Timeout bounds each authority round-trip at the transport level.
	Timeout time.Duration
}

// newClient builds the Vault API client for cfg.
func newClient(cfg Config, logger *slog.Logger) (*vaultapi.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("authority address is required")
	}
	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Addr
	if cfg.TLSSkipVerify {
		logger.Warn("TLS certificate verification towards the secret authority is disabled",
			slog.String("authority", cfg.Addr))
		if err := apiCfg.ConfigureTLS(&vaultapi.TLSConfig{Insecure: true}); err != nil {
			return nil, fmt.Errorf("configuring authority TLS: %w", err)
		}
	}
	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("creating authority client: %w", err)
	}
	client.SetToken(cfg.Token)
	if cfg.Timeout > 0 {
		client.SetClientTimeout(cfg.Timeout)
	}
	// The broker decides retry policy, not the transport.
	client.SetMaxRetries(0)
	return client, nil
}

// classify maps a Vault API error to the broker taxonomy: an authority
// response becomes IssuanceFailed, anything below HTTP is transport.
func classify(err error) error {
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		return broker.NewIssuanceFailed(respErr.StatusCode, strings.Join(respErr.Errors, "; "))
	}
	return broker.NewTransportError(broker.StageIssue, err)
}

// stringField extracts a string field from an authority response payload.
func stringField(secret *vaultapi.Secret, field string) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", broker.NewMalformedResponse(field)
	}
	value, ok := secret.Data[field].(string)
	if !ok || value == "" {
		return "", broker.NewMalformedResponse(field)
	}
	return value, nil
}
