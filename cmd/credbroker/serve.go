// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devsecops-labs/credbroker/internal/authority"
	"github.com/devsecops-labs/credbroker/internal/broker"
	"github.com/devsecops-labs/credbroker/internal/downstream"
	"github.com/devsecops-labs/credbroker/internal/gateway"
	"github.com/devsecops-labs/credbroker/internal/metrics"
)

// buildBackends wires the authority backends, with the optional single
// transport retry layered on top.
func (f *authorityFlags) buildBackends(logger *slog.Logger) (map[broker.BackendKind]broker.BackendClient, error) {
	cfg := authority.Config{
		Addr:          f.AuthorityAddr,
		Token:         f.AuthorityToken,
		TLSSkipVerify: !f.TLSVerify,
		Timeout:       f.CallTimeout,
	}
	appRole, err := authority.NewAppRoleClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building approle backend: %w", err)
	}
	kubeCreds, err := authority.NewKubernetesCredsClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes-creds backend: %w", err)
	}

	backends := map[broker.BackendKind]broker.BackendClient{
		broker.BackendAppRole:         appRole,
		broker.BackendKubernetesCreds: kubeCreds,
	}
	if f.RetryTransport {
		for kind, client := range backends {
			backends[kind] = authority.WithSingleRetry(client, f.RetryBackoff, logger)
		}
	}
	return backends, nil
}

// buildPolicy loads the roles allow-list when one is configured.
func (f *authorityFlags) buildPolicy() (*broker.Policy, error) {
	if f.RolesFile == "" {
		return broker.NewPolicy(), nil
	}
	policy, err := broker.LoadPolicy(f.RolesFile)
	if err != nil {
		return nil, fmt.Errorf("loading roles file: %w", err)
	}
	return policy, nil
}

func (c *cmdServe) run(ctx context.Context, stderr io.Writer) error {
	logger := newLogger(stderr, c.LogLevel)

	policy, err := c.buildPolicy()
	if err != nil {
		return err
	}
	backends, err := c.buildBackends(logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	opts := []broker.Option{
		broker.WithCallTimeout(c.CallTimeout),
		broker.WithMetrics(metrics.NewIssuance(reg)),
	}
	if c.ClusterAddr != "" {
		cluster := downstream.NewClusterClient(downstream.ClusterConfig{
			Host:          c.ClusterAddr,
			CAFile:        c.ClusterCAFile,
			TLSSkipVerify: !c.TLSVerify,
		}, logger)
		opts = append(opts, broker.WithDownstream(broker.BackendKubernetesCreds, cluster))
	}
	b := broker.New(policy, backends, logger, opts...)

	gwOpts := []gateway.Option{gateway.WithMetricsRegistry(reg)}
	if c.Bucket != "" && c.ObjectStoreCredential != "" {
		store := downstream.NewObjectStoreClient(downstream.ObjectStoreConfig{
			Endpoint: c.ObjectStoreEndpoint,
		}, logger)
		gwOpts = append(gwOpts, gateway.WithObjectStore(store, broker.IssuedCredential{
			Kind:      broker.CredentialObjectStoreKeypair,
			Value:     c.ObjectStoreCredential,
			IssuedFor: c.Bucket,
		}))
	}
	gw := gateway.New(gateway.Config{
		DefaultNamespace: c.Namespace,
		Bucket:           c.Bucket,
	}, b, logger, gwOpts...)

	return gw.Serve(ctx, c.Addr)
}
