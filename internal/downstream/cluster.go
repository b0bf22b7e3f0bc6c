// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package downstream implements the single scoped action performed with a
// freshly issued credential: enumerating a protected resource set. A
// successful call proves the credential chain end to end without the
// credential ever leaving the broker.
package downstream

import (
	"context"
	"errors"
	"log/slog"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/devsecops-labs/credbroker/internal/broker"
)

// ClusterConfig is the immutable configuration of the cluster resource
// client.
type ClusterConfig struct {
	// Host is the cluster API server base URL.
	Host string
	// CAFile optionally points at the cluster CA bundle.
	CAFile string
	// TLSSkipVerify disables certificate verification of the API server.
	// Explicit, logged opt-out; defaults to full verification.
	TLSSkipVerify bool
}

// ClusterClient lists pods in a namespace, authenticating with an issued
// service account token as a bearer token. It implements
// [broker.DownstreamClient].
type ClusterClient struct {
	cfg    ClusterConfig
	logger *slog.Logger

	// newForConfig is swapped in tests for a fake clientset.
	newForConfig func(*rest.Config) (kubernetes.Interface, error)
}

// NewClusterClient builds a cluster client for cfg.
func NewClusterClient(cfg ClusterConfig, logger *slog.Logger) *ClusterClient {
	if cfg.TLSSkipVerify {
		logger.Warn("TLS certificate verification towards the cluster API is disabled",
			slog.String("host", cfg.Host))
	}
	return &ClusterClient{
		cfg:    cfg,
		logger: logger,
		newForConfig: func(rc *rest.Config) (kubernetes.Interface, error) {
			return kubernetes.NewForConfig(rc)
		},
	}
}

// Use lists the pods in the target namespace with cred as the bearer token.
// The credential is used for this one call and not retained.
func (c *ClusterClient) Use(ctx context.Context, cred broker.IssuedCredential, target string) (broker.ResourceListing, error) {
	restCfg := &rest.Config{
		Host:        c.cfg.Host,
		BearerToken: cred.Value,
		TLSClientConfig: rest.TLSClientConfig{
			Insecure: c.cfg.TLSSkipVerify,
			CAFile:   c.cfg.CAFile,
		},
	}
	clientset, err := c.newForConfig(restCfg)
	if err != nil {
		return broker.ResourceListing{}, broker.NewTransportError(broker.StageDownstream, err)
	}

	pods, err := clientset.CoreV1().Pods(target).List(ctx, metav1.ListOptions{})
	if err != nil {
		return broker.ResourceListing{}, classifyClusterError(err)
	}

	names := make([]string, 0, len(pods.Items))
	for i := range pods.Items {
		names = append(names, pods.Items[i].Name)
	}
	c.logger.Debug("pods listed", slog.String("namespace", target), slog.Int("count", len(names)))
	return broker.ResourceListing{Target: target, Resources: names}, nil
}

// classifyClusterError separates an API server verdict from plain network
// failure so operators can tell a rejected credential apart from an
// unreachable cluster.
func classifyClusterError(err error) error {
	var statusErr *apierrors.StatusError
	if errors.As(err, &statusErr) {
		return broker.NewDownstreamFailed(int(statusErr.ErrStatus.Code), "cluster API rejected the issued credential")
	}
	return broker.NewTransportError(broker.StageDownstream, err)
}
