// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/devsecops-labs/credbroker/internal/broker"
	"github.com/devsecops-labs/credbroker/internal/downstream"
)

func (c *cmdIssue) run(ctx context.Context, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, c.LogLevel)

	policy, err := c.buildPolicy()
	if err != nil {
		return err
	}
	backends, err := c.buildBackends(logger)
	if err != nil {
		return err
	}

	opts := []broker.Option{broker.WithCallTimeout(c.CallTimeout)}
	if c.Use {
		if c.ClusterAddr == "" {
			return fmt.Errorf("--cluster-addr is required with --use")
		}
		cluster := downstream.NewClusterClient(downstream.ClusterConfig{
			Host:          c.ClusterAddr,
			TLSSkipVerify: !c.TLSVerify,
		}, logger)
		opts = append(opts, broker.WithDownstream(broker.BackendKubernetesCreds, cluster))
	}
	b := broker.New(policy, backends, logger, opts...)

	callerCtx := map[string]string{}
	if c.JobID != "" {
		callerCtx["job_id"] = c.JobID
	}
	if c.IssuedTo != "" {
		callerCtx["issued_to"] = c.IssuedTo
	}
	req := broker.IssuanceRequest{
		Role:          c.Role,
		Backend:       broker.BackendKind(c.Backend),
		Target:        c.Namespace,
		CallerContext: callerCtx,
	}

	var result *broker.Result
	if c.Use {
		result, err = b.IssueAndUse(ctx, req)
	} else {
		result, err = b.Issue(ctx, req)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	if result.Listing != nil {
		return enc.Encode(map[string][]string{"pod_names": result.Listing.Resources})
	}
	switch result.Credential.Kind {
	case broker.CredentialServiceAccountToken:
		return enc.Encode(map[string]string{"service_account_token": result.Credential.Value})
	default:
		return enc.Encode(map[string]string{"secret_id": result.Credential.Value})
	}
}
