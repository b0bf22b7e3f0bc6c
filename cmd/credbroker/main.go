// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Command credbroker is the ephemeral credential broker: it fronts a secret
// authority, mints short-lived credentials bound to an audit tag and,
// optionally, proves them against a downstream resource API.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/devsecops-labs/credbroker/internal/broker"
	"github.com/devsecops-labs/credbroker/internal/version"
)

type (
	cmd struct {
		Version struct{} `cmd:"" help:"Show version."`
		Serve   cmdServe `cmd:"" help:"Run the HTTP gateway."`
		Issue   cmdIssue `cmd:"" help:"Issue one credential and exit."`
	}

	// authorityFlags configure the connection to the secret authority,
	// shared by serve and issue.
	authorityFlags struct {
		AuthorityAddr  string        `help:"Secret authority base URL." env:"AUTHORITY_ADDR" required:""`
		AuthorityToken string        `help:"The broker's own authentication token towards the authority." env:"AUTHORITY_TOKEN" required:""`
		TLSVerify      bool          `help:"Verify TLS certificates of the authority and the cluster API." env:"TLS_VERIFY" default:"true" negatable:""`
		CallTimeout    time.Duration `help:"Deadline for each outbound call." default:"5s"`
		RetryTransport bool          `help:"Retry a failed authority call exactly once on transport errors."`
		RetryBackoff   time.Duration `help:"Backoff before the single transport retry." default:"500ms"`
		RolesFile      string        `help:"YAML allow-list of recognized roles. Absent means every well-formed role is accepted." type:"path"`
		LogLevel       string        `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	}

	cmdServe struct {
		authorityFlags
		Addr                  string `help:"Address the gateway listens on." default:":8080"`
		Namespace             string `help:"Default namespace for Kubernetes-creds requests." env:"TARGET_NAMESPACE" default:"default"`
		ClusterAddr           string `help:"Cluster API server base URL." env:"CLUSTER_ADDR"`
		ClusterCAFile         string `help:"CA bundle for the cluster API server." env:"CLUSTER_CA_FILE" type:"path"`
		Bucket                string `help:"Object-store bucket served by the /objects endpoints." env:"TARGET_BUCKET"`
		ObjectStoreEndpoint   string `help:"Object-store endpoint override, e.g. a Ceph RGW." env:"OBJECT_STORE_ENDPOINT"`
		ObjectStoreCredential string `help:"accessKeyID:secretAccessKey pair for the object-store flow." env:"OBJECT_STORE_CREDENTIAL"`
	}

	cmdIssue struct {
		authorityFlags
		Role        string `arg:"" help:"Authority role to issue under."`
		Backend     string `help:"Backend kind." enum:"approle,kubernetes-creds" default:"approle"`
		Namespace   string `help:"Namespace scope for the kubernetes-creds backend." env:"TARGET_NAMESPACE"`
		ClusterAddr string `help:"Cluster API server base URL, required with --use." env:"CLUSTER_ADDR"`
		Use         bool   `help:"Use the issued credential against the cluster API and print the listing instead of the credential."`
		JobID       string `help:"Caller job identifier bound into the audit tag."`
		IssuedTo    string `help:"Consumer recorded in the issuance metadata."`
	}
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	os.Exit(doMain(ctx, os.Stdout, os.Stderr, os.Args[1:]))
}

// doMain parses args and dispatches. It returns the process exit code:
// 0 success, 1 validation failure, 2 authority failure, 3 downstream
// failure.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("credbroker"),
		kong.Description("Ephemeral credential broker"),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	kctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	switch kctx.Command() {
	case "version":
		fmt.Fprintf(stdout, "credbroker %s\n", version.Version)
		return 0
	case "serve":
		if err := c.Serve.run(ctx, stderr); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return exitCode(err)
		}
		return 0
	case "issue <role>":
		if err := c.Issue.run(ctx, stdout, stderr); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return exitCode(err)
		}
		return 0
	default:
		panic("unreachable")
	}
}

// exitCode maps the typed taxonomy to the documented exit codes.
func exitCode(err error) int {
	be, ok := broker.AsError(err)
	if !ok {
		return 2
	}
	switch be.Stage {
	case broker.StageValidate:
		return 1
	case broker.StageDownstream:
		return 3
	default:
		return 2
	}
}

// newLogger builds the process logger at the configured level.
func newLogger(w io.Writer, levelName string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
