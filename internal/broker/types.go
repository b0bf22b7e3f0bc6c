// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package broker implements the credential issuance pipeline: request
// validation, audit binding, dispatch to a secret-authority backend and,
// optionally, a single downstream use of the freshly issued credential.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BackendKind identifies the secret-authority engine an issuance request targets.
type BackendKind string

const (
	// BackendAppRole mints one-shot AppRole secret-ids.
	BackendAppRole BackendKind = "approle"
	// BackendKubernetesCreds mints namespace-scoped service account tokens.
	BackendKubernetesCreds BackendKind = "kubernetes-creds"
)

// CredentialKind identifies what an issued credential is.
type CredentialKind string

const (
	CredentialSecretID            CredentialKind = "secret-id"
	CredentialServiceAccountToken CredentialKind = "service-account-token"
	// CredentialObjectStoreKeypair is an already-held accessKeyID:secret
	// pair for the object-store flow; it is configured, not issued.
	CredentialObjectStoreKeypair CredentialKind = "object-store-keypair"
)

// IssuanceRequest is a single caller request for a short-lived credential.
// It is immutable once constructed and lives only for the duration of one
// broker call.
type IssuanceRequest struct {
	// Role is the authority role the credential is issued under.
	Role string
	// Backend selects the secret-authority engine.
	Backend BackendKind
	// Target is the scope of the credential (namespace or bucket). Required
	// for the Kubernetes creds flow, ignored by the AppRole flow.
	Target string
	// CallerContext carries free-form caller identity, e.g. "job_id" and
	// "issued_to". It feeds the audit tag and the issuance metadata, never
	// the credential itself.
	CallerContext map[string]string
}

// AuditTag is the one-way correlation value bound to an issuance request.
// The digest is deterministic for identical (role, caller identifier) pairs
// and cannot be reversed to recover the caller identifier.
type AuditTag struct {
	// Digest is a fixed-length hex SHA-256 digest.
	Digest string
	// IssuedTo is the caller-declared consumer of the credential, carried
	// verbatim into the issuance metadata.
	IssuedTo string
}

// IssuedCredential is a short-lived credential minted by the secret
// authority. It is owned by the broker call stack that produced it and must
// never be retained beyond that call: the backends offer the broker no way
// to revoke it.
type IssuedCredential struct {
	Kind CredentialKind
	// Value is the opaque secret string. Never logged in full.
	Value string
	// IssuedFor records the role (and target, when scoped) the credential
	// was minted for.
	IssuedFor  string
	ObtainedAt time.Time
}

// String renders the credential without its value so that accidental
// formatting cannot leak it.
func (c IssuedCredential) String() string {
	return fmt.Sprintf("%s for %s (value redacted)", c.Kind, c.IssuedFor)
}

// LogValue implements [slog.LogValuer], redacting the credential value.
func (c IssuedCredential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(c.Kind)),
		slog.String("issued_for", c.IssuedFor),
		slog.Time("obtained_at", c.ObtainedAt),
	)
}

// ResourceListing is the result of a downstream use of an issued credential:
// a plain list of resource identifiers, never the credential itself.
type ResourceListing struct {
	// Target is the namespace or bucket that was enumerated.
	Target string
	// Resources are the identifiers found in the target.
	Resources []string
}

// BackendClient is the capability the broker uses to obtain a credential
// from the external secret authority. Implementations perform exactly one
// outbound call per invocation and leave retries to the caller.
type BackendClient interface {
	// Issue mints a credential for the role, scoped to target when the
	// backend supports scoping, with the audit tag attached as request
	// metadata.
	Issue(ctx context.Context, role, target string, tag AuditTag) (IssuedCredential, error)
}

// DownstreamClient is the capability the broker uses to perform one scoped
// action with a freshly issued credential. Implementations must not retain
// the credential beyond the call.
type DownstreamClient interface {
	// Use authenticates to the downstream resource API with the credential
	// and enumerates the resources in target.
	Use(ctx context.Context, cred IssuedCredential, target string) (ResourceListing, error)
}
