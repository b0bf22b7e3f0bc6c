// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package broker

import (
	"crypto/sha256"
	"encoding/hex"
)

// defaultIssuedTo is recorded in issuance metadata when the caller does not
// declare a consumer.
const defaultIssuedTo = "ci-cd-pipeline"

// Binder derives the audit tag bound to an issuance request. It is pure,
// deterministic and never fails: two requests with the same role and caller
// identifier produce the same digest, so audit records correlate across
// repeated issuances without the broker storing raw identity.
type Binder struct{}

// Bind computes the audit tag for req.
//
// The caller identifier is callerContext["job_id"] when present. The fallback
// is the role name itself, which makes the digest constant per role; callers
// that need per-invocation traceability must supply a job_id.
func (Binder) Bind(req IssuanceRequest) AuditTag {
	identifier := req.CallerContext["job_id"]
	if identifier == "" {
		identifier = req.Role
	}
	sum := sha256.Sum256([]byte(req.Role + identifier))

	issuedTo := req.CallerContext["issued_to"]
	if issuedTo == "" {
		issuedTo = defaultIssuedTo
	}
	return AuditTag{
		Digest:   hex.EncodeToString(sum[:]),
		IssuedTo: issuedTo,
	}
}
