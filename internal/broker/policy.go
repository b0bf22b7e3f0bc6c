// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package broker

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// roleNamePattern is the character set accepted for authority role names.
// Anything outside it is rejected before a single byte goes on the wire.
var roleNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Policy validates issuance requests before any network round-trip to the
// secret authority. It is a pure function of the request and safe for
// concurrent use.
type Policy struct {
	// recognizedRoles, when non-nil, restricts issuance to an allow-list.
	// A nil map accepts every well-formed role.
	recognizedRoles map[string]struct{}
}

// NewPolicy returns a policy accepting every well-formed role.
func NewPolicy() *Policy { return &Policy{} }

// NewPolicyWithRoles returns a policy restricted to the given roles.
func NewPolicyWithRoles(roles []string) *Policy {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return &Policy{recognizedRoles: allowed}
}

// rolesFile is the YAML shape of the optional roles allow-list.
type rolesFile struct {
	Roles []string `yaml:"roles"`
}

// LoadPolicy reads a YAML roles file of the form {roles: [name, ...]} and
// returns a policy restricted to those roles.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roles file: %w", err)
	}
	var rf rolesFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parsing roles file %s: %w", path, err)
	}
	return NewPolicyWithRoles(rf.Roles), nil
}

// Validate rejects malformed requests with a typed error. A nil return means
// the request may be dispatched.
func (p *Policy) Validate(req IssuanceRequest) error {
	if req.Role == "" {
		return newInvalidRequest("role is required")
	}
	if !roleNamePattern.MatchString(req.Role) {
		return newInvalidRequest("role %q contains characters outside [A-Za-z0-9_-]", req.Role)
	}
	switch req.Backend {
	case BackendAppRole:
	case BackendKubernetesCreds:
		if req.Target == "" {
			return newInvalidRequest("target namespace is required for the %s backend", BackendKubernetesCreds)
		}
	default:
		return newUnknownBackend(req.Backend)
	}
	if p.recognizedRoles != nil {
		if _, ok := p.recognizedRoles[req.Role]; !ok {
			return newInvalidRequest("role %q is not a recognized role", req.Role)
		}
	}
	return nil
}
