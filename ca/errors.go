// Package ca implements the certificate issuance engine: a signing
// orchestrator that drives the vault's pending-CSR -> sign -> merge
// protocol through a remote signing capability, and a certificate provider
// that layers root/intermediate/leaf issuance policy on top of it.
package ca

import "errors"

// ErrPolicyViolation indicates an issuance request that the issuer's own
// constraints forbid, such as issuing a subordinate CA under an issuer
// whose path-length constraint is exhausted.
var ErrPolicyViolation = errors.New("policy violation")
