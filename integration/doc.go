// Package integration contains the end-to-end smoke tests for the rollout
// binary. Tests in this package build the binary and a stub agent and run a
// complete rollout against a temporary project.
//
// Run with: go test ./integration/... -v -timeout 120s
package integration
