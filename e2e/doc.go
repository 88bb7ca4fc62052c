//go:build e2e

// Package e2e drives real browsers through the torture harness against the
// fakemeet server.
//
// These tests are isolated from the standard test suite via build tags.
// They require a Chrome browser (auto-downloaded by Rod if not present)
// and are intended for CI pipelines or explicit local testing.
//
// Running E2E tests:
//
//	go test -tags=e2e ./e2e/...
//
// Running all tests except E2E:
//
//	go test ./...
//
// Each test starts its own fakemeet server on a random port and joins a
// random room, so tests never share a conference.
package e2e
