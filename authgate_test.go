package main

import "testing"

func TestAuthGateUnconfiguredAllowsAnything(t *testing.T) {
	gate := NewAuthGate("")
	if gate.Configured() {
		t.Fatalf("expected gate to report unconfigured for empty token")
	}
	if !gate.Validate("") || !gate.Validate("anything") {
		t.Fatalf("expected unconfigured gate to validate any token")
	}
}

func TestAuthGateValidatesConfiguredToken(t *testing.T) {
	gate := NewAuthGate("s3cr3t")
	if !gate.Configured() {
		t.Fatalf("expected gate to report configured")
	}
	if !gate.Validate("s3cr3t") {
		t.Fatalf("expected matching token to validate")
	}
	if gate.Validate("wrong") {
		t.Fatalf("expected mismatched token to fail")
	}
	if gate.Validate("") {
		t.Fatalf("expected empty presented token to fail when configured")
	}
}
