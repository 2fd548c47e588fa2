package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"version"})
	cmd.SetContext(context.Background())

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version cmd: %v", err)
	}
	out := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(out, "restdeck ") {
		t.Fatalf("expected restdeck prefix, got %q", out)
	}
}

func TestParseLocals(t *testing.T) {
	cmd := newRunCmd()
	if err := cmd.Flags().Set("var", "token=abc"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if err := cmd.Flags().Set("var", "region=eu"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	locals, err := parseLocals(cmd)
	if err != nil {
		t.Fatalf("parseLocals: %v", err)
	}
	if len(locals) != 2 || locals[0].Key != "token" || locals[0].Value != "abc" || !locals[0].Enabled {
		t.Fatalf("unexpected locals %+v", locals)
	}
}

func TestParseLocalsRejectsMalformed(t *testing.T) {
	cmd := newRunCmd()
	if err := cmd.Flags().Set("var", "no-equals-sign"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if _, err := parseLocals(cmd); err == nil {
		t.Fatalf("expected error for malformed --var")
	}
}

func TestUnknownLogLevelFails(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"version", "--log-level", "nope"})
	cmd.SetContext(context.Background())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected unknown level error")
	}
}
