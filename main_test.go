package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out, io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPermissionCommands(t *testing.T) {
	t.Chdir(t.TempDir())
	store := filepath.Join(t.TempDir(), "notifier.json")

	out, err := run(t, "permission", "get", "--store", store)
	if err != nil {
		t.Fatalf("permission get error = %v", err)
	}
	if strings.TrimSpace(out) != "default" {
		t.Errorf("initial permission = %q, want default", out)
	}

	if _, err := run(t, "permission", "set", "denied", "--store", store); err != nil {
		t.Fatalf("permission set error = %v", err)
	}
	out, _ = run(t, "permission", "get", "--store", store)
	if strings.TrimSpace(out) != "denied" {
		t.Errorf("permission after set = %q, want denied", out)
	}

	if _, err := run(t, "permission", "set", "maybe", "--store", store); err == nil {
		t.Error("permission set accepted an unknown value")
	}
}

func TestStatusCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	store := filepath.Join(t.TempDir(), "notifier.json")
	if _, err := run(t, "permission", "set", "denied", "--store", store); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "status", "--store", store)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	var st struct {
		Permission string `json:"permission"`
		Decision   struct {
			Verdict string `json:"verdict"`
		} `json:"decision"`
		Entry struct {
			Denied bool `json:"denied"`
		} `json:"entry"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out)
	}
	if st.Permission != "denied" || st.Decision.Verdict != "BLOCKED" {
		t.Errorf("status = %+v", st)
	}
	if !st.Entry.Denied {
		t.Error("platform denial should be recorded in the ledger")
	}

	if _, err := run(t, "reset", "--store", store); err != nil {
		t.Fatalf("reset error = %v", err)
	}
}

func TestUnknownConfigFile(t *testing.T) {
	if _, err := run(t, "status", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("status with a missing config file should fail")
	}
}
