package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaracil/callwall/store"
)

func runCtl(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--db", db}, args...))
	err := root.Execute()
	return out.String(), err
}

func openStore(t *testing.T, db string) *store.Store {
	t.Helper()
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLists(t *testing.T) {
	db := filepath.Join(t.TempDir(), "callwall.db")

	if _, err := runCtl(t, db, "list", "deny", "5551234567", "--reason", "robocaller"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if _, err := runCtl(t, db, "list", "deny", "9005550000", "--soft"); err != nil {
		t.Fatalf("deny --soft: %v", err)
	}
	if _, err := runCtl(t, db, "list", "allow", "5559876543", "--for", "1h"); err != nil {
		t.Fatalf("allow --for: %v", err)
	}

	out, err := runCtl(t, db, "list", "show")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"+15551234567", "robocaller", "deny (soft)", "+15559876543"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	if _, err := runCtl(t, db, "list", "remove", "5551234567"); err != nil {
		t.Fatal(err)
	}
	st := openStore(t, db)
	if _, ok, _ := st.Lookup(context.Background(), "5551234567", time.Now()); ok {
		t.Error("number still listed after remove")
	}
	e, ok, _ := st.Lookup(context.Background(), "5559876543", time.Now())
	if !ok || e.ExpiresAt.IsZero() {
		t.Errorf("temporary allow = %+v, %v", e, ok)
	}
}

func TestListImport(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "callwall.db")
	file := filepath.Join(dir, "lists.yaml")
	content := `
allow:
  - number: "5551112222"
    reason: family
  - number: "5553334444"
    until: 2099-01-01T00:00:00Z
deny:
  - number: "5559990000"
    soft: true
    reason: survey
`
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCtl(t, db, "list", "import", file)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "Imported 3 entries") {
		t.Errorf("output = %q", out)
	}

	st := openStore(t, db)
	e, ok, _ := st.Lookup(context.Background(), "5559990000", time.Now())
	if !ok || !e.Soft || e.Reason != "survey" {
		t.Errorf("soft deny = %+v, %v", e, ok)
	}
	e, ok, _ = st.Lookup(context.Background(), "5553334444", time.Now())
	if !ok || e.ExpiresAt.Year() != 2099 {
		t.Errorf("allow until = %+v, %v", e, ok)
	}
}

func TestListImport_BadFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "lists.yaml")
	os.WriteFile(file, []byte("allow: [unclosed"), 0o600)
	if _, err := runCtl(t, filepath.Join(dir, "callwall.db"), "list", "import", file); err == nil {
		t.Error("import of malformed YAML succeeded")
	}
}

func TestRegistry(t *testing.T) {
	db := filepath.Join(t.TempDir(), "callwall.db")
	for i := 0; i < 2; i++ {
		if _, err := runCtl(t, db, "registry", "report", "5551234567", "--note", "warranty scam"); err != nil {
			t.Fatal(err)
		}
	}
	out, err := runCtl(t, db, "registry", "count", "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "2" {
		t.Errorf("count = %q, want 2", out)
	}
	if _, err := runCtl(t, db, "registry", "report", "abc"); err == nil {
		t.Error("report without digits succeeded")
	}
}

func TestDevices(t *testing.T) {
	db := filepath.Join(t.TempDir(), "callwall.db")
	out, _ := runCtl(t, db, "device", "list")
	if !strings.Contains(out, "No registered sessions") {
		t.Errorf("empty list output = %q", out)
	}

	if _, err := runCtl(t, db, "device", "revoke", "modem1", "--note", "spare line"); err != nil {
		t.Fatal(err)
	}
	st := openStore(t, db)
	ok, err := st.IsSessionAuthorized(context.Background(), "modem1")
	if err != nil || ok {
		t.Errorf("IsSessionAuthorized(modem1) = %v, %v", ok, err)
	}
	out, _ = runCtl(t, db, "device", "list")
	if !strings.Contains(out, "modem1") || !strings.Contains(out, "spare line") {
		t.Errorf("list output = %q", out)
	}
}

func TestCalls(t *testing.T) {
	db := filepath.Join(t.TempDir(), "callwall.db")
	out, _ := runCtl(t, db, "calls")
	if !strings.Contains(out, "No calls") {
		t.Errorf("empty output = %q", out)
	}

	st := openStore(t, db)
	st.LogCall(context.Background(), store.CallRecord{SessionID: "modem0", Number: "+15551234567", Action: "block", RiskScore: 0.9, Reasons: []string{"deny-listed"}})
	st.LogCall(context.Background(), store.CallRecord{SessionID: "modem0", Withheld: true, Action: "allow"})

	out, err := runCtl(t, db, "calls", "-n", "5")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"+15551234567", "deny-listed", "(withheld)", "0.90"} {
		if !strings.Contains(out, want) {
			t.Errorf("calls output missing %q:\n%s", want, out)
		}
	}
}

func TestPurge(t *testing.T) {
	db := filepath.Join(t.TempDir(), "callwall.db")
	st := openStore(t, db)
	st.AllowUntil(context.Background(), "5551234567", time.Now().Add(-time.Minute))
	st.Allow(context.Background(), "5559876543", "friend")

	out, err := runCtl(t, db, "purge")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Purged 1 entries") {
		t.Errorf("output = %q", out)
	}
}
