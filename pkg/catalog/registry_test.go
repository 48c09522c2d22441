package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xenophobed/isa-mcp/internal/fault"
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.DiscardHandler))
}

func TestRegisterGetRoundTrip(t *testing.T) {
	r := testRegistry()
	if err := r.Register(testTool("echo")); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	got, err := r.Get(KindTool, "echo")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Name != "echo" || got.Kind != KindTool {
		t.Errorf("Get() = %s/%s", got.Kind, got.Name)
	}
	if got.ID != "tool/echo" {
		t.Errorf("ID = %q, want tool/echo", got.ID)
	}
	if got.DefinitionHash == "" {
		t.Error("registered capability must carry a definition hash")
	}
	if got.SecurityClass != SecurityPublic {
		t.Errorf("default security class = %q, want public", got.SecurityClass)
	}
	if got.RegisteredAt.IsZero() {
		t.Error("RegisteredAt not set")
	}
	if got.Counters() == nil {
		t.Error("counters not allocated")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := testRegistry()
	if err := r.Register(testTool("echo")); err != nil {
		t.Fatal(err)
	}

	err := r.Register(testTool("echo"))
	if !fault.IsKind(err, fault.Conflict) {
		t.Errorf("duplicate Register() = %v, want conflict", err)
	}

	changed := testTool("echo")
	changed.Description = "changed"
	err = r.Register(changed)
	if !fault.IsKind(err, fault.Conflict) {
		t.Errorf("conflicting Register() = %v, want conflict", err)
	}

	// Uniqueness: still exactly one entry.
	if n := r.Len(KindTool); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		name string
		cap  *Capability
	}{
		{"nil", nil},
		{"empty name", &Capability{Kind: KindTool, Tool: &ToolDef{HandlerRef: "x", InputSchema: json.RawMessage(`{}`)}}},
		{"bad kind", &Capability{Kind: "gadget", Name: "x"}},
		{"tool without handler", &Capability{Kind: KindTool, Name: "x", Tool: &ToolDef{InputSchema: json.RawMessage(`{}`)}}},
		{"tool without schema", &Capability{Kind: KindTool, Name: "x", Tool: &ToolDef{HandlerRef: "h"}}},
		{"prompt without template", &Capability{Kind: KindPrompt, Name: "x", Prompt: &PromptDef{}}},
		{"resource without uri", &Capability{Kind: KindResource, Name: "x", Resource: &ResourceDef{ReaderRef: "r"}}},
		{"name with slash", &Capability{Kind: KindTool, Name: "a/b", Tool: &ToolDef{HandlerRef: "h", InputSchema: json.RawMessage(`{}`)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.cap)
			if !fault.IsKind(err, fault.InvalidArgument) {
				t.Errorf("Register() = %v, want invalid_argument", err)
			}
		})
	}
}

func TestRegisterRejectsHashMismatch(t *testing.T) {
	r := testRegistry()
	c := testTool("echo")
	c.DefinitionHash = "deadbeef"
	err := r.Register(c)
	if !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("Register() with bad hash = %v, want invalid_argument", err)
	}
}

func TestRegisterAcceptsPrecomputedHash(t *testing.T) {
	r := testRegistry()
	c := testTool("echo")
	c.normalize()
	h, err := DefinitionHash(c)
	if err != nil {
		t.Fatal(err)
	}
	c.DefinitionHash = h
	if err := r.Register(c); err != nil {
		t.Errorf("Register() with matching hash: %v", err)
	}
}

func TestDeregisterRoundTrip(t *testing.T) {
	r := testRegistry()
	if err := r.Register(testTool("echo")); err != nil {
		t.Fatal(err)
	}
	if err := r.Deregister(KindTool, "echo"); err != nil {
		t.Fatalf("Deregister() error: %v", err)
	}
	if _, err := r.Get(KindTool, "echo"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("Get() after deregister = %v, want not_found", err)
	}
	if err := r.Deregister(KindTool, "echo"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("second Deregister() = %v, want not_found", err)
	}
}

func TestReplacePreservesCountersAndRegisteredAt(t *testing.T) {
	r := testRegistry()
	if err := r.Register(testTool("echo")); err != nil {
		t.Fatal(err)
	}

	v1, _ := r.Get(KindTool, "echo")
	v1.Counters().RecordInvocation(5*time.Millisecond, false)
	v1.Counters().RecordInvocation(5*time.Millisecond, true)

	v2def := testTool("echo")
	v2def.Description = "second version"
	if err := r.Replace(v2def); err != nil {
		t.Fatalf("Replace() error: %v", err)
	}

	v2, _ := r.Get(KindTool, "echo")
	if v2.DefinitionHash == v1.DefinitionHash {
		t.Error("replace should change the definition hash")
	}
	if !v2.RegisteredAt.Equal(v1.RegisteredAt) {
		t.Error("replace must preserve RegisteredAt")
	}

	snap := v2.Counters().Snapshot()
	if snap.Invocations != 2 || snap.Failures != 1 {
		t.Errorf("counters not preserved across replace: %+v", snap)
	}

	// The captured v1 value is untouched — an in-flight invocation holding
	// it keeps using the old definition.
	if v1.Description != "a test tool" {
		t.Error("old capability value mutated by replace")
	}
}

func TestReplaceUnknownIsNotFound(t *testing.T) {
	r := testRegistry()
	if err := r.Replace(testTool("ghost")); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("Replace() = %v, want not_found", err)
	}
}

func TestListSnapshotAndFilters(t *testing.T) {
	r := testRegistry()
	for _, name := range []string{"web_fetch", "data_query", "memory_store"} {
		c := testTool(name)
		if name == "web_fetch" {
			c.Category = "network"
		}
		if err := r.Register(c); err != nil {
			t.Fatal(err)
		}
	}
	p := &Capability{Kind: KindPrompt, Name: "summarize", Description: "sum", Prompt: &PromptDef{Template: "Summarize {text}"}}
	if err := r.Register(p); err != nil {
		t.Fatal(err)
	}

	if got := len(r.List("", Filter{})); got != 4 {
		t.Errorf("List(all) = %d entries, want 4", got)
	}
	if got := len(r.List(KindTool, Filter{})); got != 3 {
		t.Errorf("List(tool) = %d entries, want 3", got)
	}
	if got := r.List(KindTool, Filter{Category: "network"}); len(got) != 1 || got[0].Name != "web_fetch" {
		t.Errorf("List(category=network) = %v", got)
	}
	if got := r.List(KindTool, Filter{NamePrefix: "data"}); len(got) != 1 || got[0].Name != "data_query" {
		t.Errorf("List(prefix=data) = %v", got)
	}

	// Snapshot: mutating the registry after List does not affect the slice.
	snapshot := r.List(KindTool, Filter{})
	if err := r.Deregister(KindTool, "web_fetch"); err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != 3 {
		t.Error("List() result must be a snapshot")
	}

	// Sorted by kind then name.
	all := r.List("", Filter{})
	if all[0].Kind != KindPrompt {
		t.Errorf("List() not sorted by kind: first is %s", all[0].Kind)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	r := testRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				name := fmt.Sprintf("tool-%d-%d", i, j)
				if err := r.Register(testTool(name)); err != nil {
					t.Errorf("Register(%s): %v", name, err)
				}
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				for _, c := range r.List(KindTool, Filter{}) {
					if c.Name == "" || c.DefinitionHash == "" {
						t.Error("reader observed a partially constructed capability")
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if n := r.Len(KindTool); n != 400 {
		t.Errorf("Len() = %d, want 400", n)
	}
}
