package opctx

import (
	"context"
	"strings"
	"testing"
	"time"

	ts "github.com/gofhir/termserver"
)

func TestAcquireRelease_ResetsState(t *testing.T) {
	oc := Acquire(context.Background())
	oc.RequestID = "req-1"
	oc.Languages = []string{"fr"}
	oc.SetMetadata("k", "v")
	oc.Step("note")
	oc.Release()

	oc2 := Acquire(context.Background())
	defer oc2.Release()
	if oc2.RequestID != "" {
		t.Errorf("RequestID leaked across acquisitions: %q", oc2.RequestID)
	}
	if len(oc2.Languages) != 0 {
		t.Errorf("Languages leaked across acquisitions: %v", oc2.Languages)
	}
	if _, ok := oc2.GetMetadata("k"); ok {
		t.Error("metadata leaked across acquisitions")
	}
	if len(oc2.Steps()) != 0 {
		t.Error("step log leaked across acquisitions")
	}
}

func TestContext_PushPopPath_DetectsCycle(t *testing.T) {
	oc := Acquire(context.Background())
	defer oc.Release()

	if !oc.PushPath("http://example.org/ValueSet/a") {
		t.Fatal("expected the first push to succeed")
	}
	if !oc.PushPath("http://example.org/ValueSet/b") {
		t.Fatal("expected a distinct path entry to succeed")
	}
	if oc.PushPath("http://example.org/ValueSet/a") {
		t.Error("expected re-pushing an entry already on the path to fail")
	}

	oc.PopPath()
	path := oc.Path()
	if len(path) != 2 {
		t.Errorf("Path() = %v; want 2 entries after one pop", path)
	}
}

func TestContext_CyclePathRendersPushedEntries(t *testing.T) {
	oc := Acquire(context.Background())
	defer oc.Release()

	oc.PushPath("http://example.org/ValueSet/a")
	oc.PushPath("http://example.org/ValueSet/b")

	got := oc.CyclePath("http://example.org/ValueSet/a")
	want := "http://example.org/ValueSet/a -> http://example.org/ValueSet/b -> http://example.org/ValueSet/a"
	if got != want {
		t.Errorf("CyclePath() = %q; want %q", got, want)
	}
}

func TestContext_CyclePathEmptyPath(t *testing.T) {
	oc := Acquire(context.Background())
	defer oc.Release()

	got := oc.CyclePath("http://example.org/ValueSet/a")
	if got != "http://example.org/ValueSet/a" {
		t.Errorf("CyclePath() on an empty path = %q; want just the rejected vurl", got)
	}
}

func TestContext_Expired(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	oc := Acquire(ctx)
	defer oc.Release()

	time.Sleep(5 * time.Millisecond)
	if !oc.Expired() {
		t.Error("expected a deadline-exceeded context to report Expired() == true")
	}
}

func TestContext_DebugBypassesExpiry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	oc := Acquire(ctx)
	defer oc.Release()
	oc.Debug = true

	time.Sleep(5 * time.Millisecond)
	if oc.Expired() {
		t.Error("expected Debug to suspend the deadline check")
	}
}

func TestContext_AddErrorAddWarning(t *testing.T) {
	oc := Acquire(context.Background())
	defer oc.Release()

	oc.AddWarning(ts.IssueTypeCodeInvalid, "a warning")
	if oc.ShouldStop() {
		t.Error("a warning alone should not stop the operation")
	}

	oc.AddError(ts.IssueTypeInvalid, "a fatal problem")
	if !oc.ShouldStop() {
		t.Error("an error issue should stop the operation")
	}
}

func TestContext_DeadlineCheckRecordsStep(t *testing.T) {
	oc := Acquire(context.Background())
	defer oc.Release()

	if oc.DeadlineCheck("checkpoint") {
		t.Error("expected no deadline to be set, so DeadlineCheck should not trip")
	}
	steps := oc.Steps()
	if len(steps) != 1 || steps[0].Note != "checkpoint" {
		t.Errorf("Steps() = %v; want one 'checkpoint' entry", steps)
	}
}

func TestContext_Message(t *testing.T) {
	oc := Acquire(context.Background())
	defer oc.Release()
	oc.Languages = []string{"en"}

	msg := oc.Message("not-found.codesystem", "urn:iso:std:iso:4217")
	if msg != "unknown code system: urn:iso:std:iso:4217" {
		t.Errorf("Message() = %q", msg)
	}
}

func TestContext_StepLogFormatsElapsedAndNote(t *testing.T) {
	oc := Acquire(context.Background())
	defer oc.Release()

	oc.Step("expand:start")
	oc.Step("expand:done")

	log := oc.StepLog()
	if len(log) != 2 {
		t.Fatalf("StepLog() = %v; want 2 entries", log)
	}
	if !strings.HasSuffix(log[0], "ms: expand:start") || !strings.HasSuffix(log[1], "ms: expand:done") {
		t.Errorf("StepLog() = %v; want each entry to end with 'ms: <note>'", log)
	}
}

func TestContext_UsedSystemsAndValueSetsAreSortedAndDeduped(t *testing.T) {
	oc := Acquire(context.Background())
	defer oc.Release()

	oc.NoteSystem("http://example.org/b", "")
	oc.NoteSystem("http://example.org/a", "1.0")
	oc.NoteSystem("http://example.org/a", "1.0")
	oc.NoteValueSet("http://example.org/vs/b")
	oc.NoteValueSet("http://example.org/vs/a")

	systems := oc.UsedSystems()
	want := []string{"http://example.org/a|1.0", "http://example.org/b"}
	if len(systems) != len(want) || systems[0] != want[0] || systems[1] != want[1] {
		t.Errorf("UsedSystems() = %v; want %v", systems, want)
	}

	vsets := oc.UsedValueSets()
	wantVS := []string{"http://example.org/vs/a", "http://example.org/vs/b"}
	if len(vsets) != len(wantVS) || vsets[0] != wantVS[0] || vsets[1] != wantVS[1] {
		t.Errorf("UsedValueSets() = %v; want %v", vsets, wantVS)
	}

	oc.Reset()
	if len(oc.UsedSystems()) != 0 || len(oc.UsedValueSets()) != 0 {
		t.Error("Reset() should clear used systems/value sets")
	}
}
