package stream

import (
	"context"
	"strings"
	"testing"
)

const twoCodeSystemBundle = `{
	"resourceType": "Bundle",
	"type": "collection",
	"entry": [
		{
			"fullUrl": "urn:uuid:cs-1",
			"resource": {
				"resourceType": "CodeSystem",
				"url": "http://example.org/fhir/CodeSystem/widgets",
				"status": "active",
				"content": "complete",
				"concept": [{"code": "a", "display": "Widget A"}]
			}
		},
		{
			"fullUrl": "urn:uuid:vs-1",
			"resource": {
				"resourceType": "ValueSet",
				"url": "http://example.org/fhir/ValueSet/widgets",
				"status": "active"
			}
		}
	]
}`

func TestBundleLoader_LoadStream(t *testing.T) {
	loader := NewBundleLoader()
	ctx := context.Background()
	results := loader.LoadStream(ctx, strings.NewReader(twoCodeSystemBundle))

	var codeSystems, valueSets int
	for result := range results {
		if result.Error != nil {
			t.Fatalf("entry %d error: %v", result.Index, result.Error)
		}
		switch {
		case result.CodeSystem != nil:
			codeSystems++
			if result.CodeSystem.URL != "http://example.org/fhir/CodeSystem/widgets" {
				t.Errorf("CodeSystem.URL = %q", result.CodeSystem.URL)
			}
		case result.ValueSet != nil:
			valueSets++
		default:
			t.Errorf("entry %d: expected a CodeSystem or ValueSet, got neither", result.Index)
		}
	}

	if codeSystems != 1 || valueSets != 1 {
		t.Errorf("codeSystems=%d valueSets=%d; want 1 and 1", codeSystems, valueSets)
	}
}

func TestBundleLoader_SkipsOtherResourceTypes(t *testing.T) {
	bundle := `{
		"resourceType": "Bundle",
		"type": "collection",
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "1"}},
			{"resource": {"resourceType": "CodeSystem", "url": "http://example.org/cs", "status": "active", "content": "complete"}}
		]
	}`

	loader := NewBundleLoader()
	results := loader.LoadStream(context.Background(), strings.NewReader(bundle))

	agg := Aggregate(results)
	if agg.TotalEntries != 2 {
		t.Errorf("TotalEntries = %d; want 2", agg.TotalEntries)
	}
	if agg.SkippedCount != 1 {
		t.Errorf("SkippedCount = %d; want 1", agg.SkippedCount)
	}
	if len(agg.CodeSystems) != 1 {
		t.Errorf("CodeSystems = %d; want 1", len(agg.CodeSystems))
	}
}

func TestBundleLoader_EmptyBundle(t *testing.T) {
	loader := NewBundleLoader()
	bundle := `{"resourceType": "Bundle", "type": "collection"}`

	results := loader.LoadStream(context.Background(), strings.NewReader(bundle))

	count := 0
	for range results {
		count++
	}
	if count != 0 {
		t.Errorf("expected 0 results for empty bundle, got %d", count)
	}
}

func TestBundleLoader_InvalidJSON(t *testing.T) {
	loader := NewBundleLoader()
	results := loader.LoadStream(context.Background(), strings.NewReader("not valid json"))

	var errorFound bool
	for result := range results {
		if result.Error != nil {
			errorFound = true
		}
	}
	if !errorFound {
		t.Error("expected an error for invalid JSON")
	}
}

func TestBundleLoader_ContextCancellation(t *testing.T) {
	loader := NewBundleLoader()

	entries := make([]string, 200)
	for i := range entries {
		entries[i] = `{"resource": {"resourceType": "CodeSystem", "url": "http://example.org/cs", "status": "active", "content": "complete"}}`
	}
	bundle := `{"resourceType": "Bundle", "type": "collection", "entry": [` + strings.Join(entries, ",") + `]}`

	ctx, cancel := context.WithCancel(context.Background())
	results := loader.LoadStream(ctx, strings.NewReader(bundle))

	count := 0
	for range results {
		count++
		if count == 1 {
			cancel()
		}
	}

	if count >= 200 {
		t.Errorf("expected early termination, processed %d entries", count)
	}
}

func TestBundleLoader_EntryWithoutResource(t *testing.T) {
	loader := NewBundleLoader()
	bundle := `{
		"resourceType": "Bundle",
		"type": "collection",
		"entry": [{"fullUrl": "urn:uuid:1"}]
	}`

	results := loader.LoadStream(context.Background(), strings.NewReader(bundle))

	for result := range results {
		if result.Error != nil {
			t.Errorf("unexpected error: %v", result.Error)
		}
		if result.FullURL != "urn:uuid:1" {
			t.Errorf("FullURL = %q; want urn:uuid:1", result.FullURL)
		}
		if !result.Skipped {
			t.Error("expected entry without a resource to be skipped")
		}
	}
}

func TestBundleLoader_LoadStreamParallel(t *testing.T) {
	loader := NewBundleLoader().WithWorkerCount(2)

	var entries []string
	for i := 0; i < 8; i++ {
		entries = append(entries, `{"resource": {"resourceType": "ValueSet", "url": "http://example.org/vs", "status": "active"}}`)
	}
	bundle := `{"resourceType": "Bundle", "type": "collection", "entry": [` + strings.Join(entries, ",") + `]}`

	results := loader.LoadStreamParallel(context.Background(), strings.NewReader(bundle))

	var collected []*EntryResult
	for result := range results {
		collected = append(collected, result)
	}

	if len(collected) != 8 {
		t.Fatalf("got %d results; want 8", len(collected))
	}
	for i, r := range collected {
		if r.Index != i {
			t.Errorf("result %d has index %d; want %d (order not preserved)", i, r.Index, i)
		}
		if r.ValueSet == nil {
			t.Errorf("result %d: expected a ValueSet", i)
		}
	}
}

func TestAggregate_Summary(t *testing.T) {
	loader := NewBundleLoader()
	results := loader.LoadStream(context.Background(), strings.NewReader(twoCodeSystemBundle))
	agg := Aggregate(results)

	if agg.HasErrors() {
		t.Error("HasErrors() should be false for a clean bundle")
	}
	if agg.Summary() == "" {
		t.Error("Summary() returned empty string")
	}
}

func TestBundleLoader_Options(t *testing.T) {
	loader := NewBundleLoader().WithBufferSize(50).WithWorkerCount(8)
	if loader.bufferSize != 50 {
		t.Errorf("bufferSize = %d; want 50", loader.bufferSize)
	}
	if loader.workerCount != 8 {
		t.Errorf("workerCount = %d; want 8", loader.workerCount)
	}
}

func TestBundleLoader_InvalidOptions(t *testing.T) {
	loader := NewBundleLoader().WithBufferSize(0).WithWorkerCount(-1)
	if loader.bufferSize != 100 {
		t.Errorf("bufferSize = %d; want 100 (default)", loader.bufferSize)
	}
	if loader.workerCount != 4 {
		t.Errorf("workerCount = %d; want 4 (default)", loader.workerCount)
	}
}

func BenchmarkBundleLoader_LoadStream(b *testing.B) {
	loader := NewBundleLoader()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		results := loader.LoadStream(context.Background(), strings.NewReader(twoCodeSystemBundle))
		for range results {
		}
	}
}
