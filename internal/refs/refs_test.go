package refs_test

import (
	"context"
	"testing"
	"time"

	"actionline/internal/domain"
	"actionline/internal/refs"
)

var testNow = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func dynamicRef(snapshot, createdAt string) domain.ActionReference {
	return domain.ActionReference{
		ID:             "ref-1",
		ActionID:       "act-1",
		SourceRecordID: strPtr("client-7"),
		TargetFieldKey: strPtr("name"),
		Mode:           domain.RefModeDynamic,
		SnapshotValue:  snapshot,
		CreatedAt:      createdAt,
	}
}

func TestStaticNeverDrifts(t *testing.T) {
	src := refs.MapSource{refs.Key("client-7", "name"): "Acme Corporation"}
	ref := domain.ActionReference{
		ID:             "ref-1",
		SourceRecordID: strPtr("client-7"),
		TargetFieldKey: strPtr("name"),
		Mode:           domain.RefModeStatic,
		SnapshotValue:  "Acme Corp",
		CreatedAt:      "2020-01-01T00:00:00Z",
	}
	res, err := refs.Resolve(context.Background(), src, ref, testNow, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.Drifted || res.Stale {
		t.Fatalf("static reference drifted: %+v", res)
	}
	if res.LiveValue != "Acme Corp" {
		t.Fatalf("static resolution must return the snapshot, got %q", res.LiveValue)
	}
}

func TestDynamicDriftOnMismatch(t *testing.T) {
	src := refs.MapSource{refs.Key("client-7", "name"): "Acme Corporation"}
	ref := dynamicRef("Acme Corp", testNow.Add(-time.Minute).Format(time.RFC3339))
	res, err := refs.Resolve(context.Background(), src, ref, testNow, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Drifted {
		t.Fatal("expected drift")
	}
	if res.Stale {
		t.Fatal("fresh snapshot must not be stale")
	}
	if res.LiveValue != "Acme Corporation" || res.SnapshotValue != "Acme Corp" {
		t.Fatalf("resolution %+v", res)
	}
}

func TestDynamicStaleWithoutMismatch(t *testing.T) {
	src := refs.MapSource{refs.Key("client-7", "name"): "Acme Corp"}
	ref := dynamicRef("Acme Corp", testNow.Add(-48*time.Hour).Format(time.RFC3339))
	res, err := refs.Resolve(context.Background(), src, ref, testNow, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stale {
		t.Fatal("expected stale snapshot")
	}
	if !res.Drifted {
		t.Fatal("stale alone must count as drift")
	}
}

func TestDynamicFreshMatchNoDrift(t *testing.T) {
	src := refs.MapSource{refs.Key("client-7", "name"): "Acme Corp"}
	ref := dynamicRef("Acme Corp", testNow.Add(-time.Hour).Format(time.RFC3339))
	res, err := refs.Resolve(context.Background(), src, ref, testNow, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.Drifted || res.Stale {
		t.Fatalf("unexpected drift: %+v", res)
	}
}

func TestResolveMissingRecordKeepsSnapshot(t *testing.T) {
	ref := dynamicRef("Acme Corp", testNow.Format(time.RFC3339))
	res, err := refs.Resolve(context.Background(), refs.MapSource{}, ref, testNow, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.LiveValue != "Acme Corp" {
		t.Fatalf("missing record should fall back to snapshot, got %q", res.LiveValue)
	}
	if res.Drifted {
		t.Fatal("no drift without a live value")
	}
}

func TestDiffMinimal(t *testing.T) {
	keep := domain.ActionReference{SourceRecordID: strPtr("r1"), TargetFieldKey: strPtr("name"), Mode: domain.RefModeStatic, SnapshotValue: "v1"}
	drop := domain.ActionReference{SourceRecordID: strPtr("r2"), TargetFieldKey: strPtr("name"), Mode: domain.RefModeStatic, SnapshotValue: "v2"}
	add := domain.ActionReference{SourceRecordID: strPtr("r3"), TargetFieldKey: strPtr("name"), Mode: domain.RefModeDynamic, SnapshotValue: "v3"}

	toAdd, toRemove := refs.Diff(
		[]domain.ActionReference{keep, drop},
		[]domain.ActionReference{keep, add},
	)
	if len(toAdd) != 1 || toAdd[0].SnapshotValue != "v3" {
		t.Fatalf("toAdd %+v", toAdd)
	}
	if len(toRemove) != 1 || toRemove[0].SnapshotValue != "v2" {
		t.Fatalf("toRemove %+v", toRemove)
	}
}

func TestDiffModeChangeReplaces(t *testing.T) {
	have := domain.ActionReference{SourceRecordID: strPtr("r1"), TargetFieldKey: strPtr("name"), Mode: domain.RefModeStatic, SnapshotValue: "v"}
	want := have
	want.Mode = domain.RefModeDynamic

	toAdd, toRemove := refs.Diff([]domain.ActionReference{have}, []domain.ActionReference{want})
	if len(toAdd) != 1 || len(toRemove) != 1 {
		t.Fatalf("mode change must replace the reference: add=%d remove=%d", len(toAdd), len(toRemove))
	}
}

func TestDiffNoChange(t *testing.T) {
	have := []domain.ActionReference{
		{SourceRecordID: strPtr("r1"), TargetFieldKey: strPtr("name"), Mode: domain.RefModeStatic, SnapshotValue: "v"},
	}
	toAdd, toRemove := refs.Diff(have, have)
	if len(toAdd) != 0 || len(toRemove) != 0 {
		t.Fatalf("identical sets must diff empty: add=%v remove=%v", toAdd, toRemove)
	}
}
