package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/withObsrvr/crm-purge/internal/crm"
	"github.com/withObsrvr/crm-purge/internal/reconcile"
	"github.com/withObsrvr/crm-purge/internal/report"
	"github.com/withObsrvr/crm-purge/internal/storage"
)

func writeIDs(t *testing.T, store storage.TableStore, file string, ids ...string) {
	t.Helper()
	table := storage.NewTable(IDColumn)
	for _, id := range ids {
		table.Append(id)
	}
	if err := store.Write(context.Background(), file, table); err != nil {
		t.Fatal(err)
	}
}

func TestParseTargets(t *testing.T) {
	targets, err := ParseTargets("Account:Accounts.csv, Contact:Contacts.csv")
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 || targets[1] != (Target{ObjectType: "Contact", File: "Contacts.csv"}) {
		t.Errorf("targets = %v", targets)
	}

	for _, bad := range []string{"", "Account", "Account:", ":a.csv", "A:a.csv,A:b.csv", "A:ids.csv,B:ids.csv", "A:ids.csv,B:./ids.csv"} {
		if _, err := ParseTargets(bad); err == nil {
			t.Errorf("ParseTargets(%q) should fail", bad)
		}
	}
}

func TestCheckTargetsSharedFile(t *testing.T) {
	err := CheckTargets([]Target{
		{ObjectType: "Account", File: "out/ids.csv"},
		{ObjectType: "Contact", File: "out/../out/ids.csv"},
	})
	if err == nil || !strings.Contains(err.Error(), "share file") {
		t.Errorf("CheckTargets = %v, want shared file error", err)
	}
}

func TestExtractOverwrites(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	gw := newFakeGateway()
	gw.ids["Account"] = []string{"001", "002"}
	job := NewExtract(gw, store, 0)
	target := Target{ObjectType: "Account", File: "Accounts.csv"}
	ctx := context.Background()

	out, err := job.Run(ctx, target)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Records != 2 {
		t.Errorf("Records = %d, want 2", out.Records)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "Accounts.csv"))
	if string(data) != "Id\n001\n002\n" {
		t.Errorf("file = %q", data)
	}
	if gw.fetchLimits[0] != crm.DefaultFetchLimit {
		t.Errorf("limit = %d, want %d", gw.fetchLimits[0], crm.DefaultFetchLimit)
	}

	gw.ids["Account"] = []string{"003"}
	if _, err := job.Run(ctx, target); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "Accounts.csv"))
	if string(data) != "Id\n003\n" {
		t.Errorf("file after rerun = %q, want full overwrite", data)
	}
}

func TestExtractGatewayFailure(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	gw := newFakeGateway()
	gw.errs["Account"] = &crm.GatewayError{Op: "fetch_ids", ObjectType: "Account", Err: errors.New("auth failed")}

	_, err := NewExtract(gw, store, 100).Run(context.Background(), Target{ObjectType: "Account", File: "Accounts.csv"})
	var ge *crm.GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("error = %v, want *crm.GatewayError", err)
	}
	exists, _ := store.Exists(context.Background(), "Accounts.csv")
	if exists {
		t.Error("failed extraction should not write a file")
	}
}

func TestDeleteMergesResults(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	gw := newFakeGateway()
	gw.failures["002"] = []crm.RecordError{
		{StatusCode: "DELETE_FAILED", Message: "record locked"},
		{StatusCode: "UNKNOWN", Message: "second error"},
	}
	rec := reconcile.New(reconcile.Config{LogPath: "error.csv"}, store)
	ctx := context.Background()
	writeIDs(t, store, "Accounts.csv", "001", "002")

	out, err := NewDelete(gw, store, rec, crm.BulkOptions{Serial: true}).Run(ctx, Target{ObjectType: "Account", File: "Accounts.csv"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Records != 2 || out.Failed != 1 {
		t.Errorf("outcome = %+v, want 2 records 1 failed", out)
	}
	if opts := gw.bulkOpts[0]; opts.BatchSize != crm.DefaultBatchSize || !opts.Serial {
		t.Errorf("bulk options = %+v", opts)
	}

	entries, err := rec.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("log entries = %d, want 2", len(entries))
	}
	failed := entries[1]
	if failed.ID != "002" || failed.Success || *failed.StatusCode != "DELETE_FAILED" {
		t.Errorf("failed entry = %+v", failed)
	}
}

func TestDeleteEmptyFile(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Contacts.csv"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	gw := newFakeGateway()
	rec := reconcile.New(reconcile.Config{LogPath: "error.csv"}, store)

	out, err := NewDelete(gw, store, rec, crm.BulkOptions{}).Run(context.Background(), Target{ObjectType: "Contact", File: "Contacts.csv"})
	if err != nil {
		t.Fatalf("empty file should not fail: %v", err)
	}
	if out.Records != 0 {
		t.Errorf("Records = %d, want 0", out.Records)
	}
	if len(gw.bulkCalls) != 1 || len(gw.bulkCalls[0]) != 0 {
		t.Errorf("bulk calls = %v, want one call with zero ids", gw.bulkCalls)
	}
	if _, err := os.Stat(filepath.Join(dir, "error.csv")); !os.IsNotExist(err) {
		t.Error("error log should not be created for an empty delete")
	}
}

func TestDeleteMissingFile(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	gw := newFakeGateway()
	rec := reconcile.New(reconcile.Config{}, store)

	_, err := NewDelete(gw, store, rec, crm.BulkOptions{}).Run(context.Background(), Target{ObjectType: "Account", File: "Accounts.csv"})
	if !errors.Is(err, storage.ErrStoreRead) {
		t.Errorf("error = %v, want ErrStoreRead", err)
	}
	if len(gw.bulkCalls) != 0 {
		t.Error("gateway should not be called when the file cannot be read")
	}
}

func TestDeleteGatewayFailure(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	gw := newFakeGateway()
	gw.errs["Account"] = &crm.GatewayError{Op: "bulk_delete", ObjectType: "Account", Err: errors.New("job rejected")}
	rec := reconcile.New(reconcile.Config{}, store)
	writeIDs(t, store, "Accounts.csv", "001")

	_, err := NewDelete(gw, store, rec, crm.BulkOptions{}).Run(context.Background(), Target{ObjectType: "Account", File: "Accounts.csv"})
	if err == nil || !strings.Contains(err.Error(), "job rejected") {
		t.Errorf("error = %v", err)
	}
}

func TestDeleteMergesPartialResults(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	gw := newFakeGateway()
	gw.failures["001"] = []crm.RecordError{{StatusCode: "DELETE_FAILED", Message: "record locked"}}
	gw.partial["Account"] = 1
	rec := reconcile.New(reconcile.Config{}, store)
	ctx := context.Background()
	writeIDs(t, store, "Accounts.csv", "001", "002")

	out, err := NewDelete(gw, store, rec, crm.BulkOptions{}).Run(ctx, Target{ObjectType: "Account", File: "Accounts.csv"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want the gateway error", err)
	}
	if out.Failed != 1 {
		t.Errorf("outcome = %+v, want 1 failed", out)
	}

	// the collected failure is in the log despite the error
	entries, err := rec.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "001" || entries[0].Success {
		t.Errorf("log entries = %+v, want the 001 failure", entries)
	}
}

func TestVerifyReportsStillPresent(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	gw := newFakeGateway()
	gw.present["Account"] = []string{"001"}
	reports, err := report.NewWriter(report.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	writeIDs(t, store, "Accounts.csv", "001", "002")
	ctx := context.Background()

	out, err := NewVerify(gw, store, reports).Run(ctx, Target{ObjectType: "Account", File: "Accounts.csv"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out.StillPresent) != 1 || out.StillPresent[0] != "001" {
		t.Errorf("StillPresent = %v, want [001]", out.StillPresent)
	}

	rep, err := reports.Load(ctx, "Account")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Checked != 2 || len(rep.Deleted) != 1 || rep.Deleted[0] != "002" {
		t.Errorf("report = %+v, want 002 deleted", rep)
	}
}

func TestVerifyEmptySkipsQuery(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	gw := newFakeGateway()
	writeIDs(t, store, "Contacts.csv")

	out, err := NewVerify(gw, store, nil).Run(context.Background(), Target{ObjectType: "Contact", File: "Contacts.csv"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Records != 0 || len(out.StillPresent) != 0 {
		t.Errorf("outcome = %+v", out)
	}
	if gw.existsCalls != 0 {
		t.Errorf("ExistsAny calls = %d, want 0", gw.existsCalls)
	}
}

func TestDifference(t *testing.T) {
	got := difference([]string{"a", "b", "c", "b"}, []string{"c"})
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("difference = %v, want [a b]", got)
	}
}
