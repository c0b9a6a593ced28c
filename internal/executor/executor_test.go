// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"

	"github.com/schoolbridge/schoolbridge/internal/config"
	"github.com/schoolbridge/schoolbridge/internal/models"
	"github.com/schoolbridge/schoolbridge/internal/runlog"
	"github.com/schoolbridge/schoolbridge/internal/source"
	"github.com/schoolbridge/schoolbridge/internal/writer"
)

// pagedSource serves teacher records in pages of two: 2, 2, 1.
func pagedSource(t *testing.T, fetches *atomic.Int32) *httptest.Server {
	t.Helper()
	pages := map[string][]map[string]any{
		"1": {
			{"teacher_id": "t-1", "full_name": "A", "emp_code": "c1", "dept": []string{"org-1"}},
			{"teacher_id": "t-2", "full_name": "B", "emp_code": "c2", "dept": []string{"org-1"}},
		},
		"2": {
			{"teacher_id": "t-3", "full_name": "C", "emp_code": "c3", "dept": []string{"org-1"}},
			{"teacher_id": "t-4", "full_name": "D", "emp_code": "c4", "dept": []string{"org-1"}},
		},
		"3": {
			{"teacher_id": "t-5", "full_name": "E", "emp_code": "c5", "dept": []string{"org-1"}},
		},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		records, ok := pages[r.URL.Query().Get("pageNum")]
		if !ok {
			records = nil
		}
		json.NewEncoder(w).Encode(map[string]any{"data": records})
	}))
}

func writeTenantDocs(t *testing.T, sourceURL string) string {
	t.Helper()
	dir := t.TempDir()
	tenantDir := filepath.Join(dir, "school-1")
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	doc := fmt.Sprintf(`
dataSource:
  type: api
  api:
    url: %s/teachers
    pagination:
      pageParam: pageNum
      sizeParam: pageSize
      pageSize: 2
fieldMap:
  - sourceField: teacher_id
    targetField: id
    required: true
  - sourceField: full_name
    targetField: name
    required: true
  - sourceField: emp_code
    targetField: code
  - sourceField: dept
    targetField: orgClientIds
batchConfig:
  batchSize: 10
`, sourceURL)
	if err := os.WriteFile(filepath.Join(tenantDir, "teacher.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

func testExecutor(t *testing.T, tenantsDir, downstreamURL string, store runlog.Store) *Executor {
	t.Helper()
	cfg := &config.Config{
		Writer: config.WriterConfig{Concurrency: 2, ClientSecret: "s3cret"},
		Environments: []config.Environment{
			{ID: "default", DisplayName: "Default", BaseURL: downstreamURL},
		},
	}
	pools := source.NewPoolManager()
	t.Cleanup(pools.DestroyAll)
	return New(cfg, config.NewProvider(tenantsDir), pools, writer.New(), store)
}

func TestRunPaginatesToCompletion(t *testing.T) {
	var fetches atomic.Int32
	src := pagedSource(t, &fetches)
	defer src.Close()

	var writePath string
	var writes atomic.Int32
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writes.Add(1)
		writePath = r.URL.Path
		w.Write([]byte(`{"code":200}`))
	}))
	defer downstream.Close()

	store := runlog.NewMemoryStore()
	exec := testExecutor(t, writeTenantDocs(t, src.URL), downstream.URL, store)

	res, err := exec.Run(context.Background(), "school-1", models.EntityTeacher, "", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Total != 5 || res.Written != 5 || res.Failed != 0 {
		t.Errorf("result = %+v, want 5/5/0", res)
	}
	if res.TraceID == "" {
		t.Error("empty trace id should be minted")
	}
	// A short third page terminates the loop without a fourth fetch.
	if got := fetches.Load(); got != 3 {
		t.Errorf("fetches = %d, want 3", got)
	}
	if writePath != "/v1/base/teacher/batch" {
		t.Errorf("write path = %q", writePath)
	}

	entry, err := store.Get(context.Background(), res.TraceID)
	if err != nil {
		t.Fatalf("Get run log: %v", err)
	}
	if entry.Status != runlog.RunSuccess {
		t.Errorf("status = %s, want success", entry.Status)
	}
	if entry.Summary.Total != 5 || entry.Summary.Success != 5 {
		t.Errorf("summary = %+v", entry.Summary)
	}
	if entry.Stages.Fetch.Total != 5 || entry.Stages.Fetch.Status != "success" {
		t.Errorf("fetch stage = %+v", entry.Stages.Fetch)
	}
	if entry.Stages.Transform.Success != 5 || entry.Stages.Write.Success != 5 {
		t.Errorf("stages = %+v", entry.Stages)
	}
	if entry.Environment != "default" {
		t.Errorf("environment = %q, want resolved default", entry.Environment)
	}
	if len(entry.RawSample) != 5 {
		t.Errorf("raw sample = %d", len(entry.RawSample))
	}
}

func TestRunKeepsCallerTraceID(t *testing.T) {
	var fetches atomic.Int32
	src := pagedSource(t, &fetches)
	defer src.Close()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":200}`))
	}))
	defer downstream.Close()

	store := runlog.NewMemoryStore()
	exec := testExecutor(t, writeTenantDocs(t, src.URL), downstream.URL, store)

	res, err := exec.Run(context.Background(), "school-1", models.EntityTeacher, "", "tr-queued")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TraceID != "tr-queued" {
		t.Errorf("trace id = %q, want caller's preserved", res.TraceID)
	}
	if _, err := store.Get(context.Background(), "tr-queued"); err != nil {
		t.Errorf("run log missing for caller trace id: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("entries = %d, re-using a trace id must not fork rows", store.Len())
	}
}

func TestRunFetchFailureFinalizesFailed(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "source down", http.StatusInternalServerError)
	}))
	defer src.Close()

	store := runlog.NewMemoryStore()
	exec := testExecutor(t, writeTenantDocs(t, src.URL), "http://downstream.school.test", store)

	res, err := exec.Run(context.Background(), "school-1", models.EntityTeacher, "", "tr-fail")
	if err == nil {
		t.Fatal("Run should surface the fetch error")
	}
	if res.Total != 0 {
		t.Errorf("total = %d, want 0", res.Total)
	}

	entry, gerr := store.Get(context.Background(), "tr-fail")
	if gerr != nil {
		t.Fatalf("Get run log: %v", gerr)
	}
	if entry.Status != runlog.RunFailed {
		t.Errorf("status = %s, want failed", entry.Status)
	}
	if entry.Stages.Fetch.Status != "failed" || entry.Stages.Fetch.Reason == "" {
		t.Errorf("fetch stage = %+v, want failed with reason", entry.Stages.Fetch)
	}
}

func TestRunUnknownTenant(t *testing.T) {
	store := runlog.NewMemoryStore()
	exec := testExecutor(t, t.TempDir(), "http://downstream.school.test", store)

	if _, err := exec.Run(context.Background(), "school-9", models.EntityTeacher, "", ""); err == nil {
		t.Fatal("unconfigured tenant should fail")
	}
}

func TestRunUnknownEnvironment(t *testing.T) {
	var fetches atomic.Int32
	src := pagedSource(t, &fetches)
	defer src.Close()

	store := runlog.NewMemoryStore()
	exec := testExecutor(t, writeTenantDocs(t, src.URL), "http://downstream.school.test", store)

	if _, err := exec.Run(context.Background(), "school-1", models.EntityTeacher, "qa", ""); err == nil {
		t.Fatal("unknown environment should fail before fetching")
	}
	if fetches.Load() != 0 {
		t.Error("environment resolution failure must not fetch")
	}
}

func TestRunDemotesReportedFailures(t *testing.T) {
	var fetches atomic.Int32
	src := pagedSource(t, &fetches)
	defer src.Close()

	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string][]map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		// Fail exactly t-2 out of whatever batch carried it.
		for _, rec := range payload["teachers"] {
			if rec["id"] == "t-2" {
				w.Write([]byte(`{"code":200,"data":[{"id":"t-2","messages":["duplicate code"]}]}`))
				return
			}
		}
		w.Write([]byte(`{"code":200}`))
	}))
	defer downstream.Close()

	store := runlog.NewMemoryStore()
	exec := testExecutor(t, writeTenantDocs(t, src.URL), downstream.URL, store)

	res, err := exec.Run(context.Background(), "school-1", models.EntityTeacher, "", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Total != 5 || res.Written != 4 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 5/4/1", res)
	}

	entry, err := store.Get(context.Background(), res.TraceID)
	if err != nil {
		t.Fatalf("Get run log: %v", err)
	}
	if entry.Status != runlog.RunSuccess {
		t.Errorf("status = %s, record-level failures do not fail the run", entry.Status)
	}
	if entry.Stages.Write.Success != 4 || entry.Stages.Write.Failed != 1 {
		t.Errorf("write stage = %+v", entry.Stages.Write)
	}
	if len(entry.FailedRecords) != 1 {
		t.Fatalf("failed records = %d", len(entry.FailedRecords))
	}
	fr := entry.FailedRecords[0]
	if fr.Data["id"] != "t-2" {
		t.Errorf("demoted record = %v, demotion must match by id", fr.Data["id"])
	}
	if !strings.HasPrefix(fr.Reason, models.ReasonDownstreamBusiness) {
		t.Errorf("reason = %q", fr.Reason)
	}
	if entry.WriteDebug == nil {
		t.Error("failing batch should leave a write debug snapshot")
	}
}

func TestRunZeroSuccessDemotesPage(t *testing.T) {
	var fetches atomic.Int32
	src := pagedSource(t, &fetches)
	defer src.Close()

	// The downstream reports failures under ids the page never sent, with
	// one entry per record, so the batch counts zero successes.
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string][]map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		failures := make([]map[string]any, len(payload["teachers"]))
		for i := range failures {
			failures[i] = map[string]any{"id": fmt.Sprintf("ghost-%d", i), "messages": []string{"rejected"}}
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": failures})
	}))
	defer downstream.Close()

	store := runlog.NewMemoryStore()
	exec := testExecutor(t, writeTenantDocs(t, src.URL), downstream.URL, store)

	res, err := exec.Run(context.Background(), "school-1", models.EntityTeacher, "", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Written != 0 || res.Failed != 5 {
		t.Fatalf("result = %+v, want every record demoted", res)
	}

	entry, err := store.Get(context.Background(), res.TraceID)
	if err != nil {
		t.Fatalf("Get run log: %v", err)
	}
	want := models.ReasonDownstreamProtocol + " batch reported zero successes"
	for _, fr := range entry.FailedRecords {
		if fr.Reason != want {
			t.Errorf("reason = %q, want %q", fr.Reason, want)
		}
	}
}

func TestRunSkipsInvalidRecordsAtWrite(t *testing.T) {
	// One record misses its required source field; the other four proceed.
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageNum") != "1" {
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"teacher_id": "t-1", "full_name": "A", "emp_code": "c1", "dept": []string{"org-1"}},
			{"full_name": "no id", "emp_code": "c2"},
		}})
	}))
	defer src.Close()

	var wrote []map[string]any
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string][]map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		wrote = append(wrote, payload["teachers"]...)
		w.Write([]byte(`{"code":200}`))
	}))
	defer downstream.Close()

	store := runlog.NewMemoryStore()
	exec := testExecutor(t, writeTenantDocs(t, src.URL), downstream.URL, store)

	res, err := exec.Run(context.Background(), "school-1", models.EntityTeacher, "", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Total != 2 || res.Written != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 2/1/1", res)
	}

	if len(wrote) != 1 || wrote[0]["id"] != "t-1" {
		t.Errorf("downstream saw %v, transform failures must never be written", wrote)
	}

	entry, err := store.Get(context.Background(), res.TraceID)
	if err != nil {
		t.Fatalf("Get run log: %v", err)
	}
	if entry.Stages.Transform.Failed != 1 || entry.Stages.Write.Failed != 0 {
		t.Errorf("stages = %+v, schema failure belongs to transform only", entry.Stages)
	}
	if len(entry.FailedRecords) != 1 {
		t.Fatalf("failed records = %d", len(entry.FailedRecords))
	}
	wantPrefix := models.ReasonSchemaValidation + ` missing required source field "teacher_id"`
	if entry.FailedRecords[0].Reason != wantPrefix {
		t.Errorf("reason = %q, want %q", entry.FailedRecords[0].Reason, wantPrefix)
	}
}
