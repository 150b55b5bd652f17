package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/licensedesk/licensedesk/internal/device"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/monitor"
	"github.com/licensedesk/licensedesk/internal/store/storetest"
	"github.com/licensedesk/licensedesk/internal/subscription"
)

var t0 = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*MCPServer, *license.Registry) {
	t.Helper()
	st := storetest.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return t0 }

	reg := license.NewRegistry(st, license.Options{
		KeyPrefix:         "EXT",
		DefaultMaxDevices: 3,
		MinAmount:         1000,
		IdentitySalt:      []byte("salt"),
		BcryptCost:        bcrypt.MinCost,
		Now:               clock,
	}, logger)
	subs := subscription.NewManager(st, reg, clock, logger)
	mon := monitor.New(st, reg, subs, monitor.Options{Now: clock}, logger)
	return NewMCPServer(reg, device.NewService(st, clock, logger), subs, mon, "test", logger), reg
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned protocol error: %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("content = %+v", res.Content)
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestListAndGetLicense(t *testing.T) {
	s, reg := newTestServer(t)
	lic, err := reg.IssueForPayment(context.Background(), "txn-1", 10700, license.Identity{Email: "a@b.com"})
	if err != nil {
		t.Fatal(err)
	}

	out, isErr := call(t, s.handleListLicenses, map[string]any{"status": "active"})
	if isErr {
		t.Fatalf("list failed: %s", out)
	}
	var list []model.License
	if err := json.Unmarshal([]byte(out), &list); err != nil || len(list) != 1 || list[0].Key != lic.Key {
		t.Fatalf("list = %s (%v)", out, err)
	}
	if strings.Contains(out, reg.HashEmail("a@b.com")) {
		t.Error("customer hashes must not be exposed")
	}

	if out, isErr := call(t, s.handleListLicenses, map[string]any{"status": "bogus"}); !isErr {
		t.Errorf("unknown status accepted: %s", out)
	}

	out, isErr = call(t, s.handleGetLicense, map[string]any{"license_key": strings.ToLower(lic.Key)})
	if isErr {
		t.Fatalf("get failed: %s", out)
	}
	var detail struct {
		License     model.License         `json:"license"`
		Transitions []model.LicenseStatus `json:"allowed_transitions"`
	}
	if err := json.Unmarshal([]byte(out), &detail); err != nil || detail.License.ID != lic.ID || len(detail.Transitions) != 3 {
		t.Errorf("detail = %s (%v)", out, err)
	}

	if out, isErr := call(t, s.handleGetLicense, map[string]any{}); !isErr {
		t.Errorf("missing identifier accepted: %s", out)
	}
	if out, isErr := call(t, s.handleGetLicense, map[string]any{"license_id": "missing"}); !isErr || !strings.Contains(out, "not found") {
		t.Errorf("missing license: %s", out)
	}
}

func TestSetLicenseStatusLogsMCPActor(t *testing.T) {
	s, reg := newTestServer(t)
	ctx := context.Background()
	lic, err := reg.IssueForPayment(ctx, "txn-1", 10700, license.Identity{Email: "a@b.com"})
	if err != nil {
		t.Fatal(err)
	}

	out, isErr := call(t, s.handleSetLicenseStatus, map[string]any{"license_id": lic.ID, "status": "suspended"})
	if isErr {
		t.Fatalf("set status failed: %s", out)
	}

	// suspended → blocked is not allowed.
	if out, isErr := call(t, s.handleSetLicenseStatus, map[string]any{"license_id": lic.ID, "status": "blocked"}); !isErr {
		t.Errorf("invalid transition accepted: %s", out)
	}
	if out, isErr := call(t, s.handleSetLicenseStatus, map[string]any{"license_id": lic.ID}); !isErr {
		t.Errorf("missing status accepted: %s", out)
	}

	out, isErr = call(t, s.handleLicenseLogs, map[string]any{"license_id": lic.ID})
	if isErr {
		t.Fatalf("logs failed: %s", out)
	}
	var logs []model.LogEntry
	if err := json.Unmarshal([]byte(out), &logs); err != nil || len(logs) == 0 {
		t.Fatalf("logs = %s (%v)", out, err)
	}
	found := false
	for _, e := range logs {
		if e.Action == model.StatusChangedAction(model.LicenseSuspended) {
			found = e.Actor == actor
		}
	}
	if !found {
		t.Errorf("no status change entry by %q in %+v", actor, logs)
	}

	out, _ = call(t, s.handleLicenseStats, nil)
	var counts map[string]int
	if err := json.Unmarshal([]byte(out), &counts); err != nil || counts["suspended"] != 1 {
		t.Errorf("stats = %s (%v)", out, err)
	}
}

func TestJobsAndEmptyLists(t *testing.T) {
	s, _ := newTestServer(t)

	for name, h := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"subscriptions": s.handleListSubscriptions,
		"advisories":    s.handleAdvisories,
		"licenses":      s.handleListLicenses,
	} {
		out, isErr := call(t, h, nil)
		if isErr || strings.TrimSpace(out) != "[]" {
			t.Errorf("%s: got %q (error=%v), want []", name, out, isErr)
		}
	}

	out, isErr := call(t, s.handleRunJobs, nil)
	if isErr {
		t.Fatalf("run jobs failed: %s", out)
	}
	var report monitor.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil || report.ExpiredSubscriptions != 0 {
		t.Errorf("report = %s (%v)", out, err)
	}
}

func TestLicenseResource(t *testing.T) {
	s, reg := newTestServer(t)
	lic, err := reg.IssueForPayment(context.Background(), "txn-1", 10700, license.Identity{Email: "a@b.com"})
	if err != nil {
		t.Fatal(err)
	}

	var req mcp.ReadResourceRequest
	req.Params.URI = licenseURIPrefix + lic.Key
	contents, err := s.handleLicenseResource(context.Background(), req)
	if err != nil {
		t.Fatalf("read resource: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents)
	if text.URI != req.Params.URI || !strings.Contains(text.Text, lic.Key) {
		t.Errorf("resource = %+v", text)
	}

	req.Params.URI = licenseURIPrefix
	if _, err := s.handleLicenseResource(context.Background(), req); err == nil {
		t.Error("empty key accepted")
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		val      int
		min      int
		max      int
		expected int
	}{
		{"value in range", 5, 1, 10, 5},
		{"value below min", -3, 1, 10, 1},
		{"value above max", 15, 1, 10, 10},
		{"value equals min", 1, 1, 10, 1},
		{"value equals max", 10, 1, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clamp(tt.val, tt.min, tt.max)
			if got != tt.expected {
				t.Errorf("clamp(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.expected)
			}
		})
	}
}

func TestAnnotations(t *testing.T) {
	if ann := readOnlyAnnotation(); ann.ReadOnlyHint == nil || !*ann.ReadOnlyHint {
		t.Error("readOnlyAnnotation should set ReadOnlyHint=true")
	}
	if ann := mutatingAnnotation(); ann.ReadOnlyHint == nil || *ann.ReadOnlyHint {
		t.Error("mutatingAnnotation should set ReadOnlyHint=false")
	}
}
