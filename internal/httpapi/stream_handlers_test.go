package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"agencydash.app/internal/audit"
	"agencydash.app/internal/auth"
)

func nextEvent(t *testing.T, sc *bufio.Scanner) audit.Entry {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatalf("bad event payload %q: %v", line, err)
		}
		return e
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return audit.Entry{}
}

func TestAuditStreamScopesToTenant(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("admin-1", auth.RoleAdmin, "tenant-1")
	ceo := env.token("ceo-1", auth.RoleCEO, "tenant-2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/audit/stream", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected stream response: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	sc := bufio.NewScanner(resp.Body)

	first := nextEvent(t, sc)
	if first.TenantID != "tenant-1" || first.TableName != auditTable || first.UserID != "admin-1" {
		t.Fatalf("expected own subscription row, got %+v", first)
	}

	env.do(http.MethodGet, "/api/audit", url.Values{"tenantId": {"tenant-2"}}, ceo)
	env.do(http.MethodGet, "/api/audit", nil, admin)

	next := nextEvent(t, sc)
	if next.TenantID != "tenant-1" || next.Endpoint != "/api/audit" {
		t.Fatalf("expected tenant-1 audit read, got %+v", next)
	}
}

func TestAuditStreamRequiresAuditPermission(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(http.MethodGet, "/api/audit/stream", nil, env.token("rep-1", auth.RoleSales, "tenant-1"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
