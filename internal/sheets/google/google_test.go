package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	goption "google.golang.org/api/option"

	"wedplan/internal/core"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Options{SpreadsheetID: "sheet-1", SheetName: "Ledger"},
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil || !strings.Contains(err.Error(), "spreadsheet id") {
		t.Fatalf("expected missing spreadsheet id error, got %v", err)
	}
	if _, err := New(context.Background(), Options{SpreadsheetID: "x"}); err == nil || !strings.Contains(err.Error(), "credentials") {
		t.Fatalf("expected missing credentials error, got %v", err)
	}
}

func TestClient_AppendEntry(t *testing.T) {
	var gotRow []any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, ":append") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if !strings.Contains(r.URL.Path, "/spreadsheets/sheet-1/values/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("valueInputOption"); got != "USER_ENTERED" {
			t.Errorf("valueInputOption = %q", got)
		}
		var body struct {
			Values [][]any `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(body.Values) == 1 {
			gotRow = body.Values[0]
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"spreadsheetId":"sheet-1","updates":{"updatedRange":"Ledger!A7:F7"}}`))
	})

	ref, err := c.AppendEntry(context.Background(), core.LedgerEntry{
		ItemID:       42,
		Owner:        "u1",
		CategoryID:   3,
		CategoryName: "Venue",
		Amount:       core.Money{Cents: 500000},
		SpentAfter:   core.Money{Cents: 750050},
		RecordedAt:   time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}
	if ref != "Ledger!A7:F7" {
		t.Errorf("ref = %q", ref)
	}
	if len(gotRow) != columnCount {
		t.Fatalf("row = %v", gotRow)
	}
	if gotRow[0] != "2026-05-02" || gotRow[1] != "u1" || gotRow[2] != "Venue" {
		t.Errorf("unexpected row %v", gotRow)
	}
	if gotRow[3] != 5000.0 || gotRow[4] != 7500.5 || gotRow[5] != "42" {
		t.Errorf("unexpected amounts %v", gotRow)
	}
}

func TestClient_AppendEntryRejectsInvalid(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s", r.URL.Path)
	})
	if _, err := c.AppendEntry(context.Background(), core.LedgerEntry{ItemID: 1, Owner: "u1", CategoryID: 1}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestClient_AppendEntryAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	})
	_, err := c.AppendEntry(context.Background(), core.LedgerEntry{ItemID: 1, Owner: "u1", CategoryID: 1, Amount: core.Money{Cents: 1}})
	if err == nil || !strings.Contains(err.Error(), "append to sheet Ledger") {
		t.Fatalf("expected wrapped API error, got %v", err)
	}
}

func TestClient_ExportedItems(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"range":"Ledger!F1:F4","values":[["item"],["7"],[],["9"]]}`))
	})
	got, err := c.ExportedItems(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[7] != "Ledger!A2:F2" || got[9] != "Ledger!A4:F4" {
		t.Fatalf("unexpected items %v", got)
	}
}

func TestNewHTTPClientWithPooling(t *testing.T) {
	c := NewHTTPClientWithPooling()
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if tr.MaxIdleConnsPerHost != 10 || c.Timeout != 60*time.Second {
		t.Fatalf("unexpected pooling settings")
	}
}

func TestNew_RejectsMalformedCredentials(t *testing.T) {
	_, err := New(context.Background(), Options{SpreadsheetID: "x", CredentialsJSON: []byte("not json")})
	if err == nil || !strings.Contains(err.Error(), "credentials") {
		t.Fatalf("expected credentials error, got %v", err)
	}
}
