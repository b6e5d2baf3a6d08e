package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"wedplan/internal/core"
	"wedplan/internal/identity"
	"wedplan/internal/ledger"
	"wedplan/internal/middleware/ratelimit"
	"wedplan/internal/storage/memory"
)

// flakyStore fails category inserts and, once broken, pings.
type flakyStore struct {
	*memory.Store
	failInsert bool
	down       bool
}

func (f *flakyStore) InsertCategory(ctx context.Context, c core.Category) (core.Category, error) {
	if f.failInsert {
		return core.Category{}, errors.New("disk full")
	}
	return f.Store.InsertCategory(ctx, c)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.down {
		return errors.New("database is locked")
	}
	return nil
}

func newTestServer(t *testing.T, mutate ...func(*Options)) (*Server, *flakyStore) {
	t.Helper()
	store := &flakyStore{Store: memory.New()}
	sessions, err := identity.NewSessions(identity.SessionConfig{
		Secret: []byte(strings.Repeat("k", 32)),
		TTL:    time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{
		Addr:   ":0",
		Ledger: ledger.New(store, ledger.Options{}),
		Auth:   identity.NewService(identity.DevProvider{}, store, sessions, nil),
		Store:  store,
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv := NewServer(opts)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv, store
}

func do(t *testing.T, srv *Server, method, path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func signIn(t *testing.T, srv *Server, uid string) *http.Cookie {
	t.Helper()
	rr := do(t, srv, http.MethodPost, "/auth/google", url.Values{"credential": {"dev:" + uid}})
	if rr.Code != http.StatusOK {
		t.Fatalf("sign in status=%d body=%s", rr.Code, rr.Body.String())
	}
	for _, c := range rr.Result().Cookies() {
		if c.Name == identity.DefaultCookieName {
			if !c.HttpOnly {
				t.Fatalf("session cookie must be HttpOnly")
			}
			return c
		}
	}
	t.Fatalf("no session cookie set")
	return nil
}

func decodeBoard(t *testing.T, body []byte) boardJSON {
	t.Helper()
	var b boardJSON
	if err := json.Unmarshal(body, &b); err != nil {
		t.Fatalf("decode board: %v: %s", err, body)
	}
	return b
}

func TestHealthReadyMetrics(t *testing.T) {
	srv, store := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := do(t, srv, http.MethodGet, path, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}

	rr := do(t, srv, http.MethodGet, "/metrics", nil)
	for _, want := range []string{"http_requests_total", "ledger_line_items_recorded_total 0", "board_cache_entries 0"} {
		if !strings.Contains(rr.Body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	store.down = true
	rr = do(t, srv, http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with store down status=%d", rr.Code)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := do(t, srv, http.MethodGet, "/healthz", nil)
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("missing nosniff header")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("missing request id")
	}
}

func TestAPIRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/api/me", "/api/budget", "/api/budget/summary"} {
		rr := do(t, srv, http.MethodGet, path, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s without session status=%d", path, rr.Code)
		}
	}
	rr := do(t, srv, http.MethodGet, "/api/budget", nil, &http.Cookie{Name: identity.DefaultCookieName, Value: "forged"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("forged cookie status=%d", rr.Code)
	}
}

func TestSignInRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := do(t, srv, http.MethodPost, "/auth/google", url.Values{"credential": {"not-a-token"}})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), identity.CodeInvalidCredential) {
		t.Fatalf("expected provider code in body: %s", rr.Body.String())
	}
}

func TestSignInStoresProfileAndMe(t *testing.T) {
	srv, store := newTestServer(t)
	cookie := signIn(t, srv, "u1")

	if _, ok, _ := store.GetUser(context.Background(), "u1"); !ok {
		t.Fatalf("user profile not stored")
	}
	rr := do(t, srv, http.MethodGet, "/api/me", nil, cookie)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"uid":"u1"`) {
		t.Fatalf("me status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestBudgetEndToEnd(t *testing.T) {
	srv, store := newTestServer(t)
	cookie := signIn(t, srv, "u1")

	rr := do(t, srv, http.MethodGet, "/api/budget", nil, cookie)
	if rr.Code != http.StatusOK || len(decodeBoard(t, rr.Body.Bytes()).Categories) != 0 {
		t.Fatalf("empty board status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, srv, http.MethodPost, "/api/budget/categories", url.Values{"name": {"  Venue "}}, cookie)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	var created struct {
		Category categoryJSON `json:"category"`
	}
	json.Unmarshal(rr.Body.Bytes(), &created)
	id := created.Category.ID
	if created.Category.Name != "Venue" || created.Category.Allocated.Cents != 0 || created.Category.Spent.Cents != 0 {
		t.Fatalf("unexpected category: %+v", created.Category)
	}
	path := "/api/budget/categories/" + jsonID(id)

	rr = do(t, srv, http.MethodPost, path+"/edit", url.Values{}, cookie)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"state":"editing"`) {
		t.Fatalf("edit status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(t, srv, http.MethodPost, path+"/draft", url.Values{"allocated": {"1000"}}, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("draft status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, srv, http.MethodGet, "/api/budget", nil, cookie)
	row := decodeBoard(t, rr.Body.Bytes()).Categories[0]
	if row.State != "editing" || row.Draft == nil || row.Draft.Allocated.Cents != 100000 || row.Allocated.Cents != 0 {
		t.Fatalf("draft should not be persisted before save: %+v", row)
	}

	rr = do(t, srv, http.MethodPost, path+"/save", url.Values{}, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("save status=%d body=%s", rr.Code, rr.Body.String())
	}
	row = decodeBoard(t, rr.Body.Bytes()).Categories[0]
	if row.State != "viewing" || row.Allocated.Cents != 100000 {
		t.Fatalf("after save: %+v", row)
	}

	rr = do(t, srv, http.MethodPost, "/api/budget/items", url.Values{"category_id": {jsonID(id)}, "amount": {"250"}}, cookie)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add item status=%d body=%s", rr.Code, rr.Body.String())
	}
	var added struct {
		Item  lineItemJSON `json:"item"`
		Board boardJSON    `json:"board"`
	}
	json.Unmarshal(rr.Body.Bytes(), &added)
	if added.Item.Amount.Cents != 25000 {
		t.Fatalf("item amount = %d", added.Item.Amount.Cents)
	}
	row = added.Board.Categories[0]
	if row.Allocated.Cents != 100000 || row.Spent.Cents != 25000 || row.Remaining.Cents != 75000 || row.SpentRatio != 0.25 {
		t.Fatalf("after add: %+v", row)
	}

	rr = do(t, srv, http.MethodGet, path+"/items", nil, cookie)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"cents":25000`) {
		t.Fatalf("items status=%d body=%s", rr.Code, rr.Body.String())
	}
	items, _ := store.ListLineItems(context.Background(), "u1", id)
	if len(items) != 1 || items[0].Owner != "u1" {
		t.Fatalf("stored items: %+v", items)
	}

	rr = do(t, srv, http.MethodGet, "/api/budget/summary", nil, cookie)
	var sum summaryJSON
	json.Unmarshal(rr.Body.Bytes(), &sum)
	if sum.TotalAllocated.Cents != 100000 || sum.TotalSpent.Cents != 25000 || sum.ChartRemaining.Cents != 75000 {
		t.Fatalf("summary: %+v", sum)
	}
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestBudgetValidationStatuses(t *testing.T) {
	srv, store := newTestServer(t)
	cookie := signIn(t, srv, "u1")

	rr := do(t, srv, http.MethodPost, "/api/budget/categories", url.Values{"name": {"   "}}, cookie)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank name status=%d", rr.Code)
	}
	if cats, _ := store.ListCategories(context.Background(), "u1"); len(cats) != 0 {
		t.Fatalf("blank name inserted a row")
	}

	do(t, srv, http.MethodPost, "/api/budget/categories", url.Values{"name": {"Catering"}}, cookie)
	cats, _ := store.ListCategories(context.Background(), "u1")
	id := jsonID(cats[0].ID)

	tests := []struct {
		name string
		path string
		form url.Values
		want int
	}{
		{"missing category", "/api/budget/items", url.Values{"amount": {"10"}}, http.StatusUnprocessableEntity},
		{"zero amount", "/api/budget/items", url.Values{"category_id": {id}, "amount": {"0"}}, http.StatusUnprocessableEntity},
		{"garbage amount", "/api/budget/items", url.Values{"category_id": {id}, "amount": {"abc"}}, http.StatusUnprocessableEntity},
		{"category not on board", "/api/budget/items", url.Values{"category_id": {"999"}, "amount": {"10"}}, http.StatusNotFound},
		{"edit unknown row", "/api/budget/categories/999/edit", url.Values{}, http.StatusNotFound},
		{"draft without edit", "/api/budget/categories/" + id + "/draft", url.Values{"allocated": {"5"}}, http.StatusConflict},
		{"save without edit", "/api/budget/categories/" + id + "/save", url.Values{}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, http.MethodPost, tt.path, tt.form, cookie)
			if rr.Code != tt.want {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}

	items, _ := store.ListLineItems(context.Background(), "u1", cats[0].ID)
	if len(items) != 0 {
		t.Fatalf("rejected input reached the store: %+v", items)
	}

	do(t, srv, http.MethodPost, "/api/budget/categories/"+id+"/edit", url.Values{}, cookie)
	rr = do(t, srv, http.MethodPost, "/api/budget/categories/"+id+"/draft", url.Values{"allocated": {"lots"}}, cookie)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad draft allocation status=%d", rr.Code)
	}
	rr = do(t, srv, http.MethodPost, "/api/budget/categories/"+id+"/draft", url.Values{"allocated": {"-50"}}, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("negative allocation should be accepted, status=%d", rr.Code)
	}
	rr = do(t, srv, http.MethodPost, "/api/budget/categories/"+id+"/cancel", url.Values{}, cookie)
	if row := decodeBoard(t, rr.Body.Bytes()).Categories[0]; row.State != "viewing" || row.Allocated.Cents != 0 {
		t.Fatalf("cancel should discard the draft: %+v", row)
	}
}

func TestStoreFailureIs500AfterRefresh(t *testing.T) {
	srv, store := newTestServer(t)
	cookie := signIn(t, srv, "u1")

	store.failInsert = true
	rr := do(t, srv, http.MethodPost, "/api/budget/categories", url.Values{"name": {"Venue"}}, cookie)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "disk full") {
		t.Fatalf("store error leaked to client: %s", rr.Body.String())
	}
	if !srv.board(mustSession(t, srv, cookie)).Loaded() {
		t.Fatalf("board should have been refreshed after the failed insert")
	}
}

func mustSession(t *testing.T, srv *Server, c *http.Cookie) identity.Session {
	t.Helper()
	sess, err := srv.auth.Sessions().Parse(c.Value)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestSessionsKeepSeparateBoards(t *testing.T) {
	srv, _ := newTestServer(t)
	tabA := signIn(t, srv, "u1")
	tabB := signIn(t, srv, "u1")

	do(t, srv, http.MethodGet, "/api/budget", nil, tabB)
	do(t, srv, http.MethodPost, "/api/budget/categories", url.Values{"name": {"Venue"}}, tabA)

	rr := do(t, srv, http.MethodGet, "/api/budget", nil, tabB)
	if n := len(decodeBoard(t, rr.Body.Bytes()).Categories); n != 0 {
		t.Fatalf("tab B should still show its stale list, got %d rows", n)
	}
	rr = do(t, srv, http.MethodGet, "/api/budget?refresh=1", nil, tabB)
	if n := len(decodeBoard(t, rr.Body.Bytes()).Categories); n != 1 {
		t.Fatalf("tab B after refresh: %d rows", n)
	}

	other := signIn(t, srv, "u2")
	rr = do(t, srv, http.MethodGet, "/api/budget", nil, other)
	if n := len(decodeBoard(t, rr.Body.Bytes()).Categories); n != 0 {
		t.Fatalf("u2 sees %d of u1's categories", n)
	}
}

func TestSignOutDropsBoard(t *testing.T) {
	srv, _ := newTestServer(t)
	cookie := signIn(t, srv, "u1")
	do(t, srv, http.MethodGet, "/api/budget", nil, cookie)
	if srv.boards.Size() != 1 {
		t.Fatalf("boards=%d", srv.boards.Size())
	}

	rr := do(t, srv, http.MethodPost, "/auth/logout", url.Values{}, cookie)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout status=%d", rr.Code)
	}
	if srv.boards.Size() != 0 {
		t.Fatalf("board not dropped on sign-out")
	}
	cleared := false
	for _, c := range rr.Result().Cookies() {
		if c.Name == identity.DefaultCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("session cookie not cleared")
	}

	// A copy of the old cookie no longer opens a session.
	if rr := do(t, srv, http.MethodGet, "/api/budget", nil, cookie); rr.Code != http.StatusUnauthorized {
		t.Fatalf("signed-out token status=%d", rr.Code)
	}
	if srv.boards.Size() != 0 {
		t.Fatalf("signed-out token recreated a board")
	}
}

func TestRateLimitAppliesToPOSTOnly(t *testing.T) {
	srv, _ := newTestServer(t, func(o *Options) {
		o.RateLimit = ratelimit.Config{RequestsPerWindow: 2, Window: time.Minute}
	})

	for i := 0; i < 2; i++ {
		do(t, srv, http.MethodPost, "/auth/google", url.Values{"credential": {"dev:u1"}})
	}
	rr := do(t, srv, http.MethodPost, "/auth/google", url.Values{"credential": {"dev:u1"}})
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("third POST status=%d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("GET should not be limited, status=%d", rr.Code)
	}
}

func TestSuspiciousRequestBlocked(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := do(t, srv, http.MethodGet, "/.env", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
}
