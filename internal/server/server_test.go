package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"ipmf/internal/config"
	"ipmf/internal/db"
	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	ctx := context.Background()
	for id, role := range map[string]domain.Role{
		"adm": domain.RoleAdmin, "dg1": domain.RoleDG, "cpt": domain.RoleComptable,
		"csh": domain.RoleCaisse, "ag1": domain.RoleAgent,
	} {
		if _, err := e.RegisterActor(ctx, "test", id, role, ""); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testSecret, AllowActorHeader: true, DevLogin: true},
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL + "/v1", Engine: e, client: srv.Client()}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) as(t *testing.T, actor, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return s.do(t, method, path, body, map[string]string{"X-Actor-Id": actor})
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", data, err)
	}
	return env.Error.Code
}

func TestExpenseChainOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.as(t, "ag1", http.MethodPost, "/expenses", map[string]any{
		"motif": "Carburant", "categorie": "mission", "quantite": 2, "prix_unitaire": "7500",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create expense: %d %s", res.StatusCode, data)
	}
	var x ExpenseResponse
	if err := json.Unmarshal(data, &x); err != nil {
		t.Fatalf("unmarshal expense: %v", err)
	}
	if x.Montant != "15000" || x.Statut != "en_attente" {
		t.Fatalf("unexpected expense %+v", x)
	}

	res, data = srv.as(t, "ag1", http.MethodPost, "/expenses/"+x.ID+"/verify", nil)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "self_approval" {
		t.Fatalf("self verify: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "csh", http.MethodPost, "/expenses/"+x.ID+"/verify", nil)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("caisse verify: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "csh", http.MethodPost, "/expenses/"+x.ID+"/pay", nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_state" {
		t.Fatalf("pay pending: %d %s", res.StatusCode, data)
	}
	for _, step := range []struct{ actor, action, want string }{
		{"cpt", "verify", "verifiee"},
		{"adm", "validate", "validee"},
		{"csh", "pay", "payee"},
	} {
		res, data = srv.as(t, step.actor, http.MethodPost, "/expenses/"+x.ID+"/"+step.action, map[string]any{"commentaire": "ok"})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", step.action, res.StatusCode, data)
		}
		if err := json.Unmarshal(data, &x); err != nil || x.Statut != step.want {
			t.Fatalf("%s: statut %s, err %v", step.action, x.Statut, err)
		}
	}

	res, data = srv.as(t, "adm", http.MethodGet, "/events?entity_id="+x.ID+"&limit=2", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].Type != "expense.pay" || page.NextCursor == "" {
		t.Fatalf("unexpected events page %+v", page)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodGet, "/expenses", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "ag1", http.MethodGet, "/expenses/missing", nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing expense: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "ag1", http.MethodPost, "/expenses", map[string]any{
		"motif": "Carburant", "categorie": "mission", "quantite": 0, "prix_unitaire": "100",
	})
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("zero quantity: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "ag1", http.MethodPost, "/expenses", map[string]any{
		"motif": "Carburant", "categorie": "mission", "quantite": 1, "prix_unitaire": "beaucoup",
	})
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "validation_failed" {
		t.Fatalf("bad amount: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "ghost", http.MethodGet, "/tasks", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unregistered actor: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "ag1", http.MethodPost, "/actors", map[string]any{"id": "new", "role": "agent"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("agent registering actor: %d %s", res.StatusCode, data)
	}
}

func TestTaskRoutes(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.as(t, "dg1", http.MethodPost, "/tasks", map[string]any{
		"titre": "Audit terrain", "date_echeance": "2099-12-31", "agents_assignes": []string{"ag1"}, "budget_alloue": "50000",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, data)
	}
	var task TaskResponse
	_ = json.Unmarshal(data, &task)
	if task.BudgetAlloue == nil || *task.BudgetAlloue != "50000" || task.Statut != "creee" {
		t.Fatalf("unexpected task %+v", task)
	}

	res, data = srv.as(t, "ag1", http.MethodPost, "/tasks/"+task.ID+"/start", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "dg1", http.MethodPost, "/tasks/"+task.ID+"/subtasks", map[string]any{"titre": "Collecter les pièces"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add subtask: %d %s", res.StatusCode, data)
	}
	var st SubtaskResponse
	_ = json.Unmarshal(data, &st)
	res, data = srv.as(t, "ag1", http.MethodPost, "/subtasks/"+st.ID+"/toggle", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle: %d %s", res.StatusCode, data)
	}

	res, data = srv.as(t, "ag1", http.MethodPost, "/expenses", map[string]any{
		"motif": "Transport", "categorie": "mission", "quantite": 1, "prix_unitaire": "20000", "tache_id": task.ID,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expense on task: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "cpt", http.MethodGet, "/tasks/"+task.ID+"/budget", nil)
	var budget BudgetResponse
	_ = json.Unmarshal(data, &budget)
	if res.StatusCode != http.StatusOK || budget.Reserved != "20000" || budget.Remaining != "30000" {
		t.Fatalf("budget: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "dg1", http.MethodPut, "/tasks/"+task.ID+"/budget", map[string]any{"budget_alloue": "80000"})
	_ = json.Unmarshal(data, &budget)
	if res.StatusCode != http.StatusOK || budget.Remaining != "60000" {
		t.Fatalf("amend budget: %d %s", res.StatusCode, data)
	}

	res, data = srv.as(t, "ag1", http.MethodPost, "/tasks/"+task.ID+"/complete", map[string]any{"rapport": "Mission réalisée"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "dg1", http.MethodPost, "/tasks/"+task.ID+"/validate", nil)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "self_approval" {
		t.Fatalf("creator validating: %d %s", res.StatusCode, data)
	}
	res, data = srv.as(t, "adm", http.MethodPost, "/tasks/"+task.ID+"/validate", map[string]any{"commentaire": "conforme"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, data)
	}
	_ = json.Unmarshal(data, &task)
	if task.Statut != "validee" || task.Pourcentage != 100 {
		t.Fatalf("unexpected validated task %+v", task)
	}
}

func TestTokenAndAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodPost, "/auth/dev/login", map[string]any{"actor_id": "cpt"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	res, data = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if res.StatusCode != http.StatusOK || who.ActorID != "cpt" || who.Role != "comptable" || who.Source != "jwt" {
		t.Fatalf("me with jwt: %d %s", res.StatusCode, data)
	}
	res, _ = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", res.StatusCode)
	}

	res, data = srv.as(t, "adm", http.MethodPost, "/actors/csh/api-keys", map[string]any{"name": "caisse-poste-1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue key: %d %s", res.StatusCode, data)
	}
	var key APIKeyResponse
	_ = json.Unmarshal(data, &key)
	res, data = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": key.Key})
	_ = json.Unmarshal(data, &who)
	if res.StatusCode != http.StatusOK || who.ActorID != "csh" || who.Source != "api_key" {
		t.Fatalf("me with api key: %d %s", res.StatusCode, data)
	}
}
