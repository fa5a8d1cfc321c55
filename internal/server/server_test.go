package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"homefront/internal/config"
	"homefront/internal/db"
	"homefront/internal/engine"
	"homefront/internal/migrate"
)

type testServer struct {
	URL         string
	CommanderID string
	KidID       string
	client      *http.Client
	close       func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("")
	e := engine.New(conn, cfg)
	family, commander, err := e.InitFamily(context.Background(), "The Testers", "Dana")
	if err != nil {
		t.Fatalf("init family: %v", err)
	}
	cfg.Family.ID = family.ID
	kid, err := e.EnlistAgent(context.Background(), family.ID, "Sam", "agent", commander.ID)
	if err != nil {
		t.Fatalf("enlist agent: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyAgentHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:         "http://" + ln.Addr().String(),
		CommanderID: commander.ID,
		KidID:       kid.ID,
		client:      &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
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

func asAgent(id string) map[string]string {
	return map[string]string{"X-Agent-Id": id}
}

func TestMissionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title":      "Walk the dog",
		"category":   "pets",
		"difficulty": "medium",
	}, asAgent(srv.CommanderID))
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create mission status %d: %s", createRes.StatusCode, string(data))
	}
	var created MissionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}
	if created.Status != "pending" {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	for _, step := range []struct {
		suffix string
		agent  string
		want   string
	}{
		{"accept", srv.KidID, "in_progress"},
		{"submit", srv.KidID, "awaiting_verification"},
	} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+created.ID+"/"+step.suffix, nil, asAgent(step.agent))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", step.suffix, res.StatusCode, string(body))
		}
		var m MissionResponse
		_ = json.Unmarshal(body, &m)
		if m.Status != step.want {
			t.Fatalf("%s: expected %s, got %s", step.suffix, step.want, m.Status)
		}
	}

	verifyRes, verifyBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+created.ID+"/verify", nil, asAgent(srv.CommanderID))
	if verifyRes.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", verifyRes.StatusCode, string(verifyBody))
	}
	var verified VerifyMissionResponse
	if err := json.Unmarshal(verifyBody, &verified); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if verified.Mission.Status != "verified" {
		t.Fatalf("expected verified, got %s", verified.Mission.Status)
	}

	rankRes, rankBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/agents/"+srv.KidID+"/rank", nil, asAgent(srv.KidID))
	if rankRes.StatusCode != http.StatusOK {
		t.Fatalf("rank status %d: %s", rankRes.StatusCode, string(rankBody))
	}
	var rank RankResponse
	_ = json.Unmarshal(rankBody, &rank)
	if rank.Points != 25 {
		t.Fatalf("expected 25 points, got %d", rank.Points)
	}
}

func TestVerifyByPlainAgentForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title":      "Fold laundry",
		"category":   "laundry",
		"difficulty": "easy",
	}, asAgent(srv.CommanderID))
	var created MissionResponse
	_ = json.Unmarshal(data, &created)

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+created.ID+"/accept", nil, asAgent(srv.KidID))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+created.ID+"/submit", nil, asAgent(srv.KidID))

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+created.ID+"/verify", nil, asAgent(srv.KidID))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %s", envelope.Error.Code)
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title":      "Clean room",
		"category":   "room",
		"difficulty": "easy",
	}, asAgent(srv.CommanderID))
	var created MissionResponse
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+created.ID+"/verify", nil, asAgent(srv.CommanderID))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", envelope.Error.Code)
	}
}

func TestVaultRedeemDisclosesCodeOnce(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	stockRes, stockBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/vault", map[string]any{
		"brand_name":   "Arcade",
		"denomination": 10,
		"gift_code":    "XYZZY-1",
		"points_cost":  20,
	}, asAgent(srv.CommanderID))
	if stockRes.StatusCode != http.StatusCreated {
		t.Fatalf("stock status %d: %s", stockRes.StatusCode, string(stockBody))
	}
	var card VaultCardResponse
	_ = json.Unmarshal(stockBody, &card)
	if card.GiftCode != "" {
		t.Fatalf("gift code must stay hidden on stock, got %q", card.GiftCode)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/vault", nil, asAgent(srv.KidID))
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", listRes.StatusCode, string(listBody))
	}
	var cards []VaultCardResponse
	_ = json.Unmarshal(listBody, &cards)
	for _, c := range cards {
		if c.GiftCode != "" {
			t.Fatalf("gift code leaked in listing")
		}
	}

	// Not enough points yet.
	poorRes, poorBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/vault/"+card.ID+"/redeem", nil, asAgent(srv.KidID))
	if poorRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", poorRes.StatusCode, string(poorBody))
	}

	// Earn 25 points via a verified mission, then redeem.
	_, missionBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title":      "Do the dishes",
		"category":   "dishes",
		"difficulty": "medium",
	}, asAgent(srv.CommanderID))
	var m MissionResponse
	_ = json.Unmarshal(missionBody, &m)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/accept", nil, asAgent(srv.KidID))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/submit", nil, asAgent(srv.KidID))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/verify", nil, asAgent(srv.CommanderID))

	redeemRes, redeemBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/vault/"+card.ID+"/redeem", nil, asAgent(srv.KidID))
	if redeemRes.StatusCode != http.StatusOK {
		t.Fatalf("redeem status %d: %s", redeemRes.StatusCode, string(redeemBody))
	}
	var redeemed VaultCardResponse
	_ = json.Unmarshal(redeemBody, &redeemed)
	if redeemed.GiftCode != "XYZZY-1" {
		t.Fatalf("expected disclosed code, got %q", redeemed.GiftCode)
	}

	againRes, againBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/vault/"+card.ID+"/redeem", nil, asAgent(srv.KidID))
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double redeem, got %d %s", againRes.StatusCode, string(againBody))
	}
}

func TestRequestsRequireAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}

	healthRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", healthRes.StatusCode)
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"agent_id": srv.KidID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", meRes.StatusCode, string(meBody))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(meBody, &me)
	if me.AgentID != srv.KidID {
		t.Fatalf("expected %s, got %s", srv.KidID, me.AgentID)
	}
	if me.Source != "jwt" {
		t.Fatalf("expected jwt source, got %s", me.Source)
	}
}

func TestRewardTwoPhaseOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rewards", map[string]any{
		"title":       "Movie night",
		"points_cost": 25,
	}, asAgent(srv.CommanderID))
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create reward status %d: %s", createRes.StatusCode, string(createBody))
	}
	var reward RewardResponse
	_ = json.Unmarshal(createBody, &reward)

	// Requesting never checks the balance.
	reqRes, reqBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rewards/"+reward.ID+"/requests", nil, asAgent(srv.KidID))
	if reqRes.StatusCode != http.StatusCreated {
		t.Fatalf("request status %d: %s", reqRes.StatusCode, string(reqBody))
	}
	var request RequestResponse
	_ = json.Unmarshal(reqBody, &request)
	if request.State != "pending" {
		t.Fatalf("expected pending, got %s", request.State)
	}

	// Approval fails while the agent cannot afford it, and the request
	// stays pending.
	approveRes, approveBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+request.ID+"/approve", nil, asAgent(srv.CommanderID))
	if approveRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", approveRes.StatusCode, string(approveBody))
	}
	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests?state=pending", nil, asAgent(srv.CommanderID))
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list requests status %d: %s", listRes.StatusCode, string(listBody))
	}
	var pending []RequestResponse
	_ = json.Unmarshal(listBody, &pending)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending request, got %d", len(pending))
	}

	denyRes, denyBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+request.ID+"/deny", nil, asAgent(srv.CommanderID))
	if denyRes.StatusCode != http.StatusOK {
		t.Fatalf("deny status %d: %s", denyRes.StatusCode, string(denyBody))
	}
	var denied RequestResponse
	_ = json.Unmarshal(denyBody, &denied)
	if denied.State != "denied" {
		t.Fatalf("expected denied, got %s", denied.State)
	}
}
