package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/portfolio-chat/internal/chat"
	"github.com/suPer8Hu/portfolio-chat/internal/config"
	"github.com/suPer8Hu/portfolio-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/portfolio-chat/internal/identity"
	"github.com/suPer8Hu/portfolio-chat/internal/models"
	"github.com/suPer8Hu/portfolio-chat/internal/session"
	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
	"gorm.io/gorm"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testAPI struct {
	r     *gin.Engine
	h     *handlers.Handler
	prov  *identity.Provider
	owner identity.Identity
	// ownerToken is signed after the owner was seeded
	ownerToken string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(append([]any{&models.User{}}, chat.Models()...)...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	mr := miniredis.RunT(t)
	rt := redisstore.New(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = rt.Close() })

	ctx := context.Background()
	prov := identity.NewProvider(db, rt, "secret", time.Hour)
	owner, err := prov.SeedPrimary(ctx, "owner@example.com", "Owner", "pw")
	if err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	_, tok, err := prov.SignIn(ctx, "owner@example.com", "pw")
	if err != nil {
		t.Fatalf("sign in owner: %v", err)
	}

	cfg := config.Config{
		TypingDebounce: time.Second,
		TypingTTL:      5 * time.Second,
		ConnHeartbeat:  30 * time.Second,
		PresenceTZ:     "UTC",
		CORSOrigins:    []string{"https://site.example"},
	}
	svc := chat.NewService(chat.NewRepo(db), rt, prov)
	h := handlers.NewHandler(cfg, prov, svc, rt, owner)
	return &testAPI{r: NewRouter(h), h: h, prov: prov, owner: owner, ownerToken: tok}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode envelope %q: %v", method, path, w.Body.String(), err)
	}
	return w, env
}

type authResp struct {
	Identity struct {
		ID string `json:"uid"`
	} `json:"identity"`
	Token string `json:"token"`
}

func (a *testAPI) signUp(t *testing.T, email, name string) authResp {
	t.Helper()
	w, env := a.do(t, http.MethodPost, "/auth/signup", "", gin.H{
		"email": email, "password": "pw", "name": name,
		"userType": "recruiter", "company": "Acme",
	})
	if w.Code != http.StatusOK || env.Code != 0 {
		t.Fatalf("sign up %s: status=%d env=%+v", email, w.Code, env)
	}
	var out authResp
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode sign up: %v", err)
	}
	return out
}

func TestRouter_Basics(t *testing.T) {
	a := newTestAPI(t)

	w, env := a.do(t, http.MethodGet, "/ping", "", nil)
	if w.Code != http.StatusOK || env.Code != 0 {
		t.Fatalf("ping: status=%d env=%+v", w.Code, env)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}

	if w, env := a.do(t, http.MethodGet, "/nope", "", nil); w.Code != http.StatusNotFound || env.Code != 40400 {
		t.Fatalf("no route: status=%d env=%+v", w.Code, env)
	}
	if w, env := a.do(t, http.MethodDelete, "/ping", "", nil); w.Code != http.StatusMethodNotAllowed || env.Code != 40500 {
		t.Fatalf("no method: status=%d env=%+v", w.Code, env)
	}
	if w, env := a.do(t, http.MethodGet, "/me", "", nil); w.Code != http.StatusUnauthorized || env.Code != 40101 {
		t.Fatalf("missing token: status=%d env=%+v", w.Code, env)
	}
	if w, env := a.do(t, http.MethodGet, "/me", "garbage", nil); w.Code != http.StatusUnauthorized || env.Code != 40102 {
		t.Fatalf("bad token: status=%d env=%+v", w.Code, env)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/conversations", nil)
	req.Header.Set("Origin", "https://site.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://site.example" {
		t.Fatalf("expected allowed origin, got %q (status %d)", got, w.Code)
	}
}

func TestRouter_AccountLifecycle(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.com", "Ana")

	w, env := a.do(t, http.MethodGet, "/me", ana.Token, nil)
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), `"userType":"recruiter"`) {
		t.Fatalf("me: status=%d data=%s", w.Code, env.Data)
	}

	if w, env := a.do(t, http.MethodPost, "/auth/signup", "", gin.H{
		"email": "ANA@example.com", "password": "pw", "name": "Other",
	}); w.Code != http.StatusConflict || env.Code != 10012 {
		t.Fatalf("duplicate email: status=%d env=%+v", w.Code, env)
	}
	if w, env := a.do(t, http.MethodPost, "/auth/signin", "", gin.H{
		"email": "ana@example.com", "password": "wrong",
	}); w.Code != http.StatusUnauthorized || env.Message != "Invalid email or password." {
		t.Fatalf("bad password: status=%d env=%+v", w.Code, env)
	}
	if w, env := a.do(t, http.MethodPut, "/me/profile", ana.Token, gin.H{
		"name": "Ana", "userType": "client", "project": "Site",
	}); w.Code != http.StatusConflict || env.Code != 10014 {
		t.Fatalf("second profile completion: status=%d env=%+v", w.Code, env)
	}

	if w, _ := a.do(t, http.MethodGet, "/users/"+a.owner.ID, ana.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("public profile: status=%d", w.Code)
	}
	if w, env := a.do(t, http.MethodGet, "/users/missing", ana.Token, nil); w.Code != http.StatusNotFound || env.Code != 40401 {
		t.Fatalf("unknown user: status=%d env=%+v", w.Code, env)
	}

	if w, _ := a.do(t, http.MethodPost, "/auth/signout", ana.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("sign out: status=%d", w.Code)
	}
	if w, env := a.do(t, http.MethodGet, "/me", ana.Token, nil); w.Code != http.StatusUnauthorized || env.Code != 40102 {
		t.Fatalf("revoked token: status=%d env=%+v", w.Code, env)
	}
}

func TestRouter_ProfileCompletion(t *testing.T) {
	a := newTestAPI(t)
	w, env := a.do(t, http.MethodPost, "/auth/signup", "", gin.H{
		"email": "bo@example.com", "password": "pw", "name": "Bo",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("sign up: status=%d env=%+v", w.Code, env)
	}
	var bo authResp
	_ = json.Unmarshal(env.Data, &bo)

	if w, env := a.do(t, http.MethodPut, "/me/profile", bo.Token, gin.H{
		"name": "Bo", "userType": "admin",
	}); w.Code != http.StatusBadRequest || env.Code != 10013 {
		t.Fatalf("self-assigned admin: status=%d env=%+v", w.Code, env)
	}
	w, env = a.do(t, http.MethodPut, "/me/profile", bo.Token, gin.H{
		"name": "Bo B.", "userType": "client", "project": "Portfolio",
	})
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), `"project":"Portfolio"`) {
		t.Fatalf("complete profile: status=%d data=%s", w.Code, env.Data)
	}
}

func TestRouter_Conversation(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.com", "Ana")
	toOwner := "/conversations/" + a.owner.ID + "/messages"

	if w, env := a.do(t, http.MethodGet, "/conversations/"+a.owner.ID, ana.Token, nil); w.Code != http.StatusNotFound || env.Code != 40402 {
		t.Fatalf("document before first message: status=%d env=%+v", w.Code, env)
	}

	w, env := a.do(t, http.MethodPost, toOwner, ana.Token, gin.H{"text": "  "})
	if w.Code != http.StatusBadRequest || env.Code != 10021 || !strings.Contains(string(env.Data), `"draft":"  "`) {
		t.Fatalf("empty send: status=%d env=%+v data=%s", w.Code, env, env.Data)
	}
	if w, env := a.do(t, http.MethodPost, "/conversations/"+ana.Identity.ID+"/messages", ana.Token, gin.H{"text": "hi"}); w.Code != http.StatusBadRequest || env.Code != 10022 {
		t.Fatalf("self send: status=%d env=%+v", w.Code, env)
	}
	if w, _ := a.do(t, http.MethodPost, toOwner, ana.Token, gin.H{"text": "Olá"}); w.Code != http.StatusOK {
		t.Fatalf("send: status=%d", w.Code)
	}

	var list struct {
		Items []chat.Item `json:"items"`
	}
	_, env = a.do(t, http.MethodGet, "/conversations", a.ownerToken, nil)
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode registry: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Unread != 1 || list.Items[0].LastMessage == nil || list.Items[0].LastMessage.Text != "Olá" {
		t.Fatalf("unexpected owner registry %+v", list.Items)
	}

	var snap chat.Snapshot
	_, env = a.do(t, http.MethodGet, "/conversations/"+ana.Identity.ID+"/messages", a.ownerToken, nil)
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Messages) != 1 || !snap.Messages[0].IsRead || snap.Peer.ID != ana.Identity.ID {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	_, env = a.do(t, http.MethodGet, "/conversations", a.ownerToken, nil)
	_ = json.Unmarshal(env.Data, &list)
	if len(list.Items) != 1 || list.Items[0].Unread != 0 {
		t.Fatalf("expected unread cleared, got %+v", list.Items)
	}

	var doc chat.Document
	_, env = a.do(t, http.MethodGet, "/conversations/"+ana.Identity.ID, a.ownerToken, nil)
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.UnreadCount[a.owner.ID] != 0 || doc.LastMessage == nil || doc.ParticipantProfiles[ana.Identity.ID].DisplayName != "Ana" {
		t.Fatalf("unexpected document %+v", doc)
	}

	w, env = a.do(t, http.MethodPost, "/conversations/"+ana.Identity.ID+"/read", a.ownerToken, nil)
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), `"changed":0`) {
		t.Fatalf("idempotent read: status=%d data=%s", w.Code, env.Data)
	}

	w, env = a.do(t, http.MethodGet, "/presence/"+ana.Identity.ID, a.ownerToken, nil)
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), `"label":"offline"`) {
		t.Fatalf("presence: status=%d data=%s", w.Code, env.Data)
	}
}

func TestRouter_LiveSession(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.com", "Ana")

	srv := httptest.NewServer(a.r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got resp=%v err=%v", resp, err)
	}

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token="+ana.Token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	type frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	next := func(want string) frame {
		for {
			var f frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				t.Fatalf("read waiting for %s: %v", want, err)
			}
			if f.Type == want {
				return f
			}
		}
	}

	th := next(session.EvThread)
	var snap chat.Snapshot
	if err := json.Unmarshal(th.Data, &snap); err != nil || snap.Peer.ID != a.owner.ID {
		t.Fatalf("expected thread with owner, got %s err=%v", th.Data, err)
	}

	if err := wsjson.Write(ctx, conn, session.Command{Type: session.CmdSend, Text: "Olá"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		f := next(session.EvThread)
		if err := json.Unmarshal(f.Data, &snap); err != nil {
			t.Fatalf("decode thread: %v", err)
		}
		if len(snap.Messages) == 1 && snap.Messages[0].Text == "Olá" {
			break
		}
	}

	if err := wsjson.Write(ctx, conn, session.Command{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	next(session.EvError)

	if err := wsjson.Write(ctx, conn, session.Command{Type: session.CmdSignOut}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		var f frame
		err := wsjson.Read(ctx, conn, &f)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			t.Fatalf("expected normal closure after sign out, got %v", err)
		}
		break
	}
}

type fakeOAuth struct {
	profiles map[string]identity.OAuthProfile
}

func (f fakeOAuth) AuthCodeURL(state string) string {
	return "https://accounts.example/consent?state=" + state
}

func (f fakeOAuth) Exchange(_ context.Context, code string) (identity.OAuthProfile, error) {
	p, ok := f.profiles[code]
	if !ok {
		return identity.OAuthProfile{}, identity.ErrOAuthRejected
	}
	return p, nil
}

func TestRouter_GoogleSignIn(t *testing.T) {
	a := newTestAPI(t)

	if w, env := a.do(t, http.MethodGet, "/auth/oauth/google/start", "", nil); w.Code != http.StatusNotFound || env.Code != 40403 {
		t.Fatalf("disabled start: status=%d env=%+v", w.Code, env)
	}

	a.h.OAuth = fakeOAuth{profiles: map[string]identity.OAuthProfile{
		"code-ana":   {Email: "ana@gmail.com", Name: "Ana", EmailVerified: true},
		"code-unver": {Email: "eve@gmail.com", Name: "Eve"},
	}}
	start := func() string {
		t.Helper()
		w, env := a.do(t, http.MethodGet, "/auth/oauth/google/start", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("start: status=%d env=%+v", w.Code, env)
		}
		var out struct {
			URL   string `json:"url"`
			State string `json:"state"`
		}
		if err := json.Unmarshal(env.Data, &out); err != nil {
			t.Fatalf("decode start: %v", err)
		}
		if out.State == "" || !strings.HasSuffix(out.URL, "state="+out.State) {
			t.Fatalf("unexpected start response %+v", out)
		}
		return out.State
	}

	if w, env := a.do(t, http.MethodPost, "/auth/oauth/google/callback", "", gin.H{"code": "code-ana", "state": "forged"}); w.Code != http.StatusBadRequest || env.Code != 10016 {
		t.Fatalf("unknown state: status=%d env=%+v", w.Code, env)
	}

	state := start()
	w, env := a.do(t, http.MethodPost, "/auth/oauth/google/callback", "", gin.H{"code": "code-ana", "state": state})
	if w.Code != http.StatusOK {
		t.Fatalf("callback: status=%d env=%+v", w.Code, env)
	}
	var out struct {
		authResp
		ProfileComplete bool `json:"profileComplete"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode callback: %v", err)
	}
	if out.Token == "" || out.Identity.ID == "" || out.ProfileComplete {
		t.Fatalf("expected a fresh role-less account, got %+v", out)
	}
	if w, _ := a.do(t, http.MethodGet, "/me", out.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("me with oauth token: status=%d", w.Code)
	}

	// states are single use
	if w, env := a.do(t, http.MethodPost, "/auth/oauth/google/callback", "", gin.H{"code": "code-ana", "state": state}); w.Code != http.StatusBadRequest || env.Code != 10016 {
		t.Fatalf("replayed state: status=%d env=%+v", w.Code, env)
	}

	if w, env := a.do(t, http.MethodPost, "/auth/oauth/google/callback", "", gin.H{"code": "code-unver", "state": start()}); w.Code != http.StatusUnauthorized || env.Code != 10015 {
		t.Fatalf("unverified e-mail: status=%d env=%+v", w.Code, env)
	}
	if w, env := a.do(t, http.MethodPost, "/auth/oauth/google/callback", "", gin.H{"code": "bogus", "state": start()}); w.Code != http.StatusUnauthorized || env.Code != 10015 {
		t.Fatalf("rejected code: status=%d env=%+v", w.Code, env)
	}
}
