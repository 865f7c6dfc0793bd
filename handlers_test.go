package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

type testEnv struct {
	server    *Server
	router    http.Handler
	queuePath string

	mu            sync.Mutex
	challongeReqs []map[string]map[string]string
	telegramMsgs  []string
}

func (e *testEnv) telegramMessages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.telegramMsgs...)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	db, err := initDatabase(t.TempDir())
	assert.NoError(t, err)

	challongeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		env.mu.Lock()
		env.challongeReqs = append(env.challongeReqs, body)
		env.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"participant":{"id":101,"name":"` + body["participant"]["name"] + `"}}`))
	}))
	t.Cleanup(challongeSrv.Close)

	telegramSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		env.mu.Lock()
		env.telegramMsgs = append(env.telegramMsgs, body["text"])
		env.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(telegramSrv.Close)

	challonge := NewChallongeClient("testkey", "mytourney")
	challonge.baseURL = challongeSrv.URL
	telegram := NewTelegramNotifier("bottoken", "-100123")
	telegram.baseURL = telegramSrv.URL

	env.queuePath = filepath.Join(t.TempDir(), "solo_queue.json")
	env.server = &Server{
		db:               db,
		queue:            NewSoloQueue(env.queuePath),
		challonge:        challonge,
		telegram:         telegram,
		captcha:          NewCaptchaVerifier(""),
		cooldowns:        NewCooldownTracker(100),
		loginRateLimiter: limiter.New(memory.NewStore(), limiter.Rate{Period: time.Hour, Limit: 10}),
		devMode:          true,
	}
	env.router = env.server.routes()
	return env
}

func (e *testEnv) postRegister(t *testing.T, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestPOSTRegister_solo(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postRegister(t, map[string]any{
		"join_type":   "solo",
		"player_nick": "Foo",
		"messenger":   "@foo_tg",
		"mmr":         "3000",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, true, resp["queued"])

	records := env.server.queue.List()
	assert.Len(t, records, 1)
	assert.Equal(t, "Foo", records[0].Nick)
	assert.Equal(t, "@foo_tg", records[0].Messenger)
	assert.Equal(t, float64(3000), *records[0].MMR)
	assert.NotEmpty(t, records[0].CreatedAt)

	var entries []RegistrationEntry
	assert.NoError(t, env.server.db.Find(&entries).Error)
	assert.Len(t, entries, 1)
	assert.Equal(t, "solo", entries[0].Kind)
	assert.Equal(t, "Foo", entries[0].Nick)
}

func TestPOSTRegister_soloCooldown(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]any{
		"join_type":   "solo",
		"player_nick": "Foo",
		"messenger":   "@foo_tg",
		"mmr":         "3000",
	}

	rec := env.postRegister(t, payload)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.postRegister(t, payload)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "Please try again a little later.", resp["error"])
}

func TestPOSTRegister_honeypot(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postRegister(t, map[string]any{
		"join_type":   "solo",
		"player_nick": "Foo",
		"messenger":   "@foo_tg",
		"mmr":         "3000",
		"honeypot":    "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "Spam detected", resp["error"])
	assert.Empty(t, env.server.queue.List())
}

func TestPOSTRegister_mmrBounds(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postRegister(t, map[string]any{
		"join_type":   "solo",
		"player_nick": "Foo",
		"messenger":   "@foo_tg",
		"mmr":         float64(15001),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid MMR", decodeResponse(t, rec)["error"])

	// The boundary itself is accepted.
	rec = env.postRegister(t, map[string]any{
		"join_type":   "solo",
		"player_nick": "Bar",
		"messenger":   "@bar_tg",
		"mmr":         float64(15000),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPOSTRegister_team(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postRegister(t, map[string]any{
		"join_type":         "team",
		"team_name":         "Team <Secret>",
		"player_nick":       "Puppey",
		"messenger":         "@puppey",
		"captain_instagram": "puppey_ig",
		"roster_text":       "one,  two, three",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, true, resp["ok"])
	participant := resp["participant"].(map[string]any)["participant"].(map[string]any)
	assert.Equal(t, "Team <Secret>", participant["name"])

	env.mu.Lock()
	assert.Len(t, env.challongeReqs, 1)
	sent := env.challongeReqs[0]["participant"]
	env.mu.Unlock()
	assert.Equal(t, "Team <Secret>", sent["name"])

	var misc map[string]string
	assert.NoError(t, json.Unmarshal([]byte(sent["misc"]), &misc))
	assert.Equal(t, "one, two, three", misc["roster"])
	assert.Equal(t, "@puppey", misc["messenger"])
	assert.Equal(t, "puppey_ig", misc["captain_instagram"])

	// The team notification runs before the response, so it is already
	// recorded, with user input HTML-escaped.
	msgs := env.telegramMessages()
	assert.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Team &lt;Secret&gt;")
	assert.Contains(t, msgs[0], "Puppey")

	var entries []RegistrationEntry
	assert.NoError(t, env.server.db.Find(&entries).Error)
	assert.Len(t, entries, 1)
	assert.Equal(t, "team", entries[0].Kind)
}

func TestPOSTRegister_teamUpstreamError(t *testing.T) {
	env := newTestEnv(t)

	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":["Name has already been taken"]}`))
	}))
	defer failSrv.Close()
	env.server.challonge.baseURL = failSrv.URL

	rec := env.postRegister(t, map[string]any{
		"join_type":   "team",
		"team_name":   "Team Secret",
		"player_nick": "Puppey",
		"messenger":   "@puppey",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeResponse(t, rec)["error"], "422")
	assert.Empty(t, env.telegramMessages())
}

func TestPOSTRegister_rosterBounds(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postRegister(t, map[string]any{
		"join_type":   "team",
		"team_name":   "Team Secret",
		"player_nick": "Puppey",
		"messenger":   "@puppey",
		"roster_text": strings.Repeat("x", 501),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Roster list is too long", decodeResponse(t, rec)["error"])
}

func TestPOSTRegister_rateLimit(t *testing.T) {
	env := newTestEnv(t)

	messengers := []string{"@one_tg", "@two_tg", "@three_tg", "@four_tg"}
	var codes []int
	for _, m := range messengers {
		rec := env.postRegister(t, map[string]any{
			"join_type":   "solo",
			"player_nick": "Foo",
			"messenger":   m,
			"mmr":         "3000",
		})
		codes = append(codes, rec.Code)
	}

	// 3 per minute per IP; the 4th is rejected before the handler runs.
	assert.Equal(t, []int{200, 200, 200, 429}, codes)
	assert.Len(t, env.server.queue.List(), 3)
}

func TestPOSTRegister_captcha(t *testing.T) {
	env := newTestEnv(t)

	captchaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false}`))
	}))
	defer captchaSrv.Close()

	env.server.captcha = NewCaptchaVerifier("s3cret")
	env.server.captcha.baseURL = captchaSrv.URL

	// Missing token fails when a secret is configured.
	rec := env.postRegister(t, map[string]any{
		"join_type":   "solo",
		"player_nick": "Foo",
		"messenger":   "@foo_tg",
		"mmr":         "3000",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Captcha failed", decodeResponse(t, rec)["error"])

	// So does a token the verifier rejects.
	rec = env.postRegister(t, map[string]any{
		"join_type":          "solo",
		"player_nick":        "Foo",
		"messenger":          "@foo_tg",
		"mmr":                "3000",
		"h-captcha-response": "tok123",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Captcha failed", decodeResponse(t, rec)["error"])
}

func TestGETRoot(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "API ok", rec.Body.String())
}

func TestGETTestTelegram(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/test-telegram", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeResponse(t, rec)["ok"])
	assert.Equal(t, []string{"Test from server"}, env.telegramMessages())

	req = httptest.NewRequest(http.MethodGet, "/api/test-telegram?text=hello", nil)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", env.telegramMessages()[1])
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)

	// Unauthenticated requests are rejected.
	req := httptest.NewRequest(http.MethodGet, "/api/solo-queue", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Log in with the seeded default credentials.
	body, _ := json.Marshal(Credentials{Username: "admin", Password: "letmein"})
	req = httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	assert.NotEmpty(t, cookies)

	env.postRegister(t, map[string]any{
		"join_type":   "solo",
		"player_nick": "Foo",
		"messenger":   "@foo_tg",
		"mmr":         "3000",
	})

	req = httptest.NewRequest(http.MethodGet, "/api/solo-queue", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var records []SoloQueueRecord
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 1)
	assert.Equal(t, "Foo", records[0].Nick)

	req = httptest.NewRequest(http.MethodGet, "/api/registrations", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var entries []RegistrationEntry
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
	assert.Equal(t, "solo", entries[0].Kind)
}
