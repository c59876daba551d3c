package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"policychat/internal/auth"
	"policychat/internal/chat"
	"policychat/internal/config"
	"policychat/internal/llm"
	"policychat/internal/service/account"
	"policychat/internal/service/history"
	"policychat/internal/service/profile"
	"policychat/internal/storage"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	router, db, mock := newTestServer(t)
	defer db.Close()

	email := fmt.Sprintf("tester_%d@example.com", time.Now().UnixNano())
	password := "pass123"

	// Register a user.
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID string `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	if regBody.ID == "" {
		t.Fatalf("expected user id in register response")
	}

	// Duplicate registration conflicts.
	dupResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, dupResp, http.StatusConflict)

	// Login to fetch auth token.
	authHeader := login(t, router, email, password)

	// Create and list profiles.
	profResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%s/profiles", regBody.ID),
		map[string]any{"name": "기본", "region": "Seoul", "age": 34},
		authHeader)
	assertStatus(t, profResp, http.StatusCreated)
	var profBody struct {
		ID     int64 `json:"id"`
		Active bool  `json:"active"`
	}
	decodeJSON(t, profResp.Body.Bytes(), &profBody)
	if profBody.ID == 0 || !profBody.Active {
		t.Fatalf("expected active first profile, got %+v", profBody)
	}

	listResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%s/profiles", regBody.ID), nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Profiles []struct {
			ID int64 `json:"id"`
		} `json:"profiles"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(listBody.Profiles))
	}

	// Stream a chat exchange.
	mock.chunks = []string{"서울", " 지역", " 지원금은..."}
	message := "지원금 알려줘"
	chatResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/stream",
		map[string]any{"conversation_id": 0, "message": message}, authHeader)
	assertStatus(t, chatResp, http.StatusOK)
	events := parseSSE(t, chatResp.Body.String())
	if len(events) != 5 {
		t.Fatalf("expected ack + 3 stream + done, got %d: %#v", len(events), events)
	}
	if events[0].Name != "ack" {
		t.Fatalf("expected first event ack, got %s", events[0].Name)
	}
	var full strings.Builder
	for _, evt := range events[1:4] {
		if evt.Name != "stream" {
			t.Fatalf("expected stream event, got %s", evt.Name)
		}
		var chunk struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(evt.Data), &chunk)
		full.WriteString(chunk.Content)
	}
	if full.String() != "서울 지역 지원금은..." {
		t.Fatalf("stream chunks do not concatenate: %q", full.String())
	}
	if events[4].Name != "done" {
		t.Fatalf("expected done event, got %s", events[4].Name)
	}
	var donePayload struct {
		ConversationID int64 `json:"conversation_id"`
		Turn           struct {
			UserContent      string `json:"user_content"`
			AssistantContent string `json:"assistant_content"`
		} `json:"turn"`
	}
	decodeJSON(t, []byte(events[4].Data), &donePayload)
	if donePayload.ConversationID == 0 {
		t.Fatalf("done payload missing conversation id")
	}
	if donePayload.Turn.UserContent != message || donePayload.Turn.AssistantContent != "서울 지역 지원금은..." {
		t.Fatalf("done payload turn mismatch: %+v", donePayload.Turn)
	}

	// The turn is readable through the history routes.
	convResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%s/conversations", regBody.ID), nil, authHeader)
	assertStatus(t, convResp, http.StatusOK)
	var convBody struct {
		Conversations []struct {
			ID int64 `json:"id"`
		} `json:"conversations"`
	}
	decodeJSON(t, convResp.Body.Bytes(), &convBody)
	if len(convBody.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convBody.Conversations))
	}

	turnsResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%s/conversations/%d/turns", regBody.ID, donePayload.ConversationID),
		nil, authHeader)
	assertStatus(t, turnsResp, http.StatusOK)
	var turnsBody struct {
		Turns []struct {
			TurnIndex        int    `json:"turn_index"`
			AssistantContent string `json:"assistant_content"`
		} `json:"turns"`
	}
	decodeJSON(t, turnsResp.Body.Bytes(), &turnsBody)
	if len(turnsBody.Turns) != 1 || turnsBody.Turns[0].AssistantContent != "서울 지역 지원금은..." {
		t.Fatalf("unexpected persisted turns: %+v", turnsBody.Turns)
	}

	// Delete the conversation.
	delConvResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/users/%s/conversations/%d", regBody.ID, donePayload.ConversationID),
		nil, authHeader)
	assertStatus(t, delConvResp, http.StatusNoContent)

	// Logout revokes the credential.
	logoutResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%s/logout", regBody.ID), nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)

	afterLogout := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%s/profiles", regBody.ID), nil, authHeader)
	assertStatus(t, afterLogout, http.StatusUnauthorized)
}

func TestStreamChatRequiresAuth(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat/stream",
		map[string]any{"conversation_id": 0, "message": "hello"}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestStreamChatRevokedCredential(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()
	userID, authHeader := registerAndLogin(t, router)

	logoutResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%s/logout", userID), nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat/stream",
		map[string]any{"conversation_id": 0, "message": "hello"}, authHeader)
	assertStatus(t, resp, http.StatusUnauthorized)
	if strings.Contains(resp.Body.String(), "event:") {
		t.Fatalf("expected plain JSON error, got SSE: %s", resp.Body.String())
	}
}

func TestStreamChatCookieOnlyRequiresCSRF(t *testing.T) {
	router, db, mock := newTestServer(t)
	defer db.Close()
	_, authHeader := registerAndLogin(t, router)
	token := strings.TrimPrefix(authHeader["Authorization"], "Bearer ")
	mock.chunks = []string{"위조된 응답"}

	// A cross-site POST carries the session cookie but cannot set the
	// CSRF header. Nothing may stream or be persisted.
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat/stream",
		map[string]any{"conversation_id": 0, "message": "attacker message"},
		map[string]string{"Cookie": "auth_token=" + token})
	assertStatus(t, resp, http.StatusForbidden)
	if strings.Contains(resp.Body.String(), "event:") {
		t.Fatalf("expected plain JSON error, got SSE: %s", resp.Body.String())
	}

	var conversations int
	if err := db.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&conversations); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if conversations != 0 {
		t.Fatalf("conversation persisted without a csrf header")
	}

	// The double-submit pair makes the same cookie credential acceptable.
	csrf := "11f1e2d3c4b5a69788796a5b4c3d2e1f"
	okResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/stream",
		map[string]any{"conversation_id": 0, "message": "지원금 알려줘"},
		map[string]string{
			"Cookie":       fmt.Sprintf("auth_token=%s; csrf_token=%s", token, csrf),
			"X-CSRF-Token": csrf,
		})
	assertStatus(t, okResp, http.StatusOK)
	events := parseSSE(t, okResp.Body.String())
	if len(events) == 0 || events[0].Name != "ack" || events[len(events)-1].Name != "done" {
		t.Fatalf("unexpected SSE sequence: %#v", events)
	}
}

func TestStreamChatUpstreamUnavailableBeforeChunk(t *testing.T) {
	router, db, mock := newTestServer(t)
	defer db.Close()
	_, authHeader := registerAndLogin(t, router)

	mock.runErr = llm.ErrUpstreamUnavailable
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat/stream",
		map[string]any{"conversation_id": 0, "message": "hello"}, authHeader)
	assertStatus(t, resp, http.StatusServiceUnavailable)
}

func TestStreamChatErrorAfterChunks(t *testing.T) {
	router, db, mock := newTestServer(t)
	defer db.Close()
	_, authHeader := registerAndLogin(t, router)

	mock.chunks = []string{"부분"}
	mock.errAfterChunks = llm.ErrStreamTimeout
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat/stream",
		map[string]any{"conversation_id": 0, "message": "hello"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 3 || events[0].Name != "ack" || events[1].Name != "stream" || events[2].Name != "error" {
		t.Fatalf("unexpected SSE sequence: %#v", events)
	}
}

func TestPasswordChangeRevokesCredentials(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	email := fmt.Sprintf("tester_%d@example.com", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID string `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	authHeader := login(t, router, email, password)

	changeResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%s/password", regBody.ID),
		map[string]string{"old_password": password, "new_password": "newpass456"},
		authHeader)
	assertStatus(t, changeResp, http.StatusNoContent)

	afterChange := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%s/profiles", regBody.ID), nil, authHeader)
	assertStatus(t, afterChange, http.StatusUnauthorized)

	failLogin := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, failLogin, http.StatusUnauthorized)

	newHeader := login(t, router, email, "newpass456")
	okResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%s/profiles", regBody.ID), nil, newHeader)
	assertStatus(t, okResp, http.StatusOK)
}

func TestPathUserMismatch(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()
	_, authHeader := registerAndLogin(t, router)
	otherID, _ := registerAndLogin(t, router)

	resp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%s/profiles", otherID), nil, authHeader)
	assertStatus(t, resp, http.StatusForbidden)
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *mockController) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	authSvc := auth.NewService(db, nil, []byte("test-secret"), time.Hour)
	accountSvc := account.NewService(db)
	profileSvc := profile.NewService(db, nil)
	historySvc := history.NewService(db)
	mock := &mockController{auth: authSvc, history: historySvc}
	handler := NewHandler(authSvc, accountSvc, profileSvc, historySvc, mock)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, mock
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func login(t *testing.T, router *gin.Engine, email, password string) map[string]string {
	t.Helper()
	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token from login")
	}
	return map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
}

func registerAndLogin(t *testing.T, router *gin.Engine) (string, map[string]string) {
	t.Helper()
	email := fmt.Sprintf("tester_%d@example.com", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID string `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	return regBody.ID, login(t, router, email, password)
}

// mockController runs a scripted exchange through the real auth and history
// services.
type mockController struct {
	auth    *auth.Service
	history *history.Service

	chunks         []string
	runErr         error
	errAfterChunks error
}

func (m *mockController) Run(ctx context.Context, req chat.Request) (*chat.Result, error) {
	identity, err := m.auth.Verify(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	if m.runErr != nil {
		err := m.runErr
		m.runErr = nil
		return nil, err
	}

	conversationID := req.ConversationID
	title := ""
	if conversationID == 0 {
		conversation, err := m.history.CreateConversation(ctx, identity.UserID, "")
		if err != nil {
			return nil, err
		}
		conversationID = conversation.ID
		title = "Mock Title"
	}

	var full strings.Builder
	for _, chunk := range m.chunks {
		full.WriteString(chunk)
		if req.ChunkFn != nil {
			if err := req.ChunkFn(chunk); err != nil {
				return nil, err
			}
		}
	}
	if m.errAfterChunks != nil {
		err := m.errAfterChunks
		m.errAfterChunks = nil
		return nil, err
	}

	turn, err := m.history.AppendTurn(ctx, conversationID, identity.UserID, req.Message, full.String(), "")
	if err != nil {
		return nil, err
	}
	return &chat.Result{ConversationID: conversationID, Turn: turn, Title: title}, nil
}
