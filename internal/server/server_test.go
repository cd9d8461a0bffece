package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/app"
	"github.com/oysterlabs/oyster-gateway/internal/attach"
	"github.com/oysterlabs/oyster-gateway/internal/auth"
	"github.com/oysterlabs/oyster-gateway/internal/provider"
	"github.com/oysterlabs/oyster-gateway/internal/provider/mock"
	"github.com/oysterlabs/oyster-gateway/internal/quota"
	"github.com/oysterlabs/oyster-gateway/internal/ratelimit"
	"github.com/oysterlabs/oyster-gateway/internal/storage/sqlite"
)

const testAdminKey = "test-admin-key"

type testEnv struct {
	srv   *httptest.Server
	store *sqlite.Store
}

func newTestEnv(t *testing.T, adminKey string) *testEnv {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tokenAuth, err := auth.NewTokenAuth(store)
	if err != nil {
		t.Fatalf("token auth: %v", err)
	}
	accounts := auth.NewService(store, tokenAuth, nil, 720*time.Hour, 168*time.Hour)

	registry := provider.NewRegistry()
	for _, name := range []string{"deepseek", "kimi", "claude"} {
		registry.Register(name, mock.New(name))
	}

	// Small caps keep the oversize-upload test cheap.
	files, err := attach.NewPipeline(t.TempDir(), 1<<20, 2<<20)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	exports, err := app.NewExportService(store, t.TempDir(), 24*time.Hour)
	if err != nil {
		t.Fatalf("exports: %v", err)
	}

	h := New(Deps{
		Auth:        tokenAuth,
		Accounts:    accounts,
		Chat:        app.NewChatService(store, registry, quota.NewEngine(store), files),
		Exports:     exports,
		Store:       store,
		Files:       files,
		RateLimiter: ratelimit.New(),
		AdminKey:    adminKey,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body: %s)", resp.StatusCode, want, raw)
	}
}

// register creates an account and returns its bearer token.
func (e *testEnv) register(t *testing.T, email string) string {
	t.Helper()
	resp := e.do(t, "POST", "/v1/auth/register", "", map[string]string{
		"email":    email,
		"password": "hunter2hunter2",
	})
	wantStatus(t, resp, http.StatusCreated)
	var out struct {
		Token *oyster.DeviceToken `json:"token"`
	}
	decodeBody(t, resp, &out)
	if out.Token == nil || out.Token.Token == "" {
		t.Fatal("register returned no token")
	}
	return out.Token.Token
}

func (e *testEnv) createConversation(t *testing.T, token, title string) string {
	t.Helper()
	resp := e.do(t, "POST", "/v1/conversations", token, map[string]string{"title": title})
	wantStatus(t, resp, http.StatusCreated)
	var conv oyster.Conversation
	decodeBody(t, resp, &conv)
	return conv.ID
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")

	for _, path := range []string{"/health", "/readyz"} {
		resp := e.do(t, "GET", path, "", nil)
		wantStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")

	resp := e.do(t, "GET", "/v1/conversations", "", nil)
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = e.do(t, "GET", "/v1/conversations", "ocw1_definitely-not-minted", nil)
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestRegisterAndChatFlow(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "chat@example.com")
	convID := e.createConversation(t, token, "")

	resp := e.do(t, "POST", "/v1/conversations/"+convID+"/chat", token, map[string]any{
		"message": "hello there",
	})
	wantStatus(t, resp, http.StatusOK)
	var turn struct {
		Message *oyster.Message `json:"message"`
	}
	decodeBody(t, resp, &turn)
	if want := "[MOCK:kimi:free] hello there"; turn.Message.Content != want {
		t.Fatalf("reply = %q, want %q", turn.Message.Content, want)
	}

	resp = e.do(t, "GET", "/v1/conversations/"+convID+"/messages", token, nil)
	wantStatus(t, resp, http.StatusOK)
	var msgs struct {
		Messages []*oyster.Message `json:"messages"`
	}
	decodeBody(t, resp, &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs.Messages))
	}

	// Title derives from the first user message.
	resp = e.do(t, "GET", "/v1/conversations/"+convID, token, nil)
	wantStatus(t, resp, http.StatusOK)
	var conv oyster.Conversation
	decodeBody(t, resp, &conv)
	if conv.Title != "hello there" {
		t.Fatalf("title = %q, want %q", conv.Title, "hello there")
	}
}

func TestConversationOwnership(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	alice := e.register(t, "alice@example.com")
	mallory := e.register(t, "mallory@example.com")
	convID := e.createConversation(t, alice, "private")

	resp := e.do(t, "GET", "/v1/conversations/"+convID, mallory, nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = e.do(t, "POST", "/v1/conversations/"+convID+"/chat", mallory, map[string]any{"message": "hi"})
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestOneShotCompletion(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "oneshot@example.com")

	body := map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "ping"}},
	}

	resp := e.do(t, "POST", "/v1/chat/completions", token, body)
	wantStatus(t, resp, http.StatusOK)
	var cr oyster.ChatResponse
	decodeBody(t, resp, &cr)
	if len(cr.Choices) != 1 {
		t.Fatalf("got %d choices, want 1", len(cr.Choices))
	}
	if want := "[MOCK:kimi:free] ping"; cr.Choices[0].Message.Content.PlainText() != want {
		t.Fatalf("content = %q, want %q", cr.Choices[0].Message.Content.PlainText(), want)
	}

	// deepseek may be forced at any tier.
	resp = e.do(t, "POST", "/deepseek/v1/chat/completions", token, body)
	wantStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &cr)
	if !strings.HasPrefix(cr.Choices[0].Message.Content.PlainText(), "[MOCK:deepseek:") {
		t.Fatalf("forced provider not honored: %q", cr.Choices[0].Message.Content.PlainText())
	}

	// claude needs the max tier.
	resp = e.do(t, "POST", "/claude/v1/chat/completions", token, body)
	wantStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

// readStream decodes all SSE data frames from an event stream body.
func readStream(t *testing.T, body io.Reader) []streamFrame {
	t.Helper()
	var frames []streamFrame
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f streamFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, f)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan stream: %v", err)
	}
	return frames
}

func TestStreamTurn(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "stream@example.com")
	convID := e.createConversation(t, token, "")

	resp := e.do(t, "POST", "/v1/conversations/"+convID+"/chat/stream", token, map[string]any{
		"message": "stream me",
	})
	wantStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	frames := readStream(t, resp.Body)
	resp.Body.Close()

	if len(frames) < 2 {
		t.Fatalf("got %d frames, want at least a delta and a terminal", len(frames))
	}
	var assembled strings.Builder
	for _, f := range frames[:len(frames)-1] {
		if f.Done {
			t.Fatal("done frame before the end of the stream")
		}
		assembled.WriteString(f.Delta)
	}
	final := frames[len(frames)-1]
	if !final.Done {
		t.Fatal("stream did not end with a done frame")
	}
	if final.MessageID == "" {
		t.Fatal("terminal frame has no message_id")
	}
	want := "[MOCK:kimi:free] stream me"
	if assembled.String() != want || final.Content != want {
		t.Fatalf("assembled %q, final %q, want %q", assembled.String(), final.Content, want)
	}

	// The assistant message persisted under the terminal frame's id.
	msgs, err := e.store.ListMessages(context.Background(), convID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].ID != final.MessageID {
		t.Fatalf("persisted messages do not match stream terminal: %+v", msgs)
	}
}

func TestOneShotStreamHasNoMessageID(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "oneshotstream@example.com")

	resp := e.do(t, "POST", "/v1/chat/completions", token, map[string]any{
		"stream":   true,
		"messages": []map[string]any{{"role": "user", "content": "ping"}},
	})
	wantStatus(t, resp, http.StatusOK)
	frames := readStream(t, resp.Body)
	resp.Body.Close()

	final := frames[len(frames)-1]
	if !final.Done || final.MessageID != "" {
		t.Fatalf("terminal frame = %+v, want done with empty message_id", final)
	}
}

func multipartUpload(t *testing.T, url, token, filename string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	boundary := "testboundary42"
	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Disposition: form-data; name=\"file\"; filename=%q\r\n\r\n", filename)
	buf.Write(content)
	fmt.Fprintf(&buf, "\r\n--%s--\r\n", boundary)

	req, err := http.NewRequest("POST", url, &buf)
	if err != nil {
		t.Fatalf("build upload: %v", err)
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func TestUploadDownloadAndChatWithFile(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "upload@example.com")
	convID := e.createConversation(t, token, "")

	content := []byte("The capital of France is Paris.")
	resp := multipartUpload(t, e.srv.URL+"/v1/conversations/"+convID+"/upload", token, "../../etc/notes.txt", content)
	wantStatus(t, resp, http.StatusCreated)
	var up struct {
		File *oyster.ConversationFile `json:"file"`
	}
	decodeBody(t, resp, &up)
	if up.File.OriginalName != "notes.txt" {
		t.Fatalf("original_name = %q, traversal not stripped", up.File.OriginalName)
	}

	dl := e.do(t, "GET", "/v1/files/"+up.File.ID, token, nil)
	wantStatus(t, dl, http.StatusOK)
	got, _ := io.ReadAll(dl.Body)
	dl.Body.Close()
	if !bytes.Equal(got, content) {
		t.Fatalf("downloaded bytes differ: %q", got)
	}
	if cd := dl.Header.Get("Content-Disposition"); !strings.Contains(cd, "notes.txt") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	// The extracted text reaches the model as attachment context.
	chat := e.do(t, "POST", "/v1/conversations/"+convID+"/chat", token, map[string]any{
		"message":  "what does the file say?",
		"file_ids": []string{up.File.ID},
	})
	wantStatus(t, chat, http.StatusOK)
	var turn struct {
		Message *oyster.Message `json:"message"`
	}
	decodeBody(t, chat, &turn)
	if !strings.Contains(turn.Message.Content, "Paris") {
		t.Fatalf("reply lacks file context: %q", turn.Message.Content)
	}
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "bigupload@example.com")
	convID := e.createConversation(t, token, "")

	// Past the raw body cap (maxFile + slack).
	huge := bytes.Repeat([]byte("a"), 2<<20+bodySlack+16)
	resp := multipartUpload(t, e.srv.URL+"/v1/conversations/"+convID+"/upload", token, "big.txt", huge)
	wantStatus(t, resp, http.StatusRequestEntityTooLarge)
	resp.Body.Close()
}

func TestUnknownFileIDRejected(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "ghostfile@example.com")
	convID := e.createConversation(t, token, "")

	resp := e.do(t, "POST", "/v1/conversations/"+convID+"/chat", token, map[string]any{
		"message":  "hi",
		"file_ids": []string{"no-such-file"},
	})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestExportRateLimit(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "exporter@example.com")

	for i := 0; i < 3; i++ {
		resp := e.do(t, "POST", "/v1/user/export", token, nil)
		wantStatus(t, resp, http.StatusCreated)
		resp.Body.Close()
	}
	resp := e.do(t, "POST", "/v1/user/export", token, nil)
	wantStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()
}

func TestExportDownload(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "export-dl@example.com")
	convID := e.createConversation(t, token, "")
	resp := e.do(t, "POST", "/v1/conversations/"+convID+"/chat", token, map[string]any{"message": "remember me"})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = e.do(t, "POST", "/v1/user/export", token, nil)
	wantStatus(t, resp, http.StatusCreated)
	var out struct {
		Export *oyster.Export `json:"export"`
	}
	decodeBody(t, resp, &out)
	if out.Export.DownloadToken == "" {
		t.Fatal("export has no download token")
	}

	// Download needs no bearer: the URL token is the authorization.
	dl := e.do(t, "GET", "/v1/user/export/"+out.Export.DownloadToken, "", nil)
	wantStatus(t, dl, http.StatusOK)
	var payload struct {
		Account struct {
			Email string `json:"email"`
		} `json:"account"`
		Summary struct {
			Conversations int `json:"conversations"`
			Messages      int `json:"messages"`
		} `json:"summary"`
	}
	decodeBody(t, dl, &payload)
	if payload.Account.Email != "export-dl@example.com" {
		t.Fatalf("account email = %q", payload.Account.Email)
	}
	if payload.Summary.Conversations != 1 || payload.Summary.Messages != 2 {
		t.Fatalf("summary = %+v", payload.Summary)
	}

	bad := e.do(t, "GET", "/v1/user/export/"+oyster.NewTokenString(), "", nil)
	wantStatus(t, bad, http.StatusNotFound)
	bad.Body.Close()
}

func TestAdminAPI(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, testAdminKey)

	mint := func(key string) *http.Response {
		req, err := http.NewRequest("POST", e.srv.URL+"/admin/tokens/generate",
			strings.NewReader(`{"tier":"premium","count":2}`))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("X-Admin-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		return resp
	}

	resp := mint("wrong-key")
	wantStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = mint(testAdminKey)
	wantStatus(t, resp, http.StatusCreated)
	var out struct {
		Tokens []*oyster.DeviceToken `json:"tokens"`
	}
	decodeBody(t, resp, &out)
	if len(out.Tokens) != 2 {
		t.Fatalf("minted %d tokens, want 2", len(out.Tokens))
	}
	tok := out.Tokens[0]
	if tok.Tier != oyster.TierPro {
		t.Fatalf("tier = %q, want pro (premium alias)", tok.Tier)
	}
	if tok.ExpiresAt != nil || tok.UserID != "" {
		t.Fatal("admin token must be accountless and non-expiring")
	}

	// Minted tokens authenticate but have no account surface.
	usage := e.do(t, "GET", "/v1/usage", tok.Token, nil)
	wantStatus(t, usage, http.StatusOK)
	usage.Body.Close()

	profile := e.do(t, "GET", "/v1/user/profile", tok.Token, nil)
	wantStatus(t, profile, http.StatusForbidden)
	profile.Body.Close()

	// Tier change applies to subsequent requests.
	req, _ := http.NewRequest("PUT", e.srv.URL+"/admin/tokens/"+tok.Token+"/tier",
		strings.NewReader(`{"tier":"max"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", testAdminKey)
	setTier, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("set tier: %v", err)
	}
	wantStatus(t, setTier, http.StatusOK)
	setTier.Body.Close()

	chat := e.do(t, "POST", "/claude/v1/chat/completions", tok.Token, map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "ping"}},
	})
	wantStatus(t, chat, http.StatusOK)
	var cr oyster.ChatResponse
	decodeBody(t, chat, &cr)
	if !strings.HasPrefix(cr.Choices[0].Message.Content.PlainText(), "[MOCK:claude:max]") {
		t.Fatalf("tier change not visible: %q", cr.Choices[0].Message.Content.PlainText())
	}
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")

	req, _ := http.NewRequest("POST", e.srv.URL+"/admin/tokens/generate", strings.NewReader(`{"tier":"free"}`))
	req.Header.Set("X-Admin-Key", "anything")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestLoginLockoutPerIP(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	e.register(t, "locked@example.com")

	login := func(xff, password string) *http.Response {
		raw, err := json.Marshal(map[string]string{"email": "locked@example.com", "password": password})
		if err != nil {
			t.Fatalf("marshal login: %v", err)
		}
		req, err := http.NewRequest("POST", e.srv.URL+"/v1/auth/login", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("build login: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", xff)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("login: %v", err)
		}
		return resp
	}

	for range 5 {
		resp := login("203.0.113.9", "wrong-password")
		wantStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	}

	// The locked IP is refused even with the right password.
	resp := login("203.0.113.9", "hunter2hunter2")
	wantStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()

	// Another IP signs straight in.
	resp = login("198.51.100.4", "hunter2hunter2")
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestRefreshOutsideWindow(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "refresher@example.com")

	// A fresh token is ~30 days from expiry, well outside the 7-day window.
	resp := e.do(t, "POST", "/v1/auth/refresh", token, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestQuotaExceeded(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "burned@example.com")
	convID := e.createConversation(t, token, "")

	// Burn the whole free daily budget out of band.
	day := quota.Day(time.Now())
	if err := e.store.AddDailyUsage(context.Background(), token, day, 60_000, 0); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	resp := e.do(t, "POST", "/v1/conversations/"+convID+"/chat", token, map[string]any{"message": "hi"})
	wantStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()

	// The user turn lands before the gate, so the rejected turn stays in
	// history with no assistant reply.
	msgs, err := e.store.ListMessages(context.Background(), convID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("messages after quota reject = %+v", msgs)
	}
}

func TestProfileAndAIConfig(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "profile@example.com")

	name := "Ada"
	resp := e.do(t, "PUT", "/v1/user/profile", token, map[string]any{"name": name, "language": "fr"})
	wantStatus(t, resp, http.StatusOK)
	var out struct {
		User *oyster.User `json:"user"`
	}
	decodeBody(t, resp, &out)
	if out.User.Name != "Ada" || out.User.Language != "fr" {
		t.Fatalf("profile not applied: %+v", out.User)
	}

	resp = e.do(t, "PUT", "/v1/user/ai-config", token, map[string]any{"persona": "teacher"})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = e.do(t, "PUT", "/v1/user/ai-config", token, map[string]any{"persona": "pirate"})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestDeleteAccount(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, "")
	token := e.register(t, "goner@example.com")

	resp := e.do(t, "DELETE", "/v1/user/account", token, map[string]any{"confirm": false})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = e.do(t, "DELETE", "/v1/user/account", token, map[string]any{"confirm": true})
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	// The token dies with the account.
	resp = e.do(t, "GET", "/v1/conversations", token, nil)
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}
