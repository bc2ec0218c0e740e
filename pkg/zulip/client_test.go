// Copyright 2024-2026 Aiku AI

package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// fakeZulipServer is a minimal Zulip REST endpoint backed by httptest.
// Every handler checks basic auth before answering.
type fakeZulipServer struct {
	t      *testing.T
	mux    *http.ServeMux
	server *httptest.Server

	email  string
	apiKey string

	registered  int
	sent        []url.Values
	edited      map[string]string
	deleted     []string
	reactions   []string
	queueEvents []Event
	deadQueue   bool
}

func newFakeZulipServer(t *testing.T) *fakeZulipServer {
	t.Helper()
	f := &fakeZulipServer{
		t:      t,
		mux:    http.NewServeMux(),
		email:  "bot@example.org",
		apiKey: "secret",
		edited: make(map[string]string),
	}
	f.mux.HandleFunc("/api/v1/users/me", f.auth(f.handleMe))
	f.mux.HandleFunc("/api/v1/users/42", f.auth(f.handleGetUser))
	f.mux.HandleFunc("/api/v1/get_stream_id", f.auth(f.handleStreamID))
	f.mux.HandleFunc("/api/v1/users/me/subscriptions", f.auth(f.handleSubscriptions))
	f.mux.HandleFunc("/api/v1/register", f.auth(f.handleRegister))
	f.mux.HandleFunc("/api/v1/events", f.auth(f.handleEvents))
	f.mux.HandleFunc("/api/v1/messages", f.auth(f.handleSend))
	f.mux.HandleFunc("/api/v1/messages/", f.auth(f.handleMessage))
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeZulipServer) client() *Client {
	return NewClient(f.server.URL, f.email, f.apiKey)
}

func (f *fakeZulipServer) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, key, ok := r.BasicAuth()
		if !ok || email != f.email || key != f.apiKey {
			f.writeError(w, http.StatusUnauthorized, "INVALID_API_KEY", "Invalid API key")
			return
		}
		next(w, r)
	}
}

func (f *fakeZulipServer) writeJSON(w http.ResponseWriter, v map[string]any) {
	v["result"] = "success"
	v["msg"] = ""
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		f.t.Errorf("encode response: %v", err)
	}
}

func (f *fakeZulipServer) writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"result": "error",
		"code":   code,
		"msg":    msg,
	})
}

func (f *fakeZulipServer) handleMe(w http.ResponseWriter, _ *http.Request) {
	f.writeJSON(w, map[string]any{"user_id": 99, "full_name": "Bridge Bot", "email": f.email})
}

func (f *fakeZulipServer) handleGetUser(w http.ResponseWriter, _ *http.Request) {
	f.writeJSON(w, map[string]any{"user": map[string]any{"user_id": 42, "full_name": "Ada Lovelace"}})
}

func (f *fakeZulipServer) handleStreamID(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") != "general" {
		f.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid stream name")
		return
	}
	f.writeJSON(w, map[string]any{"stream_id": 7})
}

// formValues parses the urlencoded request body directly; ParseForm
// skips bodies on DELETE, which Zulip uses for removals.
func formValues(r *http.Request) url.Values {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil
	}
	vals, err := url.ParseQuery(string(data))
	if err != nil {
		return nil
	}
	return vals
}

func (f *fakeZulipServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if formValues(r).Get("subscriptions") == "" {
		f.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Missing subscriptions")
		return
	}
	f.writeJSON(w, map[string]any{})
}

func (f *fakeZulipServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		f.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if r.PostForm.Get("apply_markdown") != "false" {
		f.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Queue must be registered with apply_markdown=false")
		return
	}
	f.registered++
	f.writeJSON(w, map[string]any{"queue_id": "queue-1", "last_event_id": -1})
}

func (f *fakeZulipServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if f.deadQueue {
		f.writeError(w, http.StatusBadRequest, "BAD_EVENT_QUEUE_ID", "Bad event queue id: queue-0")
		return
	}
	if r.URL.Query().Get("queue_id") != "queue-1" {
		f.writeError(w, http.StatusBadRequest, "BAD_EVENT_QUEUE_ID", "Bad event queue id")
		return
	}
	data, err := json.Marshal(f.queueEvents)
	if err != nil {
		f.t.Fatalf("marshal events: %v", err)
	}
	f.writeJSON(w, map[string]any{"events": json.RawMessage(data)})
}

func (f *fakeZulipServer) handleSend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		f.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	f.sent = append(f.sent, r.PostForm)
	f.writeJSON(w, map[string]any{"id": 12345})
}

func (f *fakeZulipServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/messages/")
	if strings.HasSuffix(rest, "/reactions") {
		msgID := strings.TrimSuffix(rest, "/reactions")
		f.reactions = append(f.reactions, r.Method+" "+msgID+" "+formValues(r).Get("emoji_name"))
		f.writeJSON(w, map[string]any{})
		return
	}
	switch r.Method {
	case http.MethodPatch:
		f.edited[rest] = formValues(r).Get("content")
		f.writeJSON(w, map[string]any{})
	case http.MethodDelete:
		f.deleted = append(f.deleted, rest)
		f.writeJSON(w, map[string]any{})
	default:
		f.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Unsupported method")
	}
}

func TestClientMe(t *testing.T) {
	f := newFakeZulipServer(t)
	me, err := f.client().Me(context.Background())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.UserID != 99 || me.FullName != "Bridge Bot" {
		t.Errorf("me = %+v", me)
	}
}

func TestClientAuthError(t *testing.T) {
	f := newFakeZulipServer(t)
	c := NewClient(f.server.URL, f.email, "wrong-key")
	_, err := c.Me(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsAuthError(err) {
		t.Errorf("IsAuthError(%v) = false", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("err = %#v", err)
	}
}

func TestClientGetUser(t *testing.T) {
	f := newFakeZulipServer(t)
	user, err := f.client().GetUser(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.UserID != 42 || user.FullName != "Ada Lovelace" {
		t.Errorf("user = %+v", user)
	}
}

func TestClientGetStreamID(t *testing.T) {
	f := newFakeZulipServer(t)
	c := f.client()
	ctx := context.Background()

	sid, err := c.GetStreamID(ctx, "general")
	if err != nil {
		t.Fatalf("GetStreamID: %v", err)
	}
	if sid != 7 {
		t.Errorf("stream id = %d", sid)
	}

	_, err = c.GetStreamID(ctx, "nonexistent")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("unknown stream should be an *APIError, got %v", err)
	}
	if IsAuthError(err) {
		t.Error("a bad stream name is not an auth error")
	}
}

func TestClientSubscriptions(t *testing.T) {
	f := newFakeZulipServer(t)
	c := f.client()
	ctx := context.Background()

	if err := c.AddSubscription(ctx, "general"); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	if err := c.RemoveSubscription(ctx, "general"); err != nil {
		t.Fatalf("RemoveSubscription: %v", err)
	}
}

func TestClientRegisterAndEvents(t *testing.T) {
	f := newFakeZulipServer(t)
	c := f.client()
	ctx := context.Background()

	queue, err := c.RegisterQueue(ctx)
	if err != nil {
		t.Fatalf("RegisterQueue: %v", err)
	}
	if queue.QueueID != "queue-1" || queue.LastEventID != -1 {
		t.Errorf("queue = %+v", queue)
	}

	f.queueEvents = []Event{
		{ID: 1, Type: EventTypeHeartbeat},
		{ID: 2, Type: EventTypeMessage, Message: &Message{ID: 501, Content: "hi", Type: MessageTypeStream}},
	}
	events, err := c.Events(ctx, queue.QueueID, queue.LastEventID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[1].Message == nil || events[1].Message.Content != "hi" {
		t.Errorf("message event = %+v", events[1])
	}
}

func TestClientDeadQueue(t *testing.T) {
	f := newFakeZulipServer(t)
	f.deadQueue = true
	_, err := f.client().Events(context.Background(), "queue-0", -1)
	if !errors.Is(err, ErrBadEventQueueID) {
		t.Errorf("err = %v, want ErrBadEventQueueID", err)
	}
	if IsAuthError(err) {
		t.Error("a dead queue is not an auth error")
	}
}

func TestClientSendEditDelete(t *testing.T) {
	f := newFakeZulipServer(t)
	c := f.client()
	ctx := context.Background()

	msgID, err := c.SendMessage(ctx, "general", "deploys", "rolling out")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msgID != 12345 {
		t.Errorf("message id = %d", msgID)
	}
	if len(f.sent) != 1 {
		t.Fatalf("sent = %+v", f.sent)
	}
	form := f.sent[0]
	if form.Get("type") != "stream" || form.Get("to") != "general" || form.Get("topic") != "deploys" {
		t.Errorf("form = %v", form)
	}

	if err := c.EditMessage(ctx, msgID, "rolled out"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if f.edited["12345"] != "rolled out" {
		t.Errorf("edited = %v", f.edited)
	}

	if err := c.DeleteMessage(ctx, msgID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if len(f.deleted) != 1 || f.deleted[0] != "12345" {
		t.Errorf("deleted = %v", f.deleted)
	}
}

func TestClientReactions(t *testing.T) {
	f := newFakeZulipServer(t)
	c := f.client()
	ctx := context.Background()

	if err := c.AddReaction(ctx, 501, "thumbs_up"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if err := c.RemoveReaction(ctx, 501, "thumbs_up"); err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	want := []string{"POST 501 thumbs_up", "DELETE 501 thumbs_up"}
	for i, w := range want {
		if i >= len(f.reactions) || f.reactions[i] != w {
			t.Fatalf("reactions = %v, want %v", f.reactions, want)
		}
	}
}

func TestClientSiteNormalization(t *testing.T) {
	c := NewClient("chat.example.org", "e", "k")
	if c.Site() != "https://chat.example.org" {
		t.Errorf("site = %q", c.Site())
	}
	c = NewClient("http://localhost:9991/", "e", "k")
	if c.Site() != "http://localhost:9991" {
		t.Errorf("site = %q", c.Site())
	}
}

func TestAPIErrorIsMatchesByCode(t *testing.T) {
	err := &APIError{StatusCode: 400, Code: "BAD_EVENT_QUEUE_ID", Msg: "Bad event queue id: x"}
	if !errors.Is(err, ErrBadEventQueueID) {
		t.Error("same code should match")
	}
	other := &APIError{StatusCode: 400, Code: "BAD_REQUEST", Msg: "nope"}
	if errors.Is(other, ErrBadEventQueueID) {
		t.Error("different code must not match")
	}
}
