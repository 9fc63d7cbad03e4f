package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"msgsync/pkg/backend"
	"msgsync/pkg/channel"
	"msgsync/pkg/engine"
	"msgsync/pkg/models"
)

type stubBackend struct{}

func (stubBackend) ListMessages(context.Context, string, int64, int) ([]models.Message, error) {
	return nil, nil
}

func (stubBackend) ListThreads(context.Context) ([]models.Thread, error) {
	return []models.Thread{{ID: "t1", Title: "Trip", UpdatedTS: 100}}, nil
}

func (stubBackend) SendMessage(_ context.Context, threadID, content, clientRef string) (models.Message, error) {
	return models.Message{
		ID: "srv-1", Thread: threadID, Content: content, SenderID: "self",
		TS: time.Now().UnixNano(), Delivery: models.DeliverySent,
		Approval: models.ApprovalApproved, ClientRef: clientRef,
	}, nil
}

func (stubBackend) EditMessage(_ context.Context, messageID, content string) (models.Message, error) {
	return models.Message{ID: messageID, Content: content, Delivery: models.DeliverySent}, nil
}

func (stubBackend) CreateThread(_ context.Context, p []models.Participant, tt models.ThreadType, title, content string) (backend.ThreadWithMessage, error) {
	return backend.ThreadWithMessage{
		Thread:  models.Thread{ID: "t-new", Type: tt, Title: title, Participants: p},
		Message: models.Message{ID: "srv-first", Thread: "t-new", Content: content, TS: 1, Delivery: models.DeliverySent},
	}, nil
}

func (stubBackend) CheckExisting(context.Context, []models.Participant, models.ThreadType) (bool, *models.Thread, error) {
	return false, nil, nil
}

func (stubBackend) Approve(_ context.Context, id string) (models.Message, error) {
	return models.Message{ID: id, TS: 100, SenderID: "parent-1", Delivery: models.DeliverySent, Approval: models.ApprovalApproved}, nil
}

func (stubBackend) Reject(_ context.Context, id, reason string) (models.Message, error) {
	return models.Message{ID: id, TS: 100, SenderID: "parent-1", Delivery: models.DeliverySent, Approval: models.ApprovalRejected, RejectionReason: reason}, nil
}

func newTestServer(t *testing.T, role string) (*httptest.Server, *engine.Engine) {
	t.Helper()
	e := engine.New(stubBackend{}, nil, engine.Options{
		Self:           models.Sender{ID: "self", Role: role},
		ModeratorRoles: []string{"teacher"},
		Channel:        channel.Options{PollInterval: time.Hour},
	})
	t.Cleanup(e.Stop)
	srv := httptest.NewServer(Handler(e))
	t.Cleanup(srv.Close)
	return srv, e
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	return resp, body
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	return resp, out
}

func TestListThreads(t *testing.T) {
	srv, e := newTestServer(t, "teacher")
	e.Start(context.Background())

	resp, body := get(t, srv.URL+"/v1/threads")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	ths, ok := body["threads"].([]any)
	if !ok || len(ths) != 1 {
		t.Fatalf("threads payload: %+v", body)
	}
}

func TestSendMessageAccepted(t *testing.T) {
	srv, e := newTestServer(t, "teacher")
	resp, body := post(t, srv.URL+"/v1/threads/t1/messages", `{"content":"hello"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["temp_id"] == "" {
		t.Fatalf("no temp id: %+v", body)
	}
	if got := len(e.Messages("t1")); got != 1 {
		t.Fatalf("message count %d", got)
	}
}

func TestSendMessageRequiresContent(t *testing.T) {
	srv, _ := newTestServer(t, "teacher")
	resp, _ := post(t, srv.URL+"/v1/threads/t1/messages", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestListMessagesEmptyThread(t *testing.T) {
	srv, _ := newTestServer(t, "teacher")
	resp, body := get(t, srv.URL+"/v1/threads/t-empty/messages")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if _, ok := body["messages"].([]any); !ok {
		t.Fatalf("messages should be an array even when empty: %+v", body)
	}
}

func TestApproveForbiddenForNonModerator(t *testing.T) {
	srv, e := newTestServer(t, "parent")
	e.IngestMessages("t1", "push", models.Message{
		ID: "m1", SenderID: "parent-1", Sender: models.Sender{ID: "parent-1", Role: "parent"},
		TS: 100, Delivery: models.DeliverySent, Approval: models.ApprovalPending,
	})
	resp, _ := post(t, srv.URL+"/v1/threads/t1/messages/m1/approve", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestApproveAndRejectFlow(t *testing.T) {
	srv, e := newTestServer(t, "teacher")
	for _, id := range []string{"m1", "m2"} {
		e.IngestMessages("t1", "push", models.Message{
			ID: id, SenderID: "parent-1", Sender: models.Sender{ID: "parent-1", Role: "parent"},
			TS: 100, Delivery: models.DeliverySent, Approval: models.ApprovalPending,
		})
	}

	resp, body := post(t, srv.URL+"/v1/threads/t1/messages/m1/approve", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %+v", resp.StatusCode, body)
	}

	resp, _ = post(t, srv.URL+"/v1/threads/t1/messages/m2/reject", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reasonless reject status %d", resp.StatusCode)
	}
	resp, body = post(t, srv.URL+"/v1/threads/t1/messages/m2/reject", `{"reason":"tone"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %+v", resp.StatusCode, body)
	}
	if body["rejection_reason"] != "tone" {
		t.Fatalf("reason lost: %+v", body)
	}
}

func TestRetryUnknownEntryConflicts(t *testing.T) {
	srv, _ := newTestServer(t, "teacher")
	resp, _ := post(t, srv.URL+"/v1/threads/t1/messages/tmp-1-1/retry", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestActivateLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, "teacher")
	resp, _ := post(t, srv.URL+"/v1/threads/t1/active", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("activate status %d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/threads/t1/active", nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Fatalf("deactivate status %d", dresp.StatusCode)
	}
}

func TestStartThreadCreates(t *testing.T) {
	srv, e := newTestServer(t, "teacher")
	resp, body := post(t, srv.URL+"/v1/threads", `{"participants":[{"user_id":"u2"}],"content":"hi"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %+v", resp.StatusCode, body)
	}
	if body["thread_id"] != "t-new" {
		t.Fatalf("thread id: %+v", body)
	}
	if got := len(e.Messages("t-new")); got != 1 {
		t.Fatalf("first message missing, count %d", got)
	}
}

func TestStartThreadValidation(t *testing.T) {
	srv, _ := newTestServer(t, "teacher")
	resp, _ := post(t, srv.URL+"/v1/threads", `{"content":"hi"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, "teacher")
	resp, body := get(t, srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %+v", resp.StatusCode, body)
	}
}
