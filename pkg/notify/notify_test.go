package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestWebhookNotifier(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	msg := Message{DeviceSerial: "emu-1", AlertType: "battery_low", Severity: "warning", Text: "battery 15%", RaisedAt: time.Now()}
	if err := n.Notify(context.Background(), msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.AlertType != "battery_low" || got.DeviceSerial != "emu-1" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Message{}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) Notify(context.Context, Message) error {
	r.calls++
	return r.err
}

func TestDispatchIsolatesChannelFailures(t *testing.T) {
	broken := &recordingNotifier{err: errors.New("down")}
	healthy := &recordingNotifier{}
	r := &Registry{}
	r.Register("broken", broken)
	r.Register("healthy", healthy)

	r.Dispatch(context.Background(), []string{"broken", "missing", "healthy"}, Message{AlertType: "x"})
	if broken.calls != 1 || healthy.calls != 1 {
		t.Fatalf("calls: broken=%d healthy=%d", broken.calls, healthy.calls)
	}
}
