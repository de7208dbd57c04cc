package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordSender struct {
	name   string
	err    error
	titles []string
}

func (s *recordSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordSender) Name() string { return s.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFilterAndCooldown(t *testing.T) {
	a := &recordSender{name: "a"}
	n := NewNotifier([]Sender{a}, Options{
		Events:      []string{"manual_intervention_required", " ghost_fill_detected"},
		Cooldown:    time.Minute,
		Environment: "testnet",
	}, discard())
	now := time.Unix(1_700_000_000, 0)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	if err := n.Alert(ctx, "position_open", "t", "m"); err != nil || len(a.titles) != 0 {
		t.Fatalf("filtered event delivered: %v %v", a.titles, err)
	}
	n.Alert(ctx, "ghost_fill_detected", "Exposure mismatch", "pos-1")
	n.Alert(ctx, "ghost_fill_detected", "Exposure mismatch", "pos-1")
	n.Alert(ctx, "ghost_fill_detected", "Exposure mismatch", "pos-2")
	if len(a.titles) != 2 || a.titles[0] != "[testnet] Exposure mismatch" {
		t.Fatalf("titles = %v", a.titles)
	}
	now = now.Add(2 * time.Minute)
	n.Alert(ctx, "ghost_fill_detected", "Exposure mismatch", "pos-1")
	if len(a.titles) != 3 {
		t.Fatalf("repeat after cooldown not delivered: %v", a.titles)
	}
}

func TestNotifierContinuesPastFailedSender(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("down")}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, Options{}, discard())

	err := n.Alert(context.Background(), "manual_intervention_required", "Unhedged position", "m")
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Fatal("second sender skipped")
	}
}

func TestSenders(t *testing.T) {
	var got []map[string]any
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		json.NewDecoder(r.Body).Decode(&m)
		got = append(got, m)
		paths = append(paths, r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/fail") {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, "bad webhook")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	ctx := context.Background()

	if err := NewTelegramSender(srv.URL, "tok", "42").Send(ctx, "Title", "body"); err != nil {
		t.Fatal(err)
	}
	if paths[0] != "/bottok/sendMessage" || got[0]["chat_id"] != "42" || got[0]["text"] != "*Title*\nbody" {
		t.Fatalf("telegram request = %s %v", paths[0], got[0])
	}

	if err := NewDiscordSender(srv.URL+"/hook").Send(ctx, "Title", "body"); err != nil {
		t.Fatal(err)
	}
	if got[1]["content"] != "**Title**\nbody" {
		t.Fatalf("discord request = %v", got[1])
	}

	err := NewDiscordSender(srv.URL+"/fail").Send(ctx, "Title", "body")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
}
