package hub

import (
	"context"
	"encoding/json"
	"testing"

	"qms/clinic-queue/internal/logger"
	"qms/clinic-queue/internal/models"
)

func TestBroadcastFiltersBySubscription(t *testing.T) {
	h := New(logger.Discard())
	morning := &Client{ID: "a", Send: make(chan []byte, 1), Subscription: Subscription{DoctorID: "doc-1", ServiceDate: "2026-03-02"}}
	other := &Client{ID: "b", Send: make(chan []byte, 1), Subscription: Subscription{DoctorID: "doc-2"}}
	all := &Client{ID: "c", Send: make(chan []byte, 1)}
	h.Register(morning)
	h.Register(other)
	h.Register(all)

	delivered := h.Broadcast([]byte(`{}`), Subscription{DoctorID: "doc-1", ServiceDate: "2026-03-02"})
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	if len(morning.Send) != 1 || len(all.Send) != 1 || len(other.Send) != 0 {
		t.Fatalf("unexpected fan-out: %d %d %d", len(morning.Send), len(all.Send), len(other.Send))
	}
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := New(logger.Discard())
	client := &Client{ID: "a", Send: make(chan []byte, 1)}
	h.Register(client)

	h.Broadcast([]byte(`1`), Subscription{})
	if delivered := h.Broadcast([]byte(`2`), Subscription{}); delivered != 0 {
		t.Fatalf("expected full buffer to drop, got %d", delivered)
	}
}

func TestUnregisterTwice(t *testing.T) {
	h := New(logger.Discard())
	client := &Client{ID: "a", Send: make(chan []byte, 1)}
	h.Register(client)
	h.Unregister(client)
	h.Unregister(client)
	if h.Count() != 0 {
		t.Fatalf("expected no clients")
	}
}

func TestParseSubscribe(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{`{"action":"subscribe","doctor_id":"d","date":"2026-03-02"}`, true},
		{`{"action":"unsubscribe"}`, true},
		{`{"action":"dance"}`, false},
		{`not json`, false},
	}
	for _, tc := range cases {
		msg, ok := ParseSubscribe([]byte(tc.raw))
		if ok != tc.ok {
			t.Fatalf("ParseSubscribe(%s) ok=%v, want %v", tc.raw, ok, tc.ok)
		}
		if ok && msg.Action == "subscribe" && msg.ServiceDate != "2026-03-02" {
			t.Fatalf("expected date to be parsed, got %+v", msg)
		}
	}
}

func TestPublishBoardRoutesByDoctorAndDate(t *testing.T) {
	h := New(logger.Discard())
	watching := &Client{ID: "a", Send: make(chan []byte, 1), Subscription: Subscription{DoctorID: "doc-1", ServiceDate: "2026-03-02"}}
	tomorrow := &Client{ID: "b", Send: make(chan []byte, 1), Subscription: Subscription{DoctorID: "doc-1", ServiceDate: "2026-03-03"}}
	h.Register(watching)
	h.Register(tomorrow)

	h.PublishBoard(context.Background(), models.Board{DoctorID: "doc-1", ServiceDate: "2026-03-02"})

	if len(watching.Send) != 1 || len(tomorrow.Send) != 0 {
		t.Fatalf("unexpected fan-out: %d %d", len(watching.Send), len(tomorrow.Send))
	}
	var board models.Board
	if err := json.Unmarshal(<-watching.Send, &board); err != nil {
		t.Fatalf("decode board: %v", err)
	}
	if board.DoctorID != "doc-1" {
		t.Fatalf("unexpected board %+v", board)
	}
}
