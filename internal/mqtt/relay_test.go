package mqtt

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/aki/internal/config"
	"github.com/nugget/aki/internal/events"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		prefix    string
		conv      string
		wantAvail string
		wantEvent string
	}{
		{"aki", "c1", "aki/availability", "aki/c1/events"},
		{"", "c1", "aki/availability", "aki/c1/events"},
		{"/home/aki/", "c1", "home/aki/availability", "home/aki/c1/events"},
		{"aki", "a/b+c#", "aki/availability", "aki/a_b_c_/events"},
		{"aki", "", "aki/availability", "aki/_/events"},
	}
	for _, tt := range tests {
		tp := newTopics(tt.prefix)
		if got := tp.availability(); got != tt.wantAvail {
			t.Errorf("availability(%q) = %q, want %q", tt.prefix, got, tt.wantAvail)
		}
		if got := tp.events(tt.conv); got != tt.wantEvent {
			t.Errorf("events(%q, %q) = %q, want %q", tt.prefix, tt.conv, got, tt.wantEvent)
		}
	}
}

func TestTopics_ParseStop(t *testing.T) {
	tp := newTopics("aki")
	if got := tp.stopFilter(); got != "aki/+/stop" {
		t.Errorf("stopFilter() = %q", got)
	}

	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"aki/c1/stop", "c1", true},
		{"aki//stop", "", false},
		{"aki/c1/events", "", false},
		{"other/c1/stop", "", false},
		{"aki/a/b/stop", "", false},
	}
	for _, tt := range tests {
		id, ok := tp.parseStop(tt.topic)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("parseStop(%q) = %q, %v, want %q, %v", tt.topic, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestEventMessage(t *testing.T) {
	ev := events.TurnEvent{Seq: 3, Kind: events.KindToken, ConversationID: "c1", TurnID: "t1", Text: "hi"}
	payload, qos, err := eventMessage(ev)
	if err != nil {
		t.Fatalf("eventMessage: %v", err)
	}
	if qos != 0 {
		t.Errorf("token qos = %d, want 0", qos)
	}
	var got events.TurnEvent
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Seq != 3 || got.Text != "hi" || got.ConversationID != "c1" {
		t.Errorf("decoded = %+v", got)
	}

	_, qos, err = eventMessage(events.TurnEvent{Kind: events.KindTurnEnd})
	if err != nil || qos != 1 {
		t.Errorf("turn_end qos = %d, %v, want 1", qos, err)
	}
}

type fakeStopper struct {
	mu      sync.Mutex
	running map[string]bool
	stopped []string
}

func (f *fakeStopper) StopTurn(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return f.running[id]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelay_HandleCommand(t *testing.T) {
	stopper := &fakeStopper{running: map[string]bool{"c1": true}}
	r := New(config.MQTTConfig{TopicPrefix: "aki"}, events.New(), stopper, quietLogger())

	r.handleCommand("aki/c1/stop")
	r.handleCommand("aki/idle/stop")
	r.handleCommand("aki/c1/events")
	r.handleCommand("elsewhere/c1/stop")

	if len(stopper.stopped) != 2 || stopper.stopped[0] != "c1" || stopper.stopped[1] != "idle" {
		t.Errorf("stopped = %v, want [c1 idle]", stopper.stopped)
	}
}

func TestRelay_HandleCommandWithoutStopper(t *testing.T) {
	r := New(config.MQTTConfig{}, events.New(), nil, quietLogger())
	// Must not panic.
	r.handleCommand("aki/c1/stop")
}

func TestRelay_CommandsRateLimited(t *testing.T) {
	stopper := &fakeStopper{}
	r := New(config.MQTTConfig{}, events.New(), stopper, quietLogger())

	for range commandLimit + 5 {
		r.handleCommand("aki/c1/stop")
	}
	if len(stopper.stopped) != commandLimit {
		t.Errorf("commands handled = %d, want %d", len(stopper.stopped), commandLimit)
	}
}

func TestCommandLimiter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l := newCommandLimiter(2, time.Minute, logger)

	for i, want := range []bool{true, true, false, false} {
		if got := l.allow(); got != want {
			t.Errorf("allow() #%d = %v, want %v", i, got, want)
		}
	}

	l.reset()
	if !strings.Contains(buf.String(), "dropped=2") {
		t.Errorf("reset did not log drops: %q", buf.String())
	}
	if !l.allow() {
		t.Error("allow() after reset = false")
	}

	buf.Reset()
	l.reset()
	if buf.Len() != 0 {
		t.Errorf("reset without drops logged: %q", buf.String())
	}
}

func TestRelay_AwaitConnectionBeforeStart(t *testing.T) {
	r := New(config.MQTTConfig{Broker: "mqtt://localhost:1883"}, events.New(), nil, nil)
	if err := r.AwaitConnection(t.Context()); err == nil {
		t.Error("AwaitConnection before Start = nil")
	}
	if err := r.Stop(t.Context()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}
