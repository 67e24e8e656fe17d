package mqtt

import (
	"encoding/json"
	"strings"

	"github.com/nugget/aki/internal/events"
)

const defaultPrefix = "aki"

// topics builds the relay's topic names under one prefix.
type topics struct {
	prefix string
}

func newTopics(prefix string) topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return topics{prefix: prefix}
}

func (t topics) availability() string {
	return t.prefix + "/availability"
}

// events returns the topic for one conversation's events. Characters
// that are special in MQTT topic names are replaced.
func (t topics) events(conversationID string) string {
	return t.prefix + "/" + topicSegment(conversationID) + "/events"
}

// stopFilter matches stop commands for every conversation.
func (t topics) stopFilter() string {
	return t.prefix + "/+/stop"
}

// parseStop extracts the conversation id from a stop command topic.
func (t topics) parseStop(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/stop")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func topicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}

// eventMessage renders ev for publishing. turn_end is the one event a
// subscriber must not miss, so it alone is sent with QoS 1.
func eventMessage(ev events.TurnEvent) (payload []byte, qos byte, err error) {
	payload, err = json.Marshal(ev)
	if err != nil {
		return nil, 0, err
	}
	if ev.Kind == events.KindTurnEnd {
		return payload, 1, nil
	}
	return payload, 0, nil
}
