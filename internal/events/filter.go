package events

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Filter narrows a stream to some bots and event types. Empty fields match
// everything. Events that carry no bot_id (system.power) pass the bot filter,
// so a bot-scoped watcher still sees fleet-wide stops.
//
// A type ending in "." or ".*" matches the whole family, e.g. "job.".
type Filter struct {
	BotIDs []string
	Types  []string
}

// ParseFilter reads bot_id and type from q. Both may repeat or hold a
// comma-separated list.
func ParseFilter(q url.Values) Filter {
	return Filter{BotIDs: splitValues(q["bot_id"]), Types: splitValues(q["type"])}
}

// Query renders f as the parameters ParseFilter reads.
func (f Filter) Query() url.Values {
	q := url.Values{}
	if len(f.BotIDs) > 0 {
		q.Set("bot_id", strings.Join(f.BotIDs, ","))
	}
	if len(f.Types) > 0 {
		q.Set("type", strings.Join(f.Types, ","))
	}
	return q
}

func (f Filter) Empty() bool { return len(f.BotIDs) == 0 && len(f.Types) == 0 }

func (f Filter) Match(ev Event) bool {
	return f.matchType(ev.Type) && f.matchBot(ev.Data)
}

func (f Filter) matchType(t string) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, want := range f.Types {
		if family, ok := strings.CutSuffix(want, "*"); ok {
			want = family
		}
		if strings.HasSuffix(want, ".") {
			if strings.HasPrefix(t, want) {
				return true
			}
			continue
		}
		if t == want {
			return true
		}
	}
	return false
}

func (f Filter) matchBot(data []byte) bool {
	if len(f.BotIDs) == 0 {
		return true
	}
	var payload struct {
		BotID string `json:"bot_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.BotID == "" {
		return true
	}
	for _, id := range f.BotIDs {
		if id == payload.BotID {
			return true
		}
	}
	return false
}

func splitValues(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
