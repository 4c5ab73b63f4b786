package events

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterMatch(t *testing.T) {
	ev := func(typ, data string) Event { return Event{Type: typ, Data: []byte(data)} }
	killed := ev(BotKilled, `{"bot_id":"b1"}`)
	otherBot := ev(JobClaimed, `{"bot_id":"b2","job_id":"j1"}`)
	power := ev(SystemPower, `{"on":false}`)

	tests := []struct {
		name   string
		filter Filter
		ev     Event
		want   bool
	}{
		{"empty matches all", Filter{}, otherBot, true},
		{"bot match", Filter{BotIDs: []string{"b1"}}, killed, true},
		{"bot mismatch", Filter{BotIDs: []string{"b1"}}, otherBot, false},
		{"fleet-wide event passes bot filter", Filter{BotIDs: []string{"b1"}}, power, true},
		{"exact type", Filter{Types: []string{BotKilled}}, killed, true},
		{"type mismatch", Filter{Types: []string{BotKilled}}, power, false},
		{"family with dot", Filter{Types: []string{"job."}}, otherBot, true},
		{"family with star", Filter{Types: []string{"job.*"}}, otherBot, true},
		{"family is not a bare prefix", Filter{Types: []string{"job"}}, otherBot, false},
		{"both must match", Filter{BotIDs: []string{"b2"}, Types: []string{"bot."}}, otherBot, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.ev))
		})
	}
}

func TestParseFilterRoundTripsQuery(t *testing.T) {
	q, err := url.ParseQuery("bot_id=b1,%20b2&bot_id=b3&type=job.&type=")
	assert.NoError(t, err)
	f := ParseFilter(q)
	assert.Equal(t, []string{"b1", "b2", "b3"}, f.BotIDs)
	assert.Equal(t, []string{"job."}, f.Types)
	assert.Equal(t, f, ParseFilter(f.Query()))
	assert.True(t, ParseFilter(url.Values{}).Empty())
	assert.Empty(t, Filter{}.Query().Encode())
}
