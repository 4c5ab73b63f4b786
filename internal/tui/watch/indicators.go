package watch

import (
	"strings"
	"time"
)

// Ticker rotates on every UI tick; a frozen frame means the program hung.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

const spinnerDots = 5

// Spinner lights up on each event and fades one dot every two seconds.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func (s *Spinner) OnEvent(at time.Time) {
	s.dots = spinnerDots
	s.lastEvent = at
}

func (s *Spinner) Decay(now time.Time) {
	if s.dots == 0 {
		return
	}
	faded := int(now.Sub(s.lastEvent) / (2 * time.Second))
	s.dots = max(spinnerDots-faded, 0)
}

func (s Spinner) Render(theme Theme) string {
	var b strings.Builder
	for i := range spinnerDots {
		if i < s.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
