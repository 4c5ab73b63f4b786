package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/warden/internal/events"
)

const (
	HeaderEvent     = "X-Warden-Event"
	HeaderDelivery  = "X-Warden-Delivery"
	HeaderSignature = "X-Warden-Signature"
)

// Delivery is the JSON body of one notification.
type Delivery struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Sink posts notifications to a single URL. It implements events.Sink.
type Sink struct {
	url    string
	secret string
	client *http.Client
}

// NewSink returns a sink for url. The forwarder bounds each delivery with its
// own timeout; the client only carries a backstop.
func NewSink(url, secret string) *Sink {
	return &Sink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Sink) Notify(ctx context.Context, ev events.Event) error {
	data := json.RawMessage(ev.Data)
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	body, err := json.Marshal(Delivery{ID: ev.ID, Type: ev.Type, At: ev.At, Data: data})
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderDelivery, strconv.FormatInt(ev.ID, 10))
	req.Header.Set(HeaderSignature, Sign(body, s.secret))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver %s: receiver answered %d", ev.Type, resp.StatusCode)
	}
	return nil
}
