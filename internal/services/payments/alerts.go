package payments

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const (
	alertQueueSize   = 64
	alertPostTimeout = 5 * time.Second
)

// AlertPayload is what gets POSTed to the operator webhook when an event
// ends in error status.
type AlertPayload struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	UserID    string `json:"user_id,omitempty"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

// AlertNotifier delivers failure alerts off the webhook request path. It is
// strictly best-effort: a full queue drops the alert rather than slowing or
// failing event processing, and a nil notifier is a no-op.
type AlertNotifier struct {
	url    string
	client *http.Client
	queue  chan AlertPayload
	done   chan struct{}
	once   sync.Once
}

// NewAlertNotifier returns nil when no URL is configured; callers hold a
// possibly-nil pointer and every method tolerates that.
func NewAlertNotifier(url string) *AlertNotifier {
	if url == "" {
		return nil
	}

	n := &AlertNotifier{
		url:    url,
		client: &http.Client{Timeout: alertPostTimeout},
		queue:  make(chan AlertPayload, alertQueueSize),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *AlertNotifier) Notify(payload AlertPayload) {
	if n == nil {
		return
	}
	select {
	case n.queue <- payload:
	default:
		fiberlog.Warnf("alert queue full, dropping alert for event %s", payload.EventID)
	}
}

// Close stops the worker after draining queued alerts.
func (n *AlertNotifier) Close() {
	if n == nil {
		return
	}
	n.once.Do(func() {
		close(n.queue)
		<-n.done
	})
}

func (n *AlertNotifier) run() {
	defer close(n.done)
	for payload := range n.queue {
		n.post(payload)
	}
}

func (n *AlertNotifier) post(payload AlertPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		fiberlog.Errorf("failed to encode alert for event %s: %v", payload.EventID, err)
		return
	}

	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		fiberlog.Warnf("failed to deliver alert for event %s: %v", payload.EventID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		fiberlog.Warnf("alert webhook returned %d for event %s", resp.StatusCode, payload.EventID)
	}
}
