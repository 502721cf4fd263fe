package app

import (
	"reflect"
	"sync/atomic"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/core"
	"github.com/paperoo/spool/internal/webhook"
)

// hookSink forwards events to the current webhook sender, which a reload
// may replace.
type hookSink struct {
	sender atomic.Pointer[webhook.Sender]
	hooks  []config.WebhookConfig
	built  bool
}

func (h *hookSink) Publish(ev core.Event) {
	if s := h.sender.Load(); s != nil {
		s.Publish(ev)
	}
}

// swap installs a sender for hooks and returns the one it replaced. It does
// nothing when the endpoints are unchanged. Callers serialize swaps.
func (h *hookSink) swap(hooks []config.WebhookConfig, build func([]config.WebhookConfig) *webhook.Sender) (*webhook.Sender, bool) {
	if h.built && reflect.DeepEqual(h.hooks, hooks) {
		return nil, false
	}
	h.hooks = append([]config.WebhookConfig(nil), hooks...)
	h.built = true

	var next *webhook.Sender
	if len(hooks) > 0 {
		next = build(hooks)
		next.Start()
	}
	return h.sender.Swap(next), true
}

// close stops the current sender. Events published afterwards are dropped.
func (h *hookSink) close() {
	h.hooks = nil
	h.built = true
	if s := h.sender.Swap(nil); s != nil {
		s.Stop()
	}
}
