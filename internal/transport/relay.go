package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

const (
	pingInterval      = 10 * time.Second
	reconnectDelay    = 3 * time.Second
	maxReconnectDelay = 5 * time.Minute
	sendTimeout       = 15 * time.Second
)

// Relay is an HTTP-based Transport: outbound messages are POSTed to a
// relay endpoint and liveness is tracked with a ping loop. Inbound
// messages arrive over the control plane's webhook and are forwarded
// via HandleInbound. It stands in for a real chat bridge; the wire
// protocol behind the relay is not this package's concern.
type Relay struct {
	baseURL string
	client  *http.Client

	mu          sync.Mutex
	status      Status
	onInbound   func(Inbound)
	onReconnect func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewRelay creates a Relay for a base URL like "http://127.0.0.1:8787".
func NewRelay(baseURL string) *Relay {
	return &Relay{
		baseURL: baseURL,
		client:  &http.Client{Timeout: sendTimeout},
		status:  StatusDisconnected,
	}
}

// Status returns the current connection state.
func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetInboundHandler registers the inbound receiver.
func (r *Relay) SetInboundHandler(fn func(Inbound)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInbound = fn
}

// SetOnReconnect registers the reconnect callback.
func (r *Relay) SetOnReconnect(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReconnect = fn
}

// HandleInbound forwards a webhook-delivered message to the handler.
func (r *Relay) HandleInbound(msg Inbound) {
	r.mu.Lock()
	fn := r.onInbound
	r.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Connect starts the ping loop. The transport moves to connecting and
// reaches connected on the first successful ping.
func (r *Relay) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.status = StatusConnecting
	r.mu.Unlock()

	r.wg.Add(1)
	go r.pingLoop(loopCtx)
	return nil
}

// Disconnect stops the ping loop and marks the transport disconnected.
func (r *Relay) Disconnect() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.status = StatusDisconnected
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		r.wg.Wait()
	}
	return nil
}

// Send POSTs one message to the relay.
func (r *Relay) Send(ctx context.Context, msg Message) error {
	if r.Status() != StatusConnected {
		return fmt.Errorf("relay not connected")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.markDisconnected()
		return fmt.Errorf("relay send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("relay send failed (%d)", resp.StatusCode)
	}
	return nil
}

func (r *Relay) markDisconnected() {
	r.mu.Lock()
	if r.status == StatusConnected {
		r.status = StatusConnecting
		log.Println("[relay] connection lost, reconnecting")
	}
	r.mu.Unlock()
}

// pingLoop probes the relay's health endpoint with backoff until the
// context is cancelled, flipping the state machine and firing the
// reconnect callback on each disconnected→connected transition.
func (r *Relay) pingLoop(ctx context.Context) {
	defer r.wg.Done()

	delay := reconnectDelay
	for {
		ok := r.ping(ctx)

		r.mu.Lock()
		was := r.status
		var onReconnect func()
		if ok {
			r.status = StatusConnected
			if was != StatusConnected {
				onReconnect = r.onReconnect
			}
			delay = reconnectDelay
		} else if r.status == StatusConnected {
			r.status = StatusConnecting
		}
		r.mu.Unlock()

		if onReconnect != nil {
			log.Println("[relay] connected")
			onReconnect()
		}

		wait := pingInterval
		if !ok {
			wait = delay
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Relay) ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}
