// Package broker serializes agent turns. It owns the idle/querying/
// waiting_permission state machine, routes inbound chat and scheduler
// fires into the agent runtime, and multiplexes output back to the
// chat transport and the control plane.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/agentbridge/internal/agent"
	"github.com/fentz26/agentbridge/internal/config"
	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/store"
	"github.com/fentz26/agentbridge/internal/tools"
	"github.com/fentz26/agentbridge/internal/transport"
)

// State is the broker's processing state.
type State string

const (
	StateIdle              State = "idle"
	StateQuerying          State = "querying"
	StateWaitingPermission State = "waiting_permission"
)

// ErrBusy is returned when a trigger arrives while a turn is in
// flight. Chat callers turn it into a busy reply; the scheduler
// drops the fire.
var ErrBusy = errors.New("a turn is already in flight")

// trivialResult matches canned no-op answers that are suppressed
// instead of sent when streaming is off.
var trivialResult = regexp.MustCompile(`(?i)^(heartbeat.?ok|ok|nothing to report)[.!]?$`)

const trivialResultMaxLen = 10

// Broker is the single coordinator for agent turns.
type Broker struct {
	store   *store.Store
	cfg     *config.Config
	runtime agent.Runtime
	queue   *transport.Queue
	tools   *tools.Registry

	mu          sync.Mutex
	state       State
	destination string
	sessionID   string
	cancel      context.CancelFunc
	pending     *Pending
	turnStarted time.Time

	onChange func(State)
}

// New creates an idle broker.
func New(st *store.Store, cfg *config.Config, runtime agent.Runtime, queue *transport.Queue, registry *tools.Registry) *Broker {
	return &Broker{
		store:   st,
		cfg:     cfg,
		runtime: runtime,
		queue:   queue,
		tools:   registry,
		state:   StateIdle,
	}
}

// SetOnChange registers a state observer. Must be called before the
// broker starts receiving triggers.
func (b *Broker) SetOnChange(fn func(State)) {
	b.onChange = fn
}

func (b *Broker) setStateLocked(s State) {
	b.state = s
	if b.onChange != nil {
		go b.onChange(s)
	}
}

// Snapshot is the broker's observable state for the control plane.
type Snapshot struct {
	State       State     `json:"state"`
	SessionID   string    `json:"sessionId,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Pending     *Pending  `json:"pendingPermission,omitempty"`
	TurnStarted time.Time `json:"turnStarted,omitempty"`
	QueuedSends int       `json:"queuedSends"`
}

// Snapshot returns the current state for observers.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state,
		SessionID:   b.sessionID,
		Destination: b.destination,
		Pending:     b.pending,
		TurnStarted: b.turnStarted,
		QueuedSends: b.queue.Len(),
	}
}

// State returns the current processing state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HandleChat processes one inbound chat message. While a permission
// request is pending, a reply from the requesting destination
// resolves it; any other message during a busy turn gets a busy
// reply. The call blocks for the duration of the turn.
func (b *Broker) HandleChat(ctx context.Context, sender, text string) error {
	if b.resolvePendingFromChat(sender, text) {
		return nil
	}

	ctx, err := b.claim(ctx, sender)
	if err != nil {
		m := messagesFor(b.cfg.String(config.KeyLanguage))
		b.queue.SafeSend(ctx, transport.Message{Destination: sender, Content: m.busy})
		return err
	}

	sess, err := b.ensureSession()
	if err != nil {
		b.release()
		return fmt.Errorf("ensure session: %w", err)
	}
	if err := b.store.AddMessage(sess.ID, models.DirInbound, text); err != nil {
		log.Printf("[broker] persist inbound failed: %v", err)
	}

	b.runTurn(ctx, sess, text, sender)
	return nil
}

// HandleScheduled processes one scheduler fire. Fires while busy are
// dropped, never queued. Output goes to the owner contact when one
// is configured.
func (b *Broker) HandleScheduled(ctx context.Context, label, prompt string) error {
	destination := ""
	if owner, err := b.store.Owner(); err == nil && owner != nil {
		destination = owner.Address
	}

	ctx, err := b.claim(ctx, destination)
	if err != nil {
		return err
	}

	sess, err := b.ensureSession()
	if err != nil {
		b.release()
		return fmt.Errorf("ensure session: %w", err)
	}
	if err := b.store.AddMessage(sess.ID, models.DirSystem, fmt.Sprintf("⏰ %s", label)); err != nil {
		log.Printf("[broker] persist fire failed: %v", err)
	}

	b.runTurn(ctx, sess, prompt, destination)
	return nil
}

// Abort cancels the in-flight turn, if any. A pending permission
// request is denied with an abort reason by the turn's own cleanup.
func (b *Broker) Abort() bool {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// claim atomically takes the busy state. No work may be scheduled
// between observing idle and setting querying.
func (b *Broker) claim(ctx context.Context, destination string) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateIdle {
		return ctx, ErrBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	b.setStateLocked(StateQuerying)
	b.destination = destination
	b.cancel = cancel
	b.turnStarted = time.Now()
	return turnCtx, nil
}

// release is the unconditional cleanup for every exit path.
func (b *Broker) release() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.cancel = nil
	b.pending = nil
	b.destination = ""
	b.sessionID = ""
	b.turnStarted = time.Time{}
	b.setStateLocked(StateIdle)
	b.mu.Unlock()
}

// ensureSession returns the active session, creating one from the
// configured defaults when none exists.
func (b *Broker) ensureSession() (*models.Session, error) {
	sess, err := b.store.ActiveSession()
	if err != nil {
		return nil, err
	}
	if sess == nil {
		policy := models.PermissionPolicy(b.cfg.String(config.KeyPermissionMode))
		if !models.ValidPolicy(policy) {
			policy = models.PolicyAsk
		}
		sess, err = b.store.CreateSession(b.cfg.String(config.KeyWorkDir), policy)
		if err != nil {
			return nil, err
		}
		log.Printf("[broker] created session %s", sess.ID)
	}
	b.mu.Lock()
	b.sessionID = sess.ID
	b.mu.Unlock()
	return sess, nil
}

// runTurn drives one agent invocation to completion. It always ends
// in release().
func (b *Broker) runTurn(ctx context.Context, sess *models.Session, prompt, destination string) {
	defer b.release()

	started := time.Now()
	m := messagesFor(b.cfg.String(config.KeyLanguage))
	streaming := b.cfg.Bool(config.KeyStreamReplies)

	// Proactive pushes from the send_message tool bypass the final-
	// result rule; a turn that pushed at least once does not send its
	// terminal result separately.
	pushes := make(chan agent.Push, 16)
	var pushMu sync.Mutex
	pushed := false
	var pushWG sync.WaitGroup
	pushWG.Add(1)
	go func() {
		defer pushWG.Done()
		for p := range pushes {
			pushMu.Lock()
			pushed = true
			pushMu.Unlock()
			dest := destination
			if dest == "" {
				if owner, err := b.store.Owner(); err == nil && owner != nil {
					dest = owner.Address
				}
			}
			if dest == "" {
				log.Printf("[broker] push dropped, no destination")
				continue
			}
			b.queue.SafeSend(ctx, transport.Message{
				Destination:    dest,
				Content:        p.Content,
				AttachmentPath: p.AttachmentPath,
			})
			if err := b.store.AddMessage(sess.ID, models.DirOutbound, p.Content); err != nil {
				log.Printf("[broker] persist push failed: %v", err)
			}
		}
	}()

	opts := agent.InvokeOptions{
		Prompt:      prompt,
		WorkDir:     sess.WorkDir,
		ResumeToken: sess.ResumeToken,
		Model:       b.cfg.String(config.KeyModel),
		Policy:      sess.Policy,
		MaxTurns:    b.cfg.Int(config.KeyMaxTurns),
		Pushes:      pushes,
		Tools:       b.tools,
	}
	if streaming && destination != "" {
		opts.OnText = func(text string) {
			b.queue.SafeSend(ctx, transport.Message{Destination: destination, Content: text})
			if err := b.store.AddMessage(sess.ID, models.DirOutbound, text); err != nil {
				log.Printf("[broker] persist stream text failed: %v", err)
			}
		}
	}
	if sess.Policy != models.PolicyBypass {
		opts.OnPermission = func(ctx context.Context, req agent.PermissionRequest) agent.PermissionDecision {
			return b.awaitPermission(ctx, sess.ID, destination, req)
		}
	}

	res, err := b.runtime.Invoke(ctx, opts)
	if err != nil && errors.Is(err, agent.ErrStaleResume) && opts.ResumeToken != "" {
		log.Printf("[broker] stale resume token for session %s, retrying fresh", sess.ID)
		opts.ResumeToken = ""
		res, err = b.runtime.Invoke(ctx, opts)
	}

	close(pushes)
	pushWG.Wait()
	pushMu.Lock()
	turnPushed := pushed
	pushMu.Unlock()

	elapsed := time.Since(started)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("[broker] turn aborted after %s", elapsed.Round(time.Second))
			if destination != "" {
				b.queue.SafeSend(ctx, transport.Message{Destination: destination, Content: m.aborted})
			}
			b.recordSystemLine(sess.ID, fmt.Sprintf("Aborted | %s", formatElapsed(elapsed)))
			return
		}
		log.Printf("[broker] turn failed: %v", err)
		if destination != "" {
			b.queue.SafeSend(ctx, transport.Message{Destination: destination, Content: m.failed})
		}
		b.recordSystemLine(sess.ID, fmt.Sprintf("Error | %s | %v", formatElapsed(elapsed), err))
		return
	}

	if err := b.store.UpdateSessionResult(sess.ID, res.ResumeToken, res.CostUSD); err != nil {
		log.Printf("[broker] session update failed: %v", err)
	}

	final := strings.TrimSpace(res.Text)
	if final != "" {
		if err := b.store.AddMessage(sess.ID, models.DirOutbound, final); err != nil {
			log.Printf("[broker] persist result failed: %v", err)
		}
		send := destination != "" && !streaming && !turnPushed
		if send && isTrivial(final) {
			send = false
			log.Printf("[broker] suppressed trivial result for %s", sess.ID)
		}
		if send {
			b.queue.SafeSend(ctx, transport.Message{Destination: destination, Content: final})
		}
	}

	b.recordSystemLine(sess.ID, fmt.Sprintf("Done | $%.4f | %s", res.CostUSD, formatElapsed(elapsed)))
	log.Printf("[broker] turn done in %s ($%.4f)", elapsed.Round(time.Second), res.CostUSD)
}

// recordSystemLine writes a system summary row; store failures are
// swallowed so cleanup always completes.
func (b *Broker) recordSystemLine(sessionID, line string) {
	if err := b.store.AddMessage(sessionID, models.DirSystem, line); err != nil {
		log.Printf("[broker] system line write failed: %v", err)
	}
}

func isTrivial(text string) bool {
	return len(text) <= trivialResultMaxLen || trivialResult.MatchString(text)
}

func formatElapsed(d time.Duration) string {
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
