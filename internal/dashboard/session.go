package dashboard

import (
	"context"
	"errors"

	"github.com/paysplit/paysplit/internal/billing"
	"go.uber.org/zap"
)

var (
	// ErrMissingUsername indicates a session was configured without the
	// identity whose pending splits it should surface.
	ErrMissingUsername = errors.New("dashboard: username is required")
	// ErrMissingFetcher indicates a refresh was requested without a snapshot
	// fetcher configured.
	ErrMissingFetcher = errors.New("dashboard: snapshot fetcher is required")
	// ErrSessionClosed indicates the session has been torn down.
	ErrSessionClosed = errors.New("dashboard: session closed")
)

// SnapshotFetcher loads the authoritative bill listing for the current user.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) (bills []billing.Bill, skipped int, err error)
}

// PushEvent is one message from the push channel: either a full batch of
// bills (snapshot-equivalent) or a single-bill upsert.
type PushEvent struct {
	Bills  []billing.Bill
	Update *billing.Bill
}

// View is a point-in-time copy of the session state for rendering.
type View struct {
	Bills   []billing.Bill
	Pending int
}

type sessionMsg interface{ isSessionMsg() }

type snapshotLoaded struct{ bills []billing.Bill }

func (snapshotLoaded) isSessionMsg() {}

type pushReceived struct{ event PushEvent }

func (pushReceived) isSessionMsg() {}

type viewRequest struct{ reply chan View }

func (viewRequest) isSessionMsg() {}

type promptRequest struct {
	resolve bool
	reply   chan promptReply
}

func (promptRequest) isSessionMsg() {}

type promptReply struct {
	action PendingAction
	ok     bool
}

// SessionConfig carries the collaborators for one dashboard session.
type SessionConfig struct {
	Username string
	Fetcher  SnapshotFetcher
	Logger   *zap.Logger
}

// Session owns the bill store, seen tracker and pending queue for the
// lifetime of one dashboard view. All mutations — snapshot responses and push
// events alike — funnel through a single event loop, so handler invocations
// never overlap and arrival order decides the outcome. A snapshot response is
// applied wholesale whenever it lands, however stale the request was: the
// server is the single source of truth and out-of-order application causes at
// most a transient flicker.
type Session struct {
	username string
	fetcher  SnapshotFetcher
	store    *Store
	queue    *PendingQueue
	logger   *zap.Logger

	inbox  chan sessionMsg
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession constructs the session and starts its event loop. Close must be
// called when navigating away.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Username == "" {
		return nil, ErrMissingUsername
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		username: cfg.Username,
		fetcher:  cfg.Fetcher,
		store:    NewStore(StoreConfig{Logger: logger}),
		queue:    NewPendingQueue(),
		logger:   logger,
		inbox:    make(chan sessionMsg, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	go s.loop()
	return s, nil
}

// Refresh fetches a fresh snapshot and applies it. The fetch runs in the
// caller's goroutine; only the application is serialized through the event
// loop. An Unauthenticated failure propagates to the caller untouched.
func (s *Session) Refresh(ctx context.Context) (int, error) {
	if s.fetcher == nil {
		return 0, ErrMissingFetcher
	}
	bills, skipped, err := s.fetcher.FetchSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if !s.post(snapshotLoaded{bills: bills}) {
		return skipped, ErrSessionClosed
	}
	return skipped, nil
}

// Deliver hands a push event to the session. Events arriving after Close are
// silently dropped, the same way a stale response is ignored after unmount.
func (s *Session) Deliver(event PushEvent) {
	s.post(pushReceived{event: event})
}

// View returns a copy of the current bill listing and pending-prompt count.
func (s *Session) View() View {
	reply := make(chan View, 1)
	if !s.post(viewRequest{reply: reply}) {
		return View{}
	}
	return <-reply
}

// NextPrompt returns the action at the head of the queue without removing it.
// The UI displays at most one prompt at a time.
func (s *Session) NextPrompt() (PendingAction, bool) {
	return s.prompt(false)
}

// ResolvePrompt removes the head of the queue once the user has accepted,
// rejected, or dismissed the displayed prompt. A failed submission means the
// caller simply does not resolve: the prompt stays at the head.
func (s *Session) ResolvePrompt() (PendingAction, bool) {
	return s.prompt(true)
}

// Close tears the session down. Pending deliveries are dropped.
func (s *Session) Close() {
	s.cancel()
}

func (s *Session) prompt(resolve bool) (PendingAction, bool) {
	reply := make(chan promptReply, 1)
	if !s.post(promptRequest{resolve: resolve, reply: reply}) {
		return PendingAction{}, false
	}
	result := <-reply
	return result.action, result.ok
}

func (s *Session) post(msg sessionMsg) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case snapshotLoaded:
				s.store.ApplySnapshot(msg.bills)
				s.surfacePending()

			case pushReceived:
				s.applyPush(msg.event)
				s.surfacePending()

			case viewRequest:
				msg.reply <- View{Bills: s.store.Bills(), Pending: s.queue.Len()}

			case promptRequest:
				var reply promptReply
				if msg.resolve {
					reply.action, reply.ok = s.queue.Dequeue()
				} else {
					reply.action, reply.ok = s.queue.Peek()
				}
				msg.reply <- reply
			}
		}
	}
}

func (s *Session) applyPush(event PushEvent) {
	if event.Bills != nil {
		s.store.ApplySnapshot(event.Bills)
		return
	}
	if event.Update != nil {
		if err := s.store.ApplyUpdate(*event.Update); err != nil {
			s.logger.Warn("dropping malformed push update", zap.Error(err))
		}
	}
}

func (s *Session) surfacePending() {
	actions := s.store.DerivePendingQueueFor(s.username)
	if len(actions) == 0 {
		return
	}
	s.queue.Enqueue(actions...)
	s.logger.Debug("pending actions surfaced",
		zap.Int("new", len(actions)),
		zap.Int("queued", s.queue.Len()))
}
