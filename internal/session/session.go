// internal/session/session.go
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/authbridge/api/schemas"
	"github.com/xkilldash9x/authbridge/internal/browser"
)

// State is the session's position in the login flow.
type State int

const (
	StateIdle State = iota
	StateProcessingPhone
	StateWaitingCode
	StateProcessingCode
	StateWaitingPassword
	StateProcessingPassword
	StateVerified
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessingPhone:
		return "processing_phone"
	case StateWaitingCode:
		return "waiting_code"
	case StateProcessingCode:
		return "processing_code"
	case StateWaitingPassword:
		return "waiting_password"
	case StateProcessingPassword:
		return "processing_password"
	case StateVerified:
		return "verified"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Automator is the browser-side contract the session drives. All operations
// are invoked from the session's single run goroutine, so implementations see
// at most one call in flight.
type Automator interface {
	Initialize(ctx context.Context) error
	SubmitPhone(ctx context.Context, phone string) browser.Outcome
	SubmitCode(ctx context.Context, code string) browser.Outcome
	SubmitPassword(ctx context.Context, password string) browser.Outcome
	Cleanup(ctx context.Context) error
}

// Sender delivers server messages back to the client connection.
type Sender interface {
	Send(ctx context.Context, msg schemas.ServerMessage) error
}

const (
	inboxSize      = 16
	cleanupTimeout = 15 * time.Second
)

// Session binds one client connection to one automation controller and walks
// the login state machine. All message handling and all controller calls run
// on a single goroutine, so operations never overlap and state transitions
// need no locking beyond the activity clock.
type Session struct {
	id     string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	automator Automator
	sender    Sender

	inbox chan schemas.ClientMessage
	done  chan struct{}

	closeOnce sync.Once

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

// New creates a session and starts its run goroutine. Browser initialization
// is enqueued as the first unit of work so the constructor returns
// immediately; the client hears browser_ready (or an error) asynchronously.
func New(parent context.Context, id string, automator Automator, sender Sender, logger *zap.Logger) (*Session, error) {
	if automator == nil {
		return nil, fmt.Errorf("automator cannot be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:           id,
		logger:       logger.Named("session").With(zap.String("session_id", shortID(id))),
		ctx:          ctx,
		cancel:       cancel,
		automator:    automator,
		sender:       sender,
		inbox:        make(chan schemas.ClientMessage, inboxSize),
		done:         make(chan struct{}),
		state:        StateIdle,
		lastActivity: time.Now(),
	}

	go s.run()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current flow state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity reports when the client last sent a message.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Dispatch hands a client message to the session's run goroutine. It blocks
// until the message is accepted or the session is gone.
func (s *Session) Dispatch(ctx context.Context, msg schemas.ClientMessage) error {
	// Checked first so a closed session never accepts into the buffered inbox.
	select {
	case <-s.done:
		return fmt.Errorf("session %s is closed", shortID(s.id))
	default:
	}

	select {
	case s.inbox <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("session %s is closed", shortID(s.id))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the session down: the run goroutine is stopped, the controller
// cleaned up on a background deadline, and the call blocks until both finish.
// Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done

		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := s.automator.Cleanup(cleanupCtx); err != nil {
			s.logger.Warn("Controller cleanup failed.", zap.Error(err))
		}
		s.logger.Info("Session closed.")
	})
}

// run is the session's only goroutine. Initialization happens first, then
// messages are consumed strictly in order.
func (s *Session) run() {
	defer close(s.done)

	s.initialize()

	for {
		select {
		case msg := <-s.inbox:
			s.touch()
			s.handleMessage(msg)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) initialize() {
	s.logger.Info("Initializing browser for session.")
	if err := s.automator.Initialize(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Error("Browser initialization failed.", zap.Error(err))
		s.reply(schemas.Failure(schemas.MsgError, "Failed to prepare browser, please reconnect"))
		return
	}
	s.reply(schemas.Event(schemas.MsgBrowserReady))
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Debug("State transition.",
			zap.String("from", prev.String()), zap.String("to", next.String()))
	}
}

// handleMessage applies the transition table. Messages arriving in a state
// that does not accept them produce an error reply and leave the state
// untouched.
func (s *Session) handleMessage(msg schemas.ClientMessage) {
	switch msg.Type {
	case schemas.MsgPing:
		s.reply(schemas.Event(schemas.MsgPong))

	case schemas.MsgSubmitPhone:
		s.handleSubmitPhone(msg.Phone)

	case schemas.MsgSubmitCode:
		s.handleSubmitCode(msg.Code)

	case schemas.MsgSubmitPassword:
		s.handleSubmitPassword(msg.Password)

	case schemas.MsgUserReturnedToPhone:
		s.handleReturnToPhone()

	default:
		s.reply(schemas.Failure(schemas.MsgError,
			fmt.Sprintf("Unsupported message type %q", msg.Type)))
	}
}

func (s *Session) handleSubmitPhone(phone string) {
	if st := s.State(); st != StateIdle && st != StateError {
		s.rejectInState("submit_phone", st)
		return
	}
	if phone == "" {
		s.reply(schemas.Failure(schemas.MsgPhoneError, "Phone number is required"))
		return
	}

	s.setState(StateProcessingPhone)
	s.reply(schemas.Event(schemas.MsgPhoneProcessing))

	outcome := s.automator.SubmitPhone(s.ctx, phone)
	switch outcome.Kind {
	case browser.OutcomeSuccess:
		s.setState(StateWaitingCode)
		s.reply(schemas.Event(schemas.MsgCodeRequested))
	default:
		s.setState(StateError)
		s.reply(schemas.Failure(schemas.MsgPhoneError, outcome.Message))
	}
}

func (s *Session) handleSubmitCode(code string) {
	if st := s.State(); st != StateWaitingCode {
		s.rejectInState("submit_code", st)
		return
	}
	if code == "" {
		s.setState(StateWaitingCode)
		s.reply(schemas.Failure(schemas.MsgVerificationFailed, "Code is required"))
		return
	}

	s.setState(StateProcessingCode)
	s.reply(schemas.Event(schemas.MsgCodeProcessing))

	outcome := s.automator.SubmitCode(s.ctx, code)
	switch outcome.Kind {
	case browser.OutcomeSuccess:
		s.setState(StateVerified)
		s.reply(schemas.Event(schemas.MsgVerificationOK))
	case browser.OutcomeEscalate:
		s.setState(StateWaitingPassword)
		s.reply(schemas.Event(schemas.MsgPasswordRequired))
	default:
		// Wrong code keeps the session on the code step for a retry.
		s.setState(StateWaitingCode)
		s.reply(schemas.Failure(schemas.MsgVerificationFailed, outcome.Message))
	}
}

func (s *Session) handleSubmitPassword(password string) {
	if st := s.State(); st != StateWaitingPassword {
		s.rejectInState("submit_password", st)
		return
	}
	if password == "" {
		s.setState(StateWaitingPassword)
		s.reply(schemas.Failure(schemas.MsgPasswordFailed, "Password is required"))
		return
	}

	s.setState(StateProcessingPassword)
	s.reply(schemas.Event(schemas.MsgPasswordProcessing))

	outcome := s.automator.SubmitPassword(s.ctx, password)
	switch outcome.Kind {
	case browser.OutcomeSuccess:
		s.setState(StateVerified)
		s.reply(schemas.Event(schemas.MsgPasswordSuccess))
	default:
		s.setState(StateWaitingPassword)
		s.reply(schemas.Failure(schemas.MsgPasswordFailed, outcome.Message))
	}
}

// handleReturnToPhone rewinds a session waiting for a code back to the phone
// step. No browser work happens; the page is already on (or will re-reach) the
// phone form when the next submission re-initializes as needed.
func (s *Session) handleReturnToPhone() {
	if st := s.State(); st != StateWaitingCode {
		s.rejectInState("user_returned_to_phone", st)
		return
	}
	s.setState(StateIdle)
	s.reply(schemas.Event(schemas.MsgStateReset))
}

func (s *Session) rejectInState(op string, st State) {
	s.logger.Debug("Message rejected in current state.",
		zap.String("op", op), zap.String("state", st.String()))
	s.reply(schemas.Failure(schemas.MsgError,
		fmt.Sprintf("Cannot handle %s while in state %s", op, st)))
}

// reply sends a message to the client. Delivery failures are logged only; the
// connection layer owns disconnect handling.
func (s *Session) reply(msg schemas.ServerMessage) {
	if err := s.sender.Send(s.ctx, msg); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("Failed to deliver message to client.",
			zap.String("type", msg.Type), zap.Error(err))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
