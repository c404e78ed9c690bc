package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/booking"
	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/proto"
)

// DefaultInvitationTimeout bounds the wait for a callee's answer.
const DefaultInvitationTimeout = 30 * time.Second

// Invitation is one caller to callee request.
type Invitation struct {
	CallID     string
	CallerID   int64
	CallerName string
	CalleeID   int64
	CallType   proto.CallType
	Channel    string
}

// Result is the terminal outcome of an outgoing invitation.
type Result string

const (
	ResultAccepted Result = "accepted"
	ResultDeclined Result = "declined"
	ResultTimedOut Result = "timed_out"
	ResultCanceled Result = "canceled"
)

// Outcome resolves an Attempt.
type Outcome struct {
	Result Result
	Reason string
}

// Err maps the outcome onto the error taxonomy. It is nil when accepted.
func (o Outcome) Err() error {
	switch o.Result {
	case ResultAccepted:
		return nil
	case ResultDeclined:
		if o.Reason != "" {
			return fmt.Errorf("%w: %s", ErrInvitationDeclined, o.Reason)
		}
		return ErrInvitationDeclined
	case ResultTimedOut:
		return ErrInvitationTimeout
	default:
		return ErrInvitationCanceled
	}
}

// Attempt is an outgoing invitation waiting for its single answer.
type Attempt struct {
	Invitation Invitation

	done    chan struct{}
	outcome Outcome
}

// Done is closed when the attempt is resolved.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Outcome returns the resolution. Only valid after Done is closed.
func (a *Attempt) Outcome() Outcome {
	<-a.done
	return a.outcome
}

// Wait blocks until the attempt resolves or ctx ends.
func (a *Attempt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-a.done:
		return a.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type outgoing struct {
	attempt *Attempt
	timer   *clock.Timer
}

type incoming struct {
	inv   Invitation
	timer *clock.Timer
}

// Coordinator matches invitations to their answers. It tracks at most one
// outgoing and one incoming invitation.
type Coordinator struct {
	booking Booking
	signal  Signaler
	clk     clock.Clock
	timeout time.Duration
	log     *zerolog.Logger

	mu        sync.Mutex
	out       *outgoing
	in        *incoming
	onInvite  func(Invitation)
	onExpired func(Invitation)
}

// NewCoordinator creates a coordinator. A zero timeout uses
// DefaultInvitationTimeout.
func NewCoordinator(b Booking, signal Signaler, clk clock.Clock, timeout time.Duration, logger *zerolog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultInvitationTimeout
	}
	return &Coordinator{
		booking: b,
		signal:  signal,
		clk:     clk,
		timeout: timeout,
		log:     logger,
	}
}

// OnInvitation registers the prompt callback for incoming invitations.
func (c *Coordinator) OnInvitation(fn func(Invitation)) {
	c.mu.Lock()
	c.onInvite = fn
	c.mu.Unlock()
}

// OnInvitationExpired registers a callback for incoming invitations that
// were never answered.
func (c *Coordinator) OnInvitationExpired(fn func(Invitation)) {
	c.mu.Lock()
	c.onExpired = fn
	c.mu.Unlock()
}

// Start books a private call with calleeID, sends the invitation and arms
// the answer timer.
func (c *Coordinator) Start(ctx context.Context, calleeID int64, callType proto.CallType) (*Attempt, error) {
	c.mu.Lock()
	busy := c.out != nil
	c.mu.Unlock()
	if busy {
		return nil, ErrBusy
	}

	call, err := c.booking.CreateCall(ctx, booking.CreateCallRequest{
		Kind:     string(KindPrivate),
		CallType: string(callType),
		Invitees: []int64{calleeID},
	})
	if err != nil {
		return nil, fmt.Errorf("book call: %w", err)
	}

	attempt := &Attempt{
		Invitation: Invitation{
			CallID:   call.ID,
			CallerID: call.OwnerID,
			CalleeID: calleeID,
			CallType: callType,
			Channel:  call.ChannelName,
		},
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.out != nil {
		c.mu.Unlock()
		c.endCall(call.ID)
		return nil, ErrBusy
	}
	callID := call.ID
	c.out = &outgoing{
		attempt: attempt,
		timer:   c.clk.AfterFunc(c.timeout, func() { c.expireOutgoing(callID) }),
	}
	c.mu.Unlock()

	err = c.signal.Send(ctx, &proto.Invite{
		CallID:      call.ID,
		CalleeID:    calleeID,
		CallType:    callType,
		ChannelName: call.ChannelName,
	})
	if err != nil {
		// No retry: the timer resolves the attempt.
		c.log.Warn().Err(err).Str("call_id", call.ID).Msg("failed to send invitation")
	}

	c.log.Info().Str("call_id", call.ID).Int64("callee_id", calleeID).Msg("invitation sent")
	return attempt, nil
}

// Outgoing returns the outstanding outgoing invitation, if any.
func (c *Coordinator) Outgoing() *Invitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return nil
	}
	inv := c.out.attempt.Invitation
	return &inv
}

// HandleResponse applies a response iff it answers the outstanding
// invitation. Anything else returns ErrInvitationMismatch and changes
// nothing.
func (c *Coordinator) HandleResponse(ev *proto.Response) error {
	c.mu.Lock()
	if c.out == nil || c.out.attempt.Invitation.CallID != ev.CallID {
		c.mu.Unlock()
		metrics.Invitation("mismatch")
		c.log.Debug().Str("call_id", ev.CallID).Msg("ignoring response without matching invitation")
		return ErrInvitationMismatch
	}
	out := c.out
	c.out = nil
	out.timer.Stop()
	c.mu.Unlock()

	outcome := Outcome{Result: ResultAccepted}
	if ev.Answer == proto.AnswerDeclined {
		outcome = Outcome{Result: ResultDeclined, Reason: ev.Reason}
	}
	c.resolve(out.attempt, outcome)
	return nil
}

// Cancel withdraws the outgoing invitation and closes its booking.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	out := c.out
	c.out = nil
	c.mu.Unlock()
	if out == nil {
		return ErrNoInvitation
	}
	out.timer.Stop()
	c.resolve(out.attempt, Outcome{Result: ResultCanceled})
	return nil
}

func (c *Coordinator) expireOutgoing(callID string) {
	c.mu.Lock()
	if c.out == nil || c.out.attempt.Invitation.CallID != callID {
		c.mu.Unlock()
		return
	}
	out := c.out
	c.out = nil
	c.mu.Unlock()

	c.resolve(out.attempt, Outcome{Result: ResultTimedOut})
}

func (c *Coordinator) resolve(a *Attempt, o Outcome) {
	a.outcome = o
	metrics.Invitation(string(o.Result))
	c.log.Info().Str("call_id", a.Invitation.CallID).Str("result", string(o.Result)).Msg("invitation resolved")

	if o.Result != ResultAccepted {
		c.endCall(a.Invitation.CallID)
	}
	close(a.done)
}

func (c *Coordinator) endCall(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.booking.EndCall(ctx, callID); err != nil && !errors.Is(err, booking.ErrCallEnded) {
		c.log.Warn().Err(err).Str("call_id", callID).Msg("failed to close booking")
	}
}

// HandleInvitation stores an incoming invitation and raises the prompt.
// While another invitation is pending, or while busy is true, the new one
// is declined with reason busy.
func (c *Coordinator) HandleInvitation(ctx context.Context, ev *proto.Invitation, busy bool) {
	inv := Invitation{
		CallID:     ev.CallID,
		CallerID:   ev.CallerID,
		CallerName: ev.CallerName,
		CalleeID:   ev.CalleeID,
		CallType:   ev.CallType,
		Channel:    ev.ChannelName,
	}

	c.mu.Lock()
	if c.in != nil && c.in.inv.CallID == inv.CallID {
		c.mu.Unlock()
		return
	}
	if busy || c.in != nil || c.out != nil {
		c.mu.Unlock()
		metrics.Invitation("busy")
		c.log.Info().Str("call_id", inv.CallID).Int64("caller_id", inv.CallerID).Msg("declining invitation while busy")
		c.respond(ctx, inv, proto.AnswerDeclined, proto.ReasonBusy)
		return
	}
	callID := inv.CallID
	c.in = &incoming{
		inv:   inv,
		timer: c.clk.AfterFunc(c.timeout, func() { c.expireIncoming(callID) }),
	}
	fn := c.onInvite
	c.mu.Unlock()

	c.log.Info().Str("call_id", inv.CallID).Int64("caller_id", inv.CallerID).Msg("invitation received")
	if fn != nil {
		fn(inv)
	}
}

// Incoming returns the pending incoming invitation, if any.
func (c *Coordinator) Incoming() *Invitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in == nil {
		return nil
	}
	inv := c.in.inv
	return &inv
}

// Accept answers the pending invitation and clears it.
func (c *Coordinator) Accept(ctx context.Context) (Invitation, error) {
	inv, err := c.take()
	if err != nil {
		return Invitation{}, err
	}
	if err := c.respond(ctx, inv, proto.AnswerAccepted, ""); err != nil {
		return Invitation{}, err
	}
	return inv, nil
}

// Decline answers the pending invitation and clears it.
func (c *Coordinator) Decline(ctx context.Context, reason string) error {
	inv, err := c.take()
	if err != nil {
		return err
	}
	return c.respond(ctx, inv, proto.AnswerDeclined, reason)
}

func (c *Coordinator) take() (Invitation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in == nil {
		return Invitation{}, ErrNoInvitation
	}
	inv := c.in.inv
	c.in.timer.Stop()
	c.in = nil
	return inv, nil
}

func (c *Coordinator) expireIncoming(callID string) {
	c.mu.Lock()
	if c.in == nil || c.in.inv.CallID != callID {
		c.mu.Unlock()
		return
	}
	inv := c.in.inv
	c.in = nil
	fn := c.onExpired
	c.mu.Unlock()

	c.log.Info().Str("call_id", callID).Msg("incoming invitation expired")
	if fn != nil {
		fn(inv)
	}
}

func (c *Coordinator) respond(ctx context.Context, inv Invitation, answer proto.Answer, reason string) error {
	err := c.signal.Send(ctx, &proto.Respond{
		CallID:   inv.CallID,
		CallerID: inv.CallerID,
		Answer:   answer,
		Reason:   reason,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("call_id", inv.CallID).Msg("failed to send response")
		return fmt.Errorf("respond %s: %w", answer, err)
	}
	return nil
}
