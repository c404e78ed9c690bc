package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirecall/internal/booking"
	"github.com/vovakirdan/wirecall/internal/calls"
	"github.com/vovakirdan/wirecall/internal/config"
	wlog "github.com/vovakirdan/wirecall/internal/log"
	"github.com/vovakirdan/wirecall/internal/media"
	"github.com/vovakirdan/wirecall/internal/media/devices"
	"github.com/vovakirdan/wirecall/internal/media/synthetic"
	"github.com/vovakirdan/wirecall/internal/presence"
	"github.com/vovakirdan/wirecall/internal/proto"
	"github.com/vovakirdan/wirecall/internal/rtc/loopback"
	"github.com/vovakirdan/wirecall/internal/signaling"
)

// Device backends for the headless client.
const (
	DevicesSynthetic = "synthetic"
	DevicesSystem    = "system"
)

const hangupTimeout = 5 * time.Second

// ClientOptions selects what the headless client does once connected.
type ClientOptions struct {
	Register bool

	Call       string
	CallType   proto.CallType
	AutoAnswer bool

	CreateRoom   string
	RoomCapacity int
	RoomPublic   bool
	Room         string
	RoomPassword string

	Devices          string
	ShareSystemAudio bool
}

// Client is the headless call client: it signs in, keeps presence and the
// room list fresh and drives one call at a time.
//
// Media runs over an in-process loopback transport, so signaling and
// booking are real but two client processes never exchange tracks, and
// the transport token from the server is accepted without being checked.
// TODO: add an rtc.Provider backed by the LiveKit server SDK so the minted
// tokens are used end to end.
type Client struct {
	cfg  config.ClientConfig
	opts ClientOptions
	log  *zerolog.Logger
}

// NewClient creates a client. Run does the work.
func NewClient(cfg config.ClientConfig, opts ClientOptions, logger *zerolog.Logger) *Client {
	if opts.CallType == "" {
		opts.CallType = proto.CallTypeVideo
	}
	return &Client{cfg: cfg, opts: opts, log: logger}
}

// Run connects and serves until ctx is canceled or the relay connection
// drops. The active call is hung up on the way out.
func (c *Client) Run(ctx context.Context) error {
	anon := booking.New(c.cfg.ServerURL, nil)
	id, err := c.signIn(ctx, anon)
	if err != nil {
		return err
	}
	api := anon.WithToken(id.Token)
	c.log.Info().Int64("user_id", id.UserID).Str("username", id.Username).Msg("signed in")

	ch := signaling.New(signaling.Options{
		Dialer:            signaling.WSDialer{ServerURL: c.cfg.ServerURL},
		Token:             id.Token,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
	}, wlog.Component(c.log, "signaling"))
	release, err := ch.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer release()

	callLog := wlog.Component(c.log, "calls")
	mgr := calls.NewManager(calls.Options{
		UserID:            id.UserID,
		AppID:             "wirecall",
		InvitationTimeout: c.cfg.InvitationTimeout,
		JoinTimeout:       c.cfg.JoinTimeout,
		RoomPollInterval:  c.cfg.RoomPollInterval,
		ShareSystemAudio:  c.opts.ShareSystemAudio,
	}, api, ch, media.NewController(c.devices(), wlog.Component(c.log, "media")), loopback.New(wlog.Component(c.log, "transport")), callLog)

	g, gctx := errgroup.WithContext(ctx)
	c.watchInvitations(gctx, mgr)

	poller := presence.NewPoller(api.Presence, nil, c.cfg.PresencePollInterval, c.log)
	poller.OnChange(func(online []presence.User) {
		c.log.Info().Int("online", len(online)).Msg("presence changed")
	})
	mgr.Rooms().OnChange(func(rooms []booking.Room) {
		c.log.Debug().Int("rooms", len(rooms)).Msg("room list refreshed")
	})

	g.Go(func() error {
		if err := mgr.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		mgr.Rooms().Run(gctx)
		return nil
	})
	g.Go(func() error {
		return c.act(gctx, api, mgr)
	})

	err = g.Wait()

	hangupCtx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if hangupErr := mgr.Hangup(hangupCtx); hangupErr != nil {
		c.log.Warn().Err(hangupErr).Msg("hangup failed")
	}
	return err
}

func (c *Client) signIn(ctx context.Context, api *booking.Client) (*booking.Identity, error) {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return nil, errors.New("username and password are required")
	}
	if c.opts.Register {
		id, err := api.Register(ctx, c.cfg.Username, c.cfg.Password)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, booking.ErrUserExists) {
			return nil, fmt.Errorf("register: %w", err)
		}
	}
	id, err := api.Login(ctx, c.cfg.Username, c.cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return id, nil
}

func (c *Client) devices() media.Devices {
	if c.opts.Devices == DevicesSystem {
		d, err := devices.New(wlog.Component(c.log, "devices"))
		if err == nil {
			return d
		}
		c.log.Warn().Err(err).Msg("capture devices unavailable, using synthetic media")
	}
	return synthetic.New()
}

func (c *Client) watchInvitations(ctx context.Context, mgr *calls.Manager) {
	coord := mgr.Coordinator()
	coord.OnInvitation(func(inv calls.Invitation) {
		c.log.Info().
			Str("call_id", inv.CallID).
			Str("caller", inv.CallerName).
			Str("call_type", string(inv.CallType)).
			Bool("auto_answer", c.opts.AutoAnswer).
			Msg("incoming call")
		if !c.opts.AutoAnswer {
			return
		}
		go func() {
			sess, err := mgr.Accept(ctx)
			if err != nil {
				c.log.Warn().Err(err).Str("code", calls.Code(err)).Msg("failed to answer call")
				return
			}
			c.follow(ctx, sess)
		}()
	})
	coord.OnInvitationExpired(func(inv calls.Invitation) {
		c.log.Info().Str("call_id", inv.CallID).Str("caller", inv.CallerName).Msg("missed call")
	})
}

// act performs the one-shot actions requested on the command line.
func (c *Client) act(ctx context.Context, api *booking.Client, mgr *calls.Manager) error {
	select {
	case <-mgr.Ready():
	case <-ctx.Done():
		return nil
	}

	roomID := c.opts.Room
	if c.opts.CreateRoom != "" {
		room, err := mgr.CreateRoom(ctx, calls.RoomParams{
			Name:            c.opts.CreateRoom,
			MaxParticipants: c.opts.RoomCapacity,
			IsPublic:        c.opts.RoomPublic,
			Password:        c.opts.RoomPassword,
		})
		if err != nil {
			return err
		}
		c.log.Info().Str("room_id", room.ID).Str("name", room.Name).Msg("room created")
		if roomID == "" {
			roomID = room.ID
		}
	}

	switch {
	case c.opts.Call != "":
		callee, err := api.LookupUser(ctx, c.opts.Call)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", c.opts.Call, err)
		}
		c.log.Info().Str("callee", callee.Username).Msg("calling")
		sess, err := mgr.Call(ctx, callee.ID, c.opts.CallType)
		if err != nil {
			return fmt.Errorf("call %s (%s): %w", c.opts.Call, calls.Code(err), err)
		}
		c.follow(ctx, sess)

	case roomID != "":
		sess, err := mgr.JoinRoom(ctx, roomID, c.opts.RoomPassword)
		if err != nil {
			return fmt.Errorf("join room %s (%s): %w", roomID, calls.Code(err), err)
		}
		c.follow(ctx, sess)
	}

	<-ctx.Done()
	return nil
}

// follow logs the session until it ends.
func (c *Client) follow(ctx context.Context, sess *calls.Session) {
	c.log.Info().Str("call_id", sess.CallID()).Str("kind", string(sess.Kind())).Msg("in call")
	go func() {
		select {
		case <-sess.Done():
			ev := c.log.Info().Str("call_id", sess.CallID())
			if err := sess.Err(); err != nil {
				ev = ev.Err(err).Str("code", calls.Code(err))
			}
			ev.Msg("call ended")
		case <-ctx.Done():
		}
	}()
}
