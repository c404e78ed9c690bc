// Command ws_smoke checks a running server end to end: it signs two
// throwaway accounts in, books a private call and passes an invitation and
// its answer through the relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/booking"
	"github.com/vovakirdan/wirecall/internal/proto"
	"github.com/vovakirdan/wirecall/internal/signaling"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

type account struct {
	id  *booking.Identity
	api *booking.Client
	ch  *signaling.Channel
}

func run() error {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := zerolog.Nop()
	anon := booking.New(*server, nil)
	suffix := gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 8)

	signUp := func(name string) (*account, func(), error) {
		id, err := anon.Register(ctx, name+"_"+suffix, "smoke-password")
		if err != nil {
			return nil, nil, fmt.Errorf("register %s: %w", name, err)
		}
		ch := signaling.New(signaling.Options{
			Dialer: signaling.WSDialer{ServerURL: *server},
			Token:  id.Token,
		}, &logger)
		release, err := ch.Acquire(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("connect %s: %w", name, err)
		}
		fmt.Printf("Connected: user=%s id=%d client=%s\n", id.Username, id.UserID, ch.Identity().ClientID)
		return &account{id: id, api: anon.WithToken(id.Token), ch: ch}, release, nil
	}

	caller, releaseCaller, err := signUp("caller")
	if err != nil {
		return err
	}
	defer releaseCaller()
	callee, releaseCallee, err := signUp("callee")
	if err != nil {
		return err
	}
	defer releaseCallee()

	invitations := callee.ch.Subscribe(proto.TypeInvitation)
	defer invitations.Close()
	responses := caller.ch.Subscribe(proto.TypeResponse, proto.TypeError)
	defer responses.Close()

	call, err := caller.api.CreateCall(ctx, booking.CreateCallRequest{
		Kind:     "private",
		CallType: string(proto.CallTypeAudio),
		Invitees: []int64{callee.id.UserID},
	})
	if err != nil {
		return fmt.Errorf("book call: %w", err)
	}
	defer func() {
		if err := caller.api.EndCall(context.Background(), call.ID); err != nil {
			log.Printf("ws_smoke: end call: %v", err)
		}
	}()

	err = caller.ch.Send(ctx, &proto.Invite{
		CallID:      call.ID,
		CalleeID:    callee.id.UserID,
		CallType:    proto.CallTypeAudio,
		ChannelName: call.ChannelName,
	})
	if err != nil {
		return err
	}

	ev, err := next(ctx, invitations)
	if err != nil {
		return fmt.Errorf("wait for invitation: %w", err)
	}
	inv := ev.(*proto.Invitation)
	fmt.Printf("Invitation: call=%s from=%s type=%s\n", inv.CallID, inv.CallerName, inv.CallType)

	err = callee.ch.Send(ctx, &proto.Respond{
		CallID:   inv.CallID,
		CallerID: inv.CallerID,
		Answer:   proto.AnswerDeclined,
		Reason:   "smoke test",
	})
	if err != nil {
		return err
	}

	ev, err = next(ctx, responses)
	if err != nil {
		return fmt.Errorf("wait for response: %w", err)
	}
	switch e := ev.(type) {
	case *proto.Response:
		fmt.Printf("Response: call=%s answer=%s reason=%q\n", e.CallID, e.Answer, e.Reason)
		return nil
	case *proto.Failure:
		return fmt.Errorf("relay error: %w", e)
	default:
		return fmt.Errorf("unexpected event %s", ev.Kind())
	}
}

func next(ctx context.Context, sub *signaling.Subscription) (proto.Event, error) {
	select {
	case ev, ok := <-sub.C:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
