package main

import (
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirecall/internal/app"
	"github.com/vovakirdan/wirecall/internal/config"
	wlog "github.com/vovakirdan/wirecall/internal/log"
	"github.com/vovakirdan/wirecall/internal/proto"
)

func newClientCmd(root *rootFlags) *cobra.Command {
	var (
		overrides config.Config
		opts      app.ClientOptions
		callType  string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a headless call client",
		Example: `  wirecall client --username alice --password secret --register --auto-answer
  wirecall client --username bob --password secret --call alice --type audio
  wirecall client --username carol --password secret --create-room standup --public`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			cfg.UpdateFrom(overrides)
			opts.CallType = proto.CallType(callType)

			logger := wlog.New(cfg.LogLevel)
			return app.NewClient(cfg.Client, opts, logger).Run(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringVar(&overrides.Client.ServerURL, "server", "", "server base URL")
	f.StringVar(&overrides.Client.Username, "username", "", "account username")
	f.StringVar(&overrides.Client.Password, "password", "", "account password")
	f.BoolVar(&opts.Register, "register", false, "create the account if it does not exist")

	f.StringVar(&opts.Call, "call", "", "username to call once connected")
	f.StringVar(&callType, "type", string(proto.CallTypeVideo), "call type (audio or video)")
	f.BoolVar(&opts.AutoAnswer, "auto-answer", false, "accept incoming calls")

	f.StringVar(&opts.CreateRoom, "create-room", "", "create a meeting room with this name and join it")
	f.IntVar(&opts.RoomCapacity, "capacity", 0, "meeting room capacity (0 uses the server default)")
	f.BoolVar(&opts.RoomPublic, "public", false, "create the room without a password")
	f.StringVar(&opts.Room, "room", "", "meeting room id to join")
	f.StringVar(&opts.RoomPassword, "room-password", "", "meeting room password")

	f.StringVar(&opts.Devices, "devices", app.DevicesSynthetic, "media backend (synthetic or system)")
	f.BoolVar(&opts.ShareSystemAudio, "system-audio", false, "include system audio in screen shares")
	return cmd
}
