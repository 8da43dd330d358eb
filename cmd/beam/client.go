package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/zsiec/beam/internal/client"
	"github.com/zsiec/beam/internal/decode"
	"github.com/zsiec/beam/internal/packetizer"
	"github.com/zsiec/beam/internal/synthetic"
)

type clientOptions struct {
	root        *rootOptions
	fingerprint string
	name        string
}

func newClientCommand(root *rootOptions) *cobra.Command {
	opts := &clientOptions{root: root}

	cmd := &cobra.Command{
		Use:   "client [host:port]",
		Short: "Connect to a host and render its stream",
		Example: `  beam client 192.168.1.20:7400
  beam client 192.168.1.20:7400 --fingerprint 9f:86:d0:81:...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := ""
			if len(args) == 1 {
				addr = args[0]
			}
			return runClient(cmd.Context(), opts, addr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.fingerprint, "fingerprint", "", "Pin the host certificate SHA-256 (hex or base64)")
	flags.StringVar(&opts.name, "name", "", "Device name shown on the host")
	return cmd
}

func runClient(ctx context.Context, opts *clientOptions, addr string) error {
	cc := opts.root.cfg.Client
	if addr != "" {
		cc.Host = addr
	}
	if opts.fingerprint != "" {
		cc.Fingerprint = opts.fingerprint
	}
	if opts.name != "" {
		cc.DeviceName = opts.name
	}

	fp, err := cc.PinnedFingerprint()
	if err != nil {
		return err
	}
	if fp == [32]byte{} {
		slog.Warn("no host fingerprint configured, trusting first certificate")
	}
	deviceID, err := cc.ResolveDeviceID()
	if err != nil {
		return err
	}

	cache := decode.NewFrameCache()
	display := &synthetic.Display{Cache: cache}
	var audioPackets atomic.Uint64

	c, err := client.New(client.Config{
		HostAddr:     cc.Host,
		DeviceID:     deviceID,
		DeviceName:   cc.DeviceName,
		Fingerprint:  fp,
		Decoder:      &synthetic.Decoder{},
		Display:      display,
		Cache:        cache,
		FrameTimeout: cc.FrameTimeout,
		OnAudio: func(*packetizer.AudioPacket) {
			audioPackets.Add(1)
		},
	})
	if err != nil {
		return err
	}

	slog.Info("beam client connecting", "version", version, "host", cc.Host, "device", deviceID)
	err = c.Run(ctx)

	st := c.Stats()
	slog.Info("beam client stopped",
		"frames", st.Reassembly.FramesDelivered,
		"decoded", st.Decode.Decoded,
		"draws", display.Draws(),
		"audioPackets", audioPackets.Load(),
	)
	if errors.Is(err, client.ErrHostClosed) {
		return nil
	}
	return err
}
