package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/beam/internal/certs"
	"github.com/zsiec/beam/internal/host"
	"github.com/zsiec/beam/internal/status"
	"github.com/zsiec/beam/internal/synthetic"
)

type hostOptions struct {
	root      *rootOptions
	control   string
	media     string
	status    string
	transport string
	noAudio   bool
}

func newHostCommand(root *rootOptions) *cobra.Command {
	opts := &hostOptions{root: root}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Capture and stream to connecting clients",
		Example: `  beam host
  beam host --transport srt --status 127.0.0.1:7480`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.control, "control", "", "Control listen address (overrides host.control_addr)")
	flags.StringVar(&opts.media, "media", "", "Media listen address (overrides host.media_addr)")
	flags.StringVar(&opts.status, "status", "", "Status API address, \"off\" to disable (overrides host.status_addr)")
	flags.StringVar(&opts.transport, "transport", "", "Media transport: udp or srt (overrides host.transport)")
	flags.BoolVar(&opts.noAudio, "no-audio", false, "Disable the audio stream")
	return cmd
}

func runHost(ctx context.Context, opts *hostOptions) error {
	hc := opts.root.cfg.Host
	if opts.control != "" {
		hc.ControlAddr = opts.control
	}
	if opts.media != "" {
		hc.MediaAddr = opts.media
	}
	if opts.status != "" {
		hc.StatusAddr = opts.status
	}
	if opts.transport != "" {
		hc.Transport = opts.transport
	}
	if opts.noAudio {
		hc.Audio = false
	}

	settings, err := hc.CaptureSettings()
	if err != nil {
		return err
	}
	tr, err := hc.MediaTransport()
	if err != nil {
		return err
	}

	cert, err := certs.LoadOrGenerate(hc.CertDir, hc.CertValidity)
	if err != nil {
		return err
	}
	slog.Info("host certificate",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	cfg := host.Config{
		ControlAddr:   hc.ControlAddr,
		MediaAddr:     hc.MediaAddr,
		Transport:     tr,
		Certificate:   cert.TLSCert,
		Capture:       settings,
		Sources:       &synthetic.PatternFactory{},
		Encoder:       &synthetic.Encoder{GOP: hc.GOP},
		MaxPacketSize: hc.MaxPacketSize,
		MaxClients:    hc.MaxClients,
	}
	if hc.Audio {
		cfg.Audio = synthetic.NewTone(440)
	}
	h, err := host.New(cfg)
	if err != nil {
		return err
	}

	slog.Info("beam host starting",
		"version", version,
		"control", hc.ControlAddr,
		"media", hc.MediaAddr,
		"transport", tr,
		"status", hc.StatusAddr,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.Run(ctx)
	})
	if hc.StatusAddr != "" && hc.StatusAddr != "off" {
		srv, err := status.NewServer(status.ServerConfig{
			Addr:     hc.StatusAddr,
			Provider: h,
			Cert:     cert,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("beam host stopped")
	return nil
}
