// Command miragekit-host streams an H.264 Annex B source (piped in on
// stdin, e.g. from an encoder process) to one registered client over
// UDP: epoch/CRC/dimension-token framing, optional AEAD encryption,
// host-side keyframe recovery and auto-recovery hysteresis, and a
// control channel carrying keyframeRequest/streamMetrics.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miragekit/streamcore/control"
	"github.com/miragekit/streamcore/h264"
	"github.com/miragekit/streamcore/hoststream"
	"github.com/miragekit/streamcore/packetizer"
	"github.com/miragekit/streamcore/protocol"
	"github.com/miragekit/streamcore/quality"
	"github.com/miragekit/streamcore/telemetry"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagConfigPath  string
	flagUDPAddr     string
	flagControlAddr string
	flagStreamID    uint32
	flagLatencyMode string
)

func main() {
	root := &cobra.Command{
		Use:   "miragekit-host",
		Short: "Streams an H.264 Annex B source to one registered MirageKit client",
		RunE:  runHost,
	}
	root.Flags().StringVar(&flagConfigPath, "config", "", "path to a YAML/JSON config file (env MIRAGEKIT_* also honored)")
	root.Flags().StringVar(&flagUDPAddr, "udp-listen", ":9000", "UDP address to bind for video/audio")
	root.Flags().StringVar(&flagControlAddr, "control-listen", ":9001", "HTTP address serving the /control websocket and /metrics")
	root.Flags().Uint32Var(&flagStreamID, "stream-id", 1, "stream identifier carried in every fragment header")
	root.Flags().StringVar(&flagLatencyMode, "latency-mode", "auto", "smoothest | auto | lowestLatency")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg, err := telemetry.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := telemetry.WithComponent(telemetry.NewLogger(cfg.Logging), "host")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Str("event", "host.shutdown_signal").Msg("shutting down")
		cancel()
	}()

	conn, err := net.ListenUDP("udp4", mustResolveUDP(flagUDPAddr))
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer conn.Close()

	mode := parseLatencyMode(flagLatencyMode)
	encoderConfig := hoststream.EncoderConfig{
		Codec:             "h264",
		TargetFrameRate:   60,
		KeyFrameInterval:  120,
		BitDepth:          8,
		ColorSpace:        "bt709",
		PixelFormat:       "nv12",
		BitrateBps:        6_000_000,
		FrameQuality:      0.85,
		KeyframeQuality:   0.95,
		CaptureQueueDepth: 4,
	}
	stream := hoststream.New(encoderConfig, mode, 2)

	pcfg := packetizer.Config{MaxPacketSize: cfg.Network.MaxPacketSize, StreamID: flagStreamID, PaceInterval: 200 * time.Microsecond}
	pk := packetizer.New(pcfg, nil) // nil AEAD: encryption wiring is left to callers holding the session key
	sender := packetizer.NewSender(conn, nil, pk)
	recoveryIDs := telemetry.NewRecoveryIDSource()
	sender.OnSendFailureEscalation = func() {
		id := recoveryIDs.New(time.Now())
		log.Warn().Str("event", "host.send_failure_escalation").Str("recoveryId", id).Msg("send failures crossed threshold, requesting keyframe")
		stream.RequestKeyframe(time.Now(), "send-failure-escalation")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("event", "host.control_upgrade_failed").Msg("control websocket upgrade failed")
			return
		}
		observer := control.KeyframeRequestObserverFunc(func(reason, kind string) {
			log.Info().Str("event", "host.keyframe_requested").Str("reason", reason).Str("kind", kind).Msg("client requested recovery keyframe")
			stream.RequestKeyframe(time.Now(), "client:"+kind+":"+reason)
		})
		hostChannel := control.NewHostChannel(control.NewChannel(wsConn, log), observer, log)
		go hostChannel.ReadLoop(ctx)
		go hostChannel.RunMetricsLoop(ctx, control.MetricsSourceFunc(func() control.StreamMetricsPayload {
			st := sender.Stats()
			return control.StreamMetricsPayload{
				StreamID:           fmt.Sprintf("%d", flagStreamID),
				FramesDelivered:    st.FramesSent,
				FramesDropped:      st.SendErrors,
				AutoRecoveryActive: stream.AutoRecoveryActive(),
				InFlightFrames:     stream.InFlightFrames(),
			}
		}), time.Second)
	})
	httpServer := &http.Server{Addr: flagControlAddr, Handler: mux}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return streamStdin(groupCtx, stream, sender, pk, log)
	})
	group.Go(func() error {
		return registrationLoop(groupCtx, conn, sender, log)
	})
	group.Go(func() error {
		return pressureSamplingLoop(groupCtx, stream, encoderConfig, log)
	})

	return group.Wait()
}

// streamStdin reads Annex B H.264 from stdin and sends each access unit
// through the full stream/packetizer/admission stack.
func streamStdin(ctx context.Context, stream *hoststream.Context, sender *packetizer.Sender, pk *packetizer.Packetizer, log zerolog.Logger) error {
	reader := h264.NewReader(bufio.NewReaderSize(os.Stdin, 64*1024))
	startTime := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		au, err := reader.ReadAccessUnit()
		if err != nil {
			if err == io.EOF {
				log.Info().Str("event", "host.stream_eof").Msg("input stream ended")
				return nil
			}
			log.Warn().Err(err).Str("event", "host.read_error").Msg("failed to read access unit")
			continue
		}

		now := time.Now()
		limit := stream.MaxInFlightFrames(now)
		if !stream.ReserveEncoderSlot(limit) {
			continue // over budget this window; drop rather than buffer unbounded
		}

		pau := au.ToPacketizerAccessUnit(startTime)
		if active, reset, _, _ := stream.PendingRecovery(); active && reset && pau.IsKeyframe {
			pk.ResetEpoch() // hard recovery: the recovery keyframe opens a new epoch
		}
		if err := sender.SendAccessUnit(pau); err != nil {
			log.Warn().Err(err).Str("event", "host.send_error").Msg("failed to send access unit")
		}
		stream.ReleaseEncoderSlot()

		if active, _, _, reason := stream.PendingRecovery(); active && pau.IsKeyframe {
			stream.AcknowledgeKeyframeDelivered()
			log.Debug().Str("event", "host.recovery_keyframe_delivered").Str("reason", reason).Msg("recovery keyframe delivered")
		}
	}
}

// registrationLoop waits for a client's UDP registration datagram
// (spec.md §6.3) and binds the sender's peer address to it, so video
// sends have somewhere to go.
func registrationLoop(ctx context.Context, conn *net.UDPConn, sender *packetizer.Sender, log zerolog.Logger) error {
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			continue
		}
		if _, ok := protocol.UnmarshalRegistration(buf[:n]); ok {
			log.Info().Str("event", "host.client_registered").Str("addr", addr.String()).Msg("client registered")
			sender.SetPeerAddr(addr)
		}
	}
}

// pressureSamplingLoop samples host CPU load every two seconds and feeds
// it through quality.DerivedQualities to compute the candidate frame
// quality for current runtime pressure (spec.md §4.5), then clamps it
// through the stream's auto-recovery/typing-burst ceilings so the
// logged "active quality" reflects what an encoder on this host would
// actually be told to target right now.
func pressureSamplingLoop(ctx context.Context, stream *hoststream.Context, enc hoststream.EncoderConfig, log zerolog.Logger) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(percents) == 0 {
				continue
			}
			candidate, keyframeCandidate := quality.DerivedQualities(enc.BitrateBps, 1920, 1080, enc.TargetFrameRate, quality.Pressure{CPUPercent: percents[0]})
			active := stream.ActiveQuality(time.Now(), candidate)
			log.Debug().
				Str("event", "host.quality_pressure_sample").
				Float64("cpuPercent", percents[0]).
				Float64("candidateFrameQuality", candidate).
				Float64("candidateKeyframeQuality", keyframeCandidate).
				Float64("activeFrameQuality", active).
				Msg("sampled runtime pressure")
		}
	}
}

func mustResolveUDP(addr string) *net.UDPAddr {
	resolved, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		resolved = &net.UDPAddr{Port: 9000}
	}
	return resolved
}

func parseLatencyMode(s string) hoststream.LatencyMode {
	switch s {
	case "smoothest":
		return hoststream.LatencyModeSmoothest
	case "lowestLatency":
		return hoststream.LatencyModeLowestLatency
	default:
		return hoststream.LatencyModeAuto
	}
}
