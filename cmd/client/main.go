// Command miragekit-client receives one host's video/audio UDP streams,
// reassembles frames, and drives the client-side stream controller and
// presentation ring buffer. Decoding and rendering are out of scope (an
// external decoder/presenter is expected to consume the ring buffer and
// call back into the controller); this binary wires the receive path end
// to end and logs what it would otherwise hand to that decoder.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/miragekit/streamcore/audio"
	"github.com/miragekit/streamcore/bufpool"
	"github.com/miragekit/streamcore/clientstream"
	"github.com/miragekit/streamcore/control"
	"github.com/miragekit/streamcore/presentation"
	"github.com/miragekit/streamcore/protocol"
	"github.com/miragekit/streamcore/reassembler"
	"github.com/miragekit/streamcore/telemetry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagConfigPath    string
	flagVideoAddr     string
	flagAudioAddr     string
	flagHostVideoAddr string
	flagControlURL    string
	flagLatencyMode   string
)

func main() {
	root := &cobra.Command{
		Use:   "miragekit-client",
		Short: "Receives one MirageKit host's video/audio streams",
		RunE:  runClient,
	}
	root.Flags().StringVar(&flagConfigPath, "config", "", "path to a YAML/JSON config file (env MIRAGEKIT_* also honored)")
	root.Flags().StringVar(&flagVideoAddr, "video-listen", ":0", "local UDP address to bind for video")
	root.Flags().StringVar(&flagAudioAddr, "audio-listen", ":0", "local UDP address to bind for audio")
	root.Flags().StringVar(&flagHostVideoAddr, "host-addr", "", "host's video UDP address, e.g. 192.168.1.50:9000")
	root.Flags().StringVar(&flagControlURL, "control-url", "", "host's control websocket URL, e.g. ws://192.168.1.50:9001/control")
	root.Flags().StringVar(&flagLatencyMode, "latency-mode", "auto", "smoothest | auto | lowestLatency")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := telemetry.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := telemetry.WithComponent(telemetry.NewLogger(cfg.Logging), "client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Str("event", "client.shutdown_signal").Msg("shutting down")
		cancel()
	}()

	videoConn, err := net.ListenUDP("udp4", mustResolveUDP(flagVideoAddr))
	if err != nil {
		return fmt.Errorf("listen video udp: %w", err)
	}
	defer videoConn.Close()

	audioConn, err := net.ListenUDP("udp4", mustResolveUDP(flagAudioAddr))
	if err != nil {
		return fmt.Errorf("listen audio udp: %w", err)
	}
	defer audioConn.Close()

	var ring presentation.RingBuffer
	mode := parseLatencyMode(flagLatencyMode)

	pool := bufpool.New(64)
	sink := reassembler.FrameSinkFunc(func(streamID uint32, frameBytes []byte, isKeyframe bool, timestamp uint64, rect protocol.Rect, release func()) {
		ring.Push(presentation.Frame{Data: frameBytes, Sequence: timestamp, Release: release})
	})
	reasm := reassembler.New(reassembler.Config{
		KeyframeTimeout:  cfg.Recovery.KeyframeTimeout,
		PFrameTimeout:    cfg.Recovery.PFrameTimeout,
		MaxPendingFrames: cfg.Queue.MaxPendingFrames,
	}, pool, sink, log)

	var controller *clientstream.Controller
	var controlCh *control.ClientChannel
	if flagControlURL != "" {
		wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, flagControlURL, nil)
		if err != nil {
			return fmt.Errorf("dial control websocket: %w", err)
		}
		observer := control.StreamMetricsObserverFunc(func(payload control.StreamMetricsPayload) {
			log.Debug().Str("event", "client.stream_metrics").Uint64("framesDelivered", payload.FramesDelivered).Msg("received host stream metrics")
		})
		controlCh = control.NewClientChannel(control.NewChannel(wsConn, log), observer, log)
		go controlCh.ReadLoop(ctx)
		defer controlCh.Close()
	}
	controller = clientstream.New(cfg.Queue.Capacity, recoveryRequesterOrNop(controlCh), reasm, log)
	defer controller.Stop()

	if flagHostVideoAddr != "" {
		if err := registerWithHost(videoConn, flagHostVideoAddr); err != nil {
			log.Warn().Err(err).Str("event", "client.registration_failed").Msg("failed to send registration datagram")
		}
	}

	audioReceiver := audio.NewReceiver(
		audio.AccessUnitSinkFunc(func(data []byte, header protocol.AudioHeader) {
			log.Debug().Str("event", "client.audio_access_unit").Uint32("sequence", header.SequenceNumber).Int("bytes", len(data)).Msg("audio access unit ready")
		}),
		func(reason string) {
			log.Warn().Str("event", "client.audio_desync").Str("reason", reason).Msg("audio stream desynced")
		},
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return videoReceiveLoop(groupCtx, videoConn, reasm, controller, log) })
	group.Go(func() error { return audioReceiveLoop(groupCtx, audioConn, audioReceiver, log) })
	group.Go(func() error { return presentationSampleLoop(groupCtx, &ring, controller, mode) })

	return group.Wait()
}

func videoReceiveLoop(ctx context.Context, conn *net.UDPConn, reasm *reassembler.Reassembler, controller *clientstream.Controller, log zerolog.Logger) error {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			continue
		}
		header, payloadOffset, ok := protocol.UnmarshalVideoHeader(buf[:n])
		if !ok {
			continue // malformed packet, noise filter per spec.md §7
		}
		reasm.ProcessPacket(buf[payloadOffset:n], header)
	}
}

func audioReceiveLoop(ctx context.Context, conn *net.UDPConn, receiver *audio.Receiver, log zerolog.Logger) error {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			continue
		}
		header, payloadOffset, ok := protocol.UnmarshalAudioHeader(buf[:n])
		if !ok {
			continue
		}
		receiver.ProcessPacket(buf[payloadOffset:n], header)
	}
}

// presentationSampleLoop periodically selects the next frame to present
// from the ring buffer at a cadence matching the freeze monitor's 500ms
// sampling window, logging in place of handing the frame to a renderer.
func presentationSampleLoop(ctx context.Context, ring *presentation.RingBuffer, controller *clientstream.Controller, mode presentation.LatencyMode) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var lastSequence uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			health := presentation.ClassifyDecodeHealth(59, 60)
			frame, ok := ring.Select(mode, false, health)
			if !ok {
				continue
			}
			progressed := frame.Sequence != lastSequence
			lastSequence = frame.Sequence
			controller.SamplePresentationProgress(time.Now(), frame.Sequence, progressed)
			if frame.Release != nil {
				frame.Release()
			}
		}
	}
}

func registerWithHost(conn *net.UDPConn, hostAddr string) error {
	addr, err := net.ResolveUDPAddr("udp4", hostAddr)
	if err != nil {
		return err
	}
	reg := protocol.Registration{DeviceID: uuid.New()}
	buf := make([]byte, protocol.RegistrationHeaderSize+2+len(reg.Token))
	n, err := reg.Marshal(buf)
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(buf[:n], addr)
	return err
}

func recoveryRequesterOrNop(ch *control.ClientChannel) clientstream.RecoveryRequester {
	if ch != nil {
		return ch
	}
	return nopRecoveryRequester{}
}

type nopRecoveryRequester struct{}

func (nopRecoveryRequester) RequestSoftRecovery(reason string) {}
func (nopRecoveryRequester) RequestHardRecovery(reason string) {}

func mustResolveUDP(addr string) *net.UDPAddr {
	resolved, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		resolved = &net.UDPAddr{Port: 0}
	}
	return resolved
}

func parseLatencyMode(s string) presentation.LatencyMode {
	switch strings.ToLower(s) {
	case "smoothest":
		return presentation.LatencyModeSmoothest
	case "lowestlatency":
		return presentation.LatencyModeLowestLatency
	default:
		return presentation.LatencyModeAuto
	}
}
