package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/audio"
	"github.com/bigmoletos/whisper-sub001/internal/bus"
	"github.com/bigmoletos/whisper-sub001/internal/config"
	"github.com/bigmoletos/whisper-sub001/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	sendCmd := flag.NewFlagSet("send", flag.ExitOnError)
	var (
		filePath  = sendCmd.String("file", "", "Path to WAV file to stream")
		sessionID = sendCmd.String("session", "", "Target session id")
		servers   = sendCmd.String("servers", "nats://localhost:4222", "Comma separated NATS server URLs")
		frameMS   = sendCmd.Int("frame-ms", 100, "Frame duration in milliseconds")
		realtime  = sendCmd.Bool("realtime", true, "Pace frames at capture speed")
		final     = sendCmd.Bool("final", true, "Mark the last frame final so the session stops")
	)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'send' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "send":
		sendCmd.Parse(os.Args[2:])
		if *filePath == "" || *sessionID == "" {
			fmt.Fprintln(os.Stderr, "both -file and -session are required")
			os.Exit(2)
		}
		if err := runSend(*filePath, *sessionID, *servers, *frameMS, *realtime, *final); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runSend(path, sessionID, servers string, frameMS int, realtime, final bool) error {
	if frameMS <= 0 {
		return fmt.Errorf("frame duration must be positive")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	samples, rate, err := audio.DecodeWAV(f)
	f.Close()
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return fmt.Errorf("%s holds no audio", path)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        strings.Split(servers, ","),
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	subject := protocol.AudioFrameSubject(sessionID)
	frameSamples := rate * frameMS / 1000
	if frameSamples < 1 {
		frameSamples = 1
	}

	var ticker *time.Ticker
	if realtime {
		ticker = time.NewTicker(time.Duration(frameMS) * time.Millisecond)
		defer ticker.Stop()
	}

	var seq uint64
	for off := 0; off < len(samples); off += frameSamples {
		end := off + frameSamples
		if end > len(samples) {
			end = len(samples)
		}
		frame := protocol.AudioFrame{
			SessionID:  sessionID,
			Seq:        seq,
			SampleRate: rate,
			Channels:   1,
			PCM:        audio.PCM16FromFloat32(samples[off:end]),
			Final:      final && end == len(samples),
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("encode frame %d: %w", seq, err)
		}
		if err := client.Conn().Publish(subject, payload); err != nil {
			return fmt.Errorf("publish frame %d: %w", seq, err)
		}
		seq++
		if ticker != nil && end < len(samples) {
			<-ticker.C
		}
	}
	if err := client.Conn().Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Printf("sent %d frames (%.1fs of audio) to %s\n", seq, float64(len(samples))/float64(rate), subject)
	return nil
}
