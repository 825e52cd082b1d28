// Headless cliprelay client: joins a room and pipes payloads over
// stdin/stdout. The OS clipboard integrations build on the same
// pkg/protocol surface this command exercises.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cliprelay/internal/logx"
	"cliprelay/pkg/protocol"
	"cliprelay/pkg/wire"
)

var (
	flagURL      string
	flagRoom     string
	flagName     string
	flagLogLevel string
	flagSaveDir  string
	flagText     string
	flagFile     string
)

func main() {
	root := &cobra.Command{
		Use:           "cliprelay",
		Short:         "encrypted clipboard relay client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagURL, "url", "ws://127.0.0.1:8080/ws", "relay WebSocket endpoint")
	root.PersistentFlags().StringVar(&flagRoom, "room", "", "room code (shared secret, required)")
	root.PersistentFlags().StringVar(&flagName, "name", hostname(), "device name shown to peers")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "off|error|warn|info|debug|trace")

	listen := &cobra.Command{
		Use:   "listen",
		Short: "print incoming payloads until interrupted",
		RunE:  runListen,
	}
	listen.Flags().StringVar(&flagSaveDir, "save-dir", "", "directory to write received files into")

	send := &cobra.Command{
		Use:   "send",
		Short: "send text (flag or stdin) or a file, then exit",
		RunE:  runSend,
	}
	send.Flags().StringVar(&flagText, "text", "", "text to send; empty reads stdin")
	send.Flags().StringVar(&flagFile, "file", "", "path of a file to send")

	root.AddCommand(listen, send)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cliprelay:", err)
		os.Exit(1)
	}
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "cliprelay"
}

func sleepBackoff(attempt int) {
	d := 500 * time.Millisecond
	for i := 0; i < attempt && d < 5*time.Second; i++ {
		d *= 2
	}
	time.Sleep(d)
}

func clientConfig() (protocol.Config, error) {
	if flagRoom == "" {
		return protocol.Config{}, errors.New("--room is required")
	}
	logs, err := logx.New("", flagLogLevel)
	if err != nil {
		return protocol.Config{}, err
	}
	return protocol.Config{
		URL:        flagURL,
		RoomCode:   flagRoom,
		DeviceName: flagName,
		Log:        logs.GetLogger("client"),
	}, nil
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := clientConfig()
	if err != nil {
		return err
	}
	assembler := protocol.NewAssembler()

	cfg.OnStatus = func(s protocol.Status) {
		fmt.Fprintln(os.Stderr, "status:", s)
	}
	cfg.OnPayload = func(sender wire.DeviceID, mime string, plaintext []byte) {
		switch mime {
		case protocol.MimeTextPlain:
			fmt.Printf("[from %s] %s\n", sender, plaintext)
		case protocol.MimeFileChunk:
			file, err := assembler.Add(plaintext)
			if err != nil {
				fmt.Fprintln(os.Stderr, "bad file chunk:", err)
				return
			}
			if file == nil {
				return
			}
			if flagSaveDir == "" {
				fmt.Printf("[from %s] file %q (%d bytes), pass --save-dir to keep it\n", sender, file.Name, len(file.Data))
				return
			}
			path := filepath.Join(flagSaveDir, filepath.Base(file.Name))
			if err := os.WriteFile(path, file.Data, 0o600); err != nil {
				fmt.Fprintln(os.Stderr, "save file:", err)
				return
			}
			fmt.Printf("[from %s] saved %s (%d bytes)\n", sender, path, len(file.Data))
		default:
			fmt.Printf("[from %s] %s (%d bytes)\n", sender, mime, len(plaintext))
		}
	}

	for attempt := 0; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		client, err := protocol.Dial(dialCtx, cfg)
		cancel()
		if err != nil {
			fmt.Fprintln(os.Stderr, "connect failed:", err)
			sleepBackoff(attempt)
			continue
		}
		attempt = 0
		fmt.Fprintf(os.Stderr, "connected to %s as %s\n", flagURL, client.DeviceID())

		err = client.Run(cmd.Context())
		if errors.Is(err, protocol.ErrRejected) || cmd.Context().Err() != nil {
			return err
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "connection lost:", err)
		}
		sleepBackoff(attempt)
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := clientConfig()
	if err != nil {
		return err
	}

	keyReady := make(chan struct{}, 1)
	cfg.OnStatus = func(s protocol.Status) {
		if s == protocol.StatusConnectedKeyReady {
			select {
			case keyReady <- struct{}{}:
			default:
			}
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client, err := protocol.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()
	defer client.Close()

	select {
	case <-keyReady:
	case err := <-runDone:
		return fmt.Errorf("no room key: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	if flagFile != "" {
		data, err := os.ReadFile(flagFile)
		if err != nil {
			return err
		}
		if err := client.SubmitFile(ctx, filepath.Base(flagFile), data); err != nil {
			return err
		}
		fmt.Printf("sent file %s (%d bytes)\n", flagFile, len(data))
		return nil
	}

	text := flagText
	if text == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(string(b))
	}
	if text == "" {
		return errors.New("provide --text, --file, or pipe stdin")
	}
	if err := client.SubmitText(ctx, text); err != nil {
		return err
	}
	fmt.Println("sent")
	return nil
}
