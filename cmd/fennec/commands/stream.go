package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/fennec-asr/fennec-go/pkg/audio/resampler"
	"github.com/fennec-asr/fennec-go/pkg/cli"
	"github.com/fennec-asr/fennec-go/pkg/fennec"
)

// streamFormat is what the streaming endpoint consumes.
var streamFormat = resampler.Format{SampleRate: 16000, Channels: 1}

var streamCmd = &cobra.Command{
	Use:   "stream [audio-file]",
	Short: "Realtime streaming transcription",
	Long: `Stream audio to the service and receive transcripts as the
audio plays out. Partial results update in place; finalized segments
are printed as they arrive.

Input is a WAV file, a raw PCM file (with --rate/--channels), or
stdin ("-"). Audio is converted to 16 kHz mono before streaming.

Examples:
  fennec -c myctx stream recording.wav
  fennec -c myctx stream recording.wav --live
  fennec -c myctx stream capture.pcm --rate 48000 --channels 2
  arecord -f S16_LE -r 16000 - | fennec -c myctx stream - --realtime`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStream,
}

func runStream(cmd *cobra.Command, args []string) error {
	cliCtx, err := getContext()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	audio, cleanup, err := openStreamInput(cmd, args)
	if err != nil {
		return err
	}
	defer cleanup()

	language, _ := cmd.Flags().GetString("language")
	if language == "" {
		language = cliCtx.Language
	}

	client := newClient(cliCtx)
	sess, err := client.Stream.Open(ctx, &fennec.StreamConfig{
		SampleRate: streamFormat.SampleRate,
		Channels:   streamFormat.Channels,
		Format:     "pcm_s16le",
		Language:   language,
	})
	if err != nil {
		return err
	}
	defer sess.Abort()

	printVerbose("Session %s open", sess.SessionID())

	chunkMS, _ := cmd.Flags().GetInt("chunk-ms")
	realtime, _ := cmd.Flags().GetBool("realtime")
	go feedAudio(ctx, sess, audio, chunkMS, realtime)

	live, _ := cmd.Flags().GetBool("live")
	var text string
	if live {
		text, err = consumeLive(sess)
	} else {
		text, err = consumePlain(sess)
	}
	if err != nil {
		return err
	}

	if outputJSON || outputFile != "" {
		return outputResult(map[string]any{"text": text, "session_id": sess.SessionID()})
	}
	return nil
}

// openStreamInput resolves the audio argument into a 16 kHz mono PCM
// reader.
func openStreamInput(cmd *cobra.Command, args []string) (io.Reader, func(), error) {
	var src io.Reader = os.Stdin
	cleanup := func() {}
	name := "-"
	if len(args) == 1 && args[0] != "-" {
		name = args[0]
		f, err := os.Open(name)
		if err != nil {
			return nil, nil, fmt.Errorf("open audio: %w", err)
		}
		src = f
		cleanup = func() { f.Close() }
	}

	rate, _ := cmd.Flags().GetInt("rate")
	channels, _ := cmd.Flags().GetInt("channels")
	format := resampler.Format{SampleRate: rate, Channels: channels}

	// WAV input carries its own format.
	if strings.EqualFold(filepath.Ext(name), ".wav") || looksLikeWAV(&src) {
		wavFormat, err := resampler.ReadWAVHeader(src)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		format = wavFormat
		printVerbose("WAV input: %d Hz, %d channel(s)", format.SampleRate, format.Channels)
	}

	if format == streamFormat {
		return src, cleanup, nil
	}
	converted, err := resampler.New(src, format, streamFormat)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	printVerbose("Converting %d Hz/%dch to %d Hz/%dch",
		format.SampleRate, format.Channels, streamFormat.SampleRate, streamFormat.Channels)
	return converted, cleanup, nil
}

// looksLikeWAV sniffs the RIFF magic without consuming it.
func looksLikeWAV(src *io.Reader) bool {
	br := bufio.NewReader(*src)
	*src = br
	magic, err := br.Peek(4)
	return err == nil && string(magic) == "RIFF"
}

// feedAudio submits fixed-duration chunks until the input ends, then
// finishes the session. With realtime pacing, chunks are released at
// the rate the audio plays.
func feedAudio(ctx context.Context, sess *fennec.StreamSession, audio io.Reader, chunkMS int, realtime bool) {
	chunkBytes := streamFormat.SampleRate * 2 * chunkMS / 1000
	buf := make([]byte, chunkBytes)

	var ticker *time.Ticker
	if realtime {
		ticker = time.NewTicker(time.Duration(chunkMS) * time.Millisecond)
		defer ticker.Stop()
	}

	for {
		n, readErr := io.ReadFull(audio, buf)
		if n > 0 {
			if err := sess.Submit(ctx, buf[:n]); err != nil {
				return
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				sess.Finish(ctx)
			} else {
				cli.PrintError("read audio: %v", readErr)
				sess.Abort()
			}
			return
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}
}

// consumePlain prints finals as lines, with partials overwritten in
// place on a terminal.
func consumePlain(sess *fennec.StreamSession) (string, error) {
	var finals []string
	partialShown := false
	clearPartial := func() {
		if partialShown {
			fmt.Print("\r\033[K")
			partialShown = false
		}
	}

	for ev, err := range sess.Events() {
		if err != nil {
			clearPartial()
			return strings.Join(finals, " "), err
		}
		switch ev.Type {
		case fennec.EventPartial:
			clearPartial()
			fmt.Print("\r\033[K" + ev.Text)
			partialShown = true
		case fennec.EventFinal:
			clearPartial()
			fmt.Println(ev.Text)
			finals = append(finals, ev.Text)
		case fennec.EventError:
			clearPartial()
			cli.PrintError("stream: %v", ev.Err)
		case fennec.EventSessionEnded:
			clearPartial()
			printVerbose("Session ended: %s", ev.Reason)
			if ev.Err != nil {
				return strings.Join(finals, " "), ev.Err
			}
		}
	}
	return strings.Join(finals, " "), nil
}

// consumeLive renders the transcript in a full-screen view that
// repaints as events arrive.
func consumeLive(sess *fennec.StreamSession) (string, error) {
	view := cli.NewTranscriptView("fennec stream")
	view.SetStatus("open")

	repaint := func() {
		fmt.Print("\033[H\033[2J" + view.Render(terminalSize()))
	}
	repaint()

	var endErr error
	for ev, err := range sess.Events() {
		if err != nil {
			endErr = err
			break
		}
		switch ev.Type {
		case fennec.EventPartial:
			view.SetPartial(ev.Text)
		case fennec.EventFinal:
			view.AddFinal(ev.Text)
		case fennec.EventError:
			view.SetStatus(fmt.Sprintf("error: %v", ev.Err))
		case fennec.EventSessionEnded:
			view.SetStatus("ended: " + ev.Reason)
			if ev.Err != nil {
				endErr = ev.Err
			}
		}
		repaint()
	}

	fmt.Println()
	return view.Text(), endErr
}

// terminalSize returns a usable view size, falling back to 80x24
// when stdout is not a terminal.
func terminalSize() (int, int) {
	width, height, err := term.GetSize(os.Stdout.Fd())
	if err != nil || width <= 0 || height <= 0 {
		return 80, 24
	}
	return width, height
}

func init() {
	streamCmd.Flags().Int("rate", 16000, "sample rate of raw PCM input")
	streamCmd.Flags().Int("channels", 1, "channel count of raw PCM input")
	streamCmd.Flags().Int("chunk-ms", 100, "audio chunk duration per frame")
	streamCmd.Flags().Bool("realtime", false, "pace audio at playback speed")
	streamCmd.Flags().Bool("live", false, "render a live full-screen transcript view")
	streamCmd.Flags().String("language", "", "language hint, e.g. en-US")
}
