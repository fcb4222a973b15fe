package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fennec-asr/fennec-go/pkg/cli"
	"github.com/fennec-asr/fennec-go/pkg/fennec"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe [audio-file]",
	Short: "Batch transcription of an audio file",
	Long: `Transcribe a complete audio file.

The audio comes from a local file argument, the --url flag, or a
request file given with -f.

Example request file (transcribe.yaml):
  audio_url: https://example.com/audio.mp3
  format: mp3
  language: en-US
  diarize: true
  punctuate: true

Examples:
  fennec -c myctx transcribe recording.wav
  fennec -c myctx transcribe --url https://example.com/audio.mp3
  fennec -c myctx transcribe -f transcribe.yaml --json

  # Long audio: submit an async task and wait for it
  fennec -c myctx transcribe recording.flac --task --wait`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := getContext()
		if err != nil {
			return err
		}

		req, err := buildTranscribeRequest(cmd, args, ctx)
		if err != nil {
			return err
		}

		client := newClient(ctx)
		asTask, _ := cmd.Flags().GetBool("task")
		if asTask {
			return runTranscribeTask(cmd, client, req)
		}

		printVerbose("Using context: %s", ctx.Name)
		started := time.Now()
		result, err := client.Batch.Transcribe(cmd.Context(), req)
		if err != nil {
			return err
		}
		printVerbose("Transcribed in %s (audio %s)",
			time.Since(started).Round(time.Millisecond), cli.FormatDuration(result.DurationMS))

		return outputResult(result)
	},
}

// buildTranscribeRequest assembles the request from the request file,
// flags, and the audio file argument, in that order of precedence.
func buildTranscribeRequest(cmd *cobra.Command, args []string, cliCtx *cli.Context) (*fennec.TranscribeRequest, error) {
	req := &fennec.TranscribeRequest{}
	if inputFile != "" {
		if err := cli.LoadRequest(inputFile, req); err != nil {
			return nil, err
		}
	}

	if url, _ := cmd.Flags().GetString("url"); url != "" {
		req.AudioURL = url
	}
	if lang, _ := cmd.Flags().GetString("language"); lang != "" {
		req.Language = lang
	}
	if req.Language == "" {
		req.Language = cliCtx.Language
	}
	if diarize, _ := cmd.Flags().GetBool("diarize"); diarize {
		req.Diarize = true
	}
	if punctuate, _ := cmd.Flags().GetBool("punctuate"); punctuate {
		req.Punctuate = true
	}

	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
		req.Audio = data
		if req.Format == "" {
			req.Format = formatFromPath(args[0])
		}
		printVerbose("Audio: %s (%s)", args[0], cli.FormatBytes(int64(len(data))))
	}

	if req.AudioURL == "" && req.Audio == nil {
		return nil, fmt.Errorf("no audio source: pass a file argument, --url, or audio_url in -f")
	}
	return req, nil
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "mp3"
	case ".flac":
		return "flac"
	case ".pcm", ".raw":
		return "pcm_s16le"
	default:
		return "wav"
	}
}

// runTranscribeTask submits an async task, optionally polling until
// it finishes.
func runTranscribeTask(cmd *cobra.Command, client *fennec.Client, req *fennec.TranscribeRequest) error {
	task, err := client.Batch.SubmitTask(cmd.Context(), req)
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		return outputResult(task)
	}

	printVerbose("Task %s submitted, polling", task.ID)
	interval, _ := cmd.Flags().GetDuration("poll-interval")
	for task.Status == fennec.TaskPending || task.Status == fennec.TaskProcessing {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(interval):
		}
		task, err = client.Batch.QueryTask(cmd.Context(), task.ID)
		if err != nil {
			return err
		}
		printVerbose("Task %s: %s", task.ID, task.Status)
	}

	if task.Status == fennec.TaskFailed {
		return fmt.Errorf("task %s failed: %s", task.ID, task.Error)
	}
	return outputResult(task.Result)
}

func init() {
	transcribeCmd.Flags().String("url", "", "transcribe audio at this URL instead of a local file")
	transcribeCmd.Flags().String("language", "", "language hint, e.g. en-US")
	transcribeCmd.Flags().Bool("diarize", false, "enable speaker separation")
	transcribeCmd.Flags().Bool("punctuate", false, "enable automatic punctuation")
	transcribeCmd.Flags().Bool("task", false, "submit an async task instead of waiting inline")
	transcribeCmd.Flags().Bool("wait", false, "poll the async task until it completes")
	transcribeCmd.Flags().Duration("poll-interval", 2*time.Second, "async task polling interval")
}
