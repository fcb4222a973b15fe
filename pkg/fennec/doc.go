// Package fennec is the Go client SDK for the Fennec hosted
// automatic-speech-recognition service.
//
// The client exposes two transcription paths:
//
//   - client.Batch: whole-file transcription over HTTP, synchronous
//     or as polled async tasks
//   - client.Stream: realtime streaming transcription over a
//     persistent connection
//
// # Quick start
//
// Create a client with your API key:
//
//	client := fennec.NewClient(os.Getenv("FENNEC_API_KEY"))
//
// Batch transcription:
//
//	result, err := client.Batch.Transcribe(ctx, &fennec.TranscribeRequest{
//	    AudioURL: "https://example.com/audio.mp3",
//	    Format:   "mp3",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.Text)
//
// # Streaming
//
// A streaming session accepts 16-bit PCM chunks and yields transcript
// events as the service produces them:
//
//	session, err := client.Stream.Open(ctx, &fennec.StreamConfig{
//	    SampleRate: 16000,
//	    Language:   "en-US",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close(ctx)
//
//	go func() {
//	    for chunk := range chunks {
//	        if err := session.Submit(ctx, chunk); err != nil {
//	            break
//	        }
//	    }
//	    session.Finish(ctx)
//	}()
//
//	for ev, err := range session.Events() {
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    switch ev.Type {
//	    case fennec.EventPartial:
//	        fmt.Printf("\r%s", ev.Text)
//	    case fennec.EventFinal:
//	        fmt.Printf("\r%s\n", ev.Text)
//	    }
//	}
//
// Sessions survive transport drops: the SDK reconnects with
// exponential backoff and replays unacknowledged audio in order, so
// the service never observes a gap or reordering in the chunk
// sequence. Admission control is explicit: when audio arrives faster
// than the network drains it, Submit either blocks or fails with a
// backpressure error, selected by StreamConfig.SubmitPolicy.
//
// # Errors
//
// All failures can be unwrapped to *Error:
//
//	if e, ok := fennec.AsError(err); ok {
//	    if e.IsBackpressure() {
//	        // slow down the audio source
//	    }
//	}
package fennec
