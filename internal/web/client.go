package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/leadline/internal/call"
	"github.com/MrWong99/leadline/pkg/audio"
	"github.com/MrWong99/leadline/pkg/audio/capture"
	"github.com/MrWong99/leadline/pkg/audio/playback"
)

const (
	writeTimeout = 10 * time.Second

	// frameBuffer bounds how many upstream frames may wait for the capture
	// tap before the socket reader blocks.
	frameBuffer = 64
)

var (
	_ capture.Device = (*client)(nil)
	_ playback.Sink  = (*client)(nil)
	_ playback.Clock = (*client)(nil)
	_ call.View      = (*client)(nil)
)

// client is one browser connection. The browser is at once the microphone,
// the loudspeaker, and the screen of the call, so client implements the
// device, sink, clock, and view the orchestrator needs.
type client struct {
	conn  *websocket.Conn
	log   *slog.Logger
	clock *playback.WallClock

	writeMu sync.Mutex

	mu         sync.Mutex
	microphone string
	sampleRate int
	track      *track
	voiceSeq   uint64
}

func newClient(conn *websocket.Conn, log *slog.Logger) *client {
	return &client{
		conn:       conn,
		log:        log,
		clock:      playback.NewWallClock(),
		microphone: micUnavailable,
		sampleRate: audio.InputSampleRate,
	}
}

// configure records the microphone status and frame rate announced by a
// start message.
func (c *client) configure(m clientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.microphone = m.Microphone
	if c.microphone == "" {
		c.microphone = micGranted
	}
	c.sampleRate = audio.InputSampleRate
	if m.SampleRate >= 8000 && m.SampleRate <= 96000 {
		c.sampleRate = m.SampleRate
	}
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *client) send(v any) {
	if err := c.writeJSON(v); err != nil {
		c.log.Debug("web: write failed", "err", err)
	}
}

// closeWith sends a close frame with code and reason.
func (c *client) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// ── capture.Device ─────────────────────────────────────────────────────────────

// Open hands out the browser's microphone stream.
func (c *client) Open(context.Context) (capture.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.microphone {
	case micGranted:
	case micDenied, micUnavailable:
		return nil, fmt.Errorf("web: microphone %s: %w", c.microphone, capture.ErrMicrophoneUnavailable)
	default:
		return nil, fmt.Errorf("web: microphone status %q: %w", c.microphone, capture.ErrMicrophoneUnavailable)
	}
	if c.track != nil && !c.track.isStopped() {
		return nil, capture.ErrDeviceBusy
	}
	c.track = newTrack()
	return c.track, nil
}

// pushPCM forwards a binary frame to the live track, if any.
func (c *client) pushPCM(data []byte) {
	c.mu.Lock()
	t, rate := c.track, c.sampleRate
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.push(audio.AudioFrame{
		Data:       data,
		SampleRate: rate,
		Channels:   1,
		Timestamp:  c.clock.Now(),
	})
}

// track is a browser microphone stream. Frames are pushed by the socket
// reader; Stop may race with a push and must not panic.
type track struct {
	frames chan audio.AudioFrame
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	pushing sync.WaitGroup
}

func newTrack() *track {
	return &track{
		frames: make(chan audio.AudioFrame, frameBuffer),
		done:   make(chan struct{}),
	}
}

func (t *track) Frames() <-chan audio.AudioFrame { return t.frames }

func (t *track) push(f audio.AudioFrame) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.pushing.Add(1)
	t.mu.Unlock()
	defer t.pushing.Done()

	select {
	case t.frames <- f:
	case <-t.done:
	}
}

func (t *track) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	close(t.done)
	t.pushing.Wait()
	close(t.frames)
	return nil
}

func (t *track) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// ── playback.Clock and playback.Sink ───────────────────────────────────────────

// Now reads the connection's playback clock.
func (c *client) Now() time.Duration { return c.clock.Now() }

// Play ships buf to the browser for playback at the given clock time. ended
// fires from a timer once the segment would have finished.
func (c *client) Play(buf *audio.Buffer, at time.Duration, ended func()) (playback.Voice, error) {
	c.mu.Lock()
	c.voiceSeq++
	id := c.voiceSeq
	c.mu.Unlock()

	now := c.clock.Now()
	err := c.writeJSON(audioMessage{
		Type:       typeAudio,
		ID:         id,
		AtMs:       at.Milliseconds(),
		NowMs:      now.Milliseconds(),
		SampleRate: buf.SampleRate,
		Channels:   buf.Channels(),
		Data:       base64.StdEncoding.EncodeToString(buf.Interleaved()),
	})
	if err != nil {
		return nil, fmt.Errorf("web: send segment: %w", err)
	}

	v := &voice{client: c, id: id}
	v.timer = time.AfterFunc(at-now+buf.Duration(), func() {
		if v.finish() {
			ended()
		}
	})
	return v, nil
}

// voice is a segment playing in the browser.
type voice struct {
	client *client
	id     uint64
	timer  *time.Timer

	mu   sync.Mutex
	done bool
}

// finish marks the voice as finished naturally. It reports false if the
// voice was already stopped.
func (v *voice) finish() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.done {
		return false
	}
	v.done = true
	return true
}

// Stop cancels the segment and tells the browser to silence it.
func (v *voice) Stop() {
	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return
	}
	v.done = true
	v.mu.Unlock()

	v.timer.Stop()
	v.client.send(audioStopMessage{Type: typeAudioStop, ID: v.id})
}

// ── call.View ──────────────────────────────────────────────────────────────────

func (c *client) OnState(s call.State, callID, message string) {
	c.send(stateMessage{Type: typeState, CallID: callID, State: s.String(), Error: message})
}

func (c *client) OnTranscript(e call.TranscriptEntry) {
	c.send(transcriptMessage{Type: typeTranscript, Author: string(e.Author), Text: e.Text})
}

func (c *client) OnNotification(text string, ttl time.Duration) {
	c.send(notificationMessage{Type: typeNotification, Text: text, TTLMs: ttl.Milliseconds()})
}

// decodeClientMessage parses a text frame.
func decodeClientMessage(data []byte) (clientMessage, error) {
	var m clientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return clientMessage{}, fmt.Errorf("web: decode message: %w", err)
	}
	return m, nil
}
