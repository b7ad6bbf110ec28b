// Package call drives a single voice call from start to teardown.
//
// An [Orchestrator] owns every per-call resource: the microphone track and its
// capture pipeline, the playback scheduler, and the remote session. All of
// that state is touched only by the goroutine running [Orchestrator.Run].
// Everything else (connect attempts, session event streams, user commands)
// posts messages to it, so transitions happen one at a time in arrival order.
//
// Calls are numbered by a generation counter. Results and events that belong
// to an earlier generation are discarded, and any session or track they carry
// is released.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/leadline/internal/crm"
	"github.com/MrWong99/leadline/internal/observe"
	"github.com/MrWong99/leadline/pkg/audio"
	"github.com/MrWong99/leadline/pkg/audio/capture"
	"github.com/MrWong99/leadline/pkg/audio/playback"
	"github.com/MrWong99/leadline/pkg/provider/s2s"
)

var (
	// ErrMissingCredential is the cause recorded when the provider credential
	// is not present in the environment at call start.
	ErrMissingCredential = errors.New("call: missing credential")

	// ErrClosed is returned by command methods once Run has returned.
	ErrClosed = errors.New("call: orchestrator closed")
)

// User-facing error messages.
const (
	msgConnection  = "Connection error. Please try again."
	msgMicrophone  = "Microphone access is required to start a call."
	msgDeviceBusy  = "The microphone is already in use."
	msgCredentialf = "%s environment variable not set."
)

const (
	defaultCredentialEnv   = "API_KEY"
	defaultNotificationTTL = 4 * time.Second
	inboxSize              = 64
)

// ToolHandler answers tool calls requested by the model.
type ToolHandler interface {
	Handle(ctx context.Context, callID string, call s2s.ToolCall) crm.Outcome
}

// Config holds the dependencies of an Orchestrator.
type Config struct {
	// Provider opens remote sessions. Required.
	Provider s2s.Provider

	// ProviderName labels provider metrics. Defaults to "s2s".
	ProviderName string

	// Session is the session template. APIKey is filled in per call.
	Session s2s.SessionConfig

	// CredentialEnv names the environment variable holding the API key.
	// Defaults to "API_KEY".
	CredentialEnv string

	// LookupEnv reads the environment. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	// Device provides the microphone. Required.
	Device capture.Device

	// Sink renders speech segments. Required.
	Sink playback.Sink

	// Clock drives playback scheduling. Defaults to a wall clock created by
	// New.
	Clock playback.Clock

	// View receives state, transcript, and notification updates. Required.
	View View

	// Tools answers tool calls. Defaults to a lead handler that logs leads.
	Tools ToolHandler

	// NotificationTTL is how long notifications stay visible. Defaults to 4s.
	NotificationTTL time.Duration

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the wall clock used for notification expiry and connect
	// latency. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) validate() error {
	var errs []error
	if c.Provider == nil {
		errs = append(errs, errors.New("call: Provider is required"))
	}
	if c.Device == nil {
		errs = append(errs, errors.New("call: Device is required"))
	}
	if c.Sink == nil {
		errs = append(errs, errors.New("call: Sink is required"))
	}
	if c.View == nil {
		errs = append(errs, errors.New("call: View is required"))
	}
	return errors.Join(errs...)
}

// ── Messages ───────────────────────────────────────────────────────────────────

type startCmd struct{ done chan struct{} }

type stopCmd struct{ done chan struct{} }

type snapshotCmd struct{ reply chan Snapshot }

// micOpened carries the outcome of Device.Open for generation gen.
type micOpened struct {
	gen   uint64
	track capture.Track
	err   error
}

// connected carries the outcome of Provider.Connect for generation gen.
type connected struct {
	gen  uint64
	sess s2s.Session
	err  error
}

type sessionEvent struct {
	gen uint64
	ev  s2s.Event
}

// ── Orchestrator ───────────────────────────────────────────────────────────────

// Orchestrator runs calls one after another over the same device, sink, and
// view. Create it with [New] and drive it with [Orchestrator.Run].
type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	inbox chan any
	done  chan struct{}

	// Everything below is owned by the Run goroutine.

	ctx    context.Context
	gen    uint64
	callID string
	clog   *slog.Logger

	state   State
	errMsg  string
	cause   error
	started time.Time

	transcript []TranscriptEntry
	userBuf    strings.Builder
	agentBuf   strings.Builder

	notice        string
	noticeExpires time.Time

	cancelSetup context.CancelFunc
	pending     *s2s.Pending
	session     s2s.Session
	track       capture.Track
	pipeline    *capture.Pipeline
	sched       *playback.Scheduler
	mic         ResourceState
	speaker     ResourceState
	tornDown    bool
}

// New validates cfg and returns an idle Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "s2s"
	}
	if cfg.CredentialEnv == "" {
		cfg.CredentialEnv = defaultCredentialEnv
	}
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	if cfg.Clock == nil {
		cfg.Clock = playback.NewWallClock()
	}
	if cfg.NotificationTTL <= 0 {
		cfg.NotificationTTL = defaultNotificationTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tools == nil {
		cfg.Tools = crm.NewHandler(&crm.LogRecorder{Log: cfg.Logger}, crm.WithLogger(cfg.Logger))
	}

	return &Orchestrator{
		cfg:      cfg,
		log:      cfg.Logger,
		clog:     cfg.Logger,
		metrics:  cfg.Metrics,
		inbox:    make(chan any, inboxSize),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		tornDown: true,
	}, nil
}

// Run processes commands and session events until ctx is cancelled. A call
// still in progress at that point is ended. Run must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) {
	o.ctx = ctx
	defer close(o.done)
	defer func() {
		if o.state.live() {
			o.endCall()
		} else {
			o.teardown()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-o.inbox:
			o.handle(m)
		}
	}
}

// Start begins a new call. It is ignored while a call is connecting or
// active. Setup failures are reported through the View, not returned.
func (o *Orchestrator) Start() error {
	return o.command(startCmd{done: make(chan struct{})})
}

// Stop ends the current call. It is accepted from any state and is a no-op
// apart from idempotent teardown when no call is live.
func (o *Orchestrator) Stop() error {
	return o.command(stopCmd{done: make(chan struct{})})
}

// Snapshot returns a copy of the observable call state.
func (o *Orchestrator) Snapshot() (Snapshot, error) {
	cmd := snapshotCmd{reply: make(chan Snapshot, 1)}
	if !o.post(cmd) {
		return Snapshot{}, ErrClosed
	}
	select {
	case s := <-cmd.reply:
		return s, nil
	case <-o.done:
		return Snapshot{}, ErrClosed
	}
}

// Done is closed when Run returns.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

func (o *Orchestrator) command(cmd any) error {
	var done chan struct{}
	switch c := cmd.(type) {
	case startCmd:
		done = c.done
	case stopCmd:
		done = c.done
	}
	if !o.post(cmd) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-o.done:
		return ErrClosed
	}
}

func (o *Orchestrator) post(m any) bool {
	select {
	case o.inbox <- m:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) handle(m any) {
	switch m := m.(type) {
	case startCmd:
		o.startCall()
		close(m.done)
	case stopCmd:
		o.stopCall()
		close(m.done)
	case snapshotCmd:
		m.reply <- o.snapshot()
	case micOpened:
		o.onMicOpened(m)
	case connected:
		o.onConnected(m)
	case sessionEvent:
		if m.gen != o.gen {
			o.log.Debug("call: dropping stale session event", "gen", m.gen, "kind", m.ev.Kind)
			return
		}
		o.onSessionEvent(m.ev)
	default:
		o.log.Error("call: unexpected message", "type", fmt.Sprintf("%T", m))
	}
}

// ── Transitions ────────────────────────────────────────────────────────────────

func (o *Orchestrator) setState(s State, msg string) {
	o.state = s
	o.errMsg = msg
	o.clog.Info("call: state changed", "state", s.String())
	o.cfg.View.OnState(s, o.callID, msg)
}

func (o *Orchestrator) startCall() {
	if o.state.live() {
		o.clog.Debug("call: start ignored; call in progress", "state", o.state.String())
		return
	}
	o.teardown()

	o.gen++
	o.callID = uuid.NewString()
	o.clog = o.log.With("call_id", o.callID)
	o.started = o.cfg.Now()
	o.transcript = nil
	o.userBuf.Reset()
	o.agentBuf.Reset()
	o.notice = ""
	o.cause = nil
	o.session, o.track, o.pipeline, o.sched = nil, nil, nil, nil
	o.mic, o.speaker = ResourceUnallocated, ResourceUnallocated
	o.pending = s2s.NewPending()
	o.tornDown = false
	o.metrics.CallsActive.Add(o.ctx, 1)

	o.setState(StateConnecting, "")

	key, ok := o.cfg.LookupEnv(o.cfg.CredentialEnv)
	if !ok || strings.TrimSpace(key) == "" {
		o.fail(fmt.Errorf("%w: %s", ErrMissingCredential, o.cfg.CredentialEnv),
			fmt.Sprintf(msgCredentialf, o.cfg.CredentialEnv))
		return
	}

	o.sched = playback.NewScheduler(o.cfg.Clock, o.cfg.Sink, playback.WithLogger(o.clog))
	o.speaker = ResourceActive

	setupCtx, cancel := context.WithCancel(o.ctx)
	o.cancelSetup = cancel
	cfg := o.cfg.Session
	cfg.APIKey = key
	go o.setup(setupCtx, o.gen, cfg)
}

// setup acquires the microphone, then connects. It runs on its own goroutine
// and reports back through the inbox.
func (o *Orchestrator) setup(ctx context.Context, gen uint64, cfg s2s.SessionConfig) {
	track, err := o.cfg.Device.Open(ctx)
	if !o.post(micOpened{gen: gen, track: track, err: err}) {
		if track != nil {
			_ = track.Stop()
		}
		return
	}
	if err != nil {
		return
	}

	ctx, span := observe.StartSpan(ctx, "call.connect")
	defer span.End()
	sess, err := o.cfg.Provider.Connect(ctx, cfg)
	observe.Fail(span, err)
	if !o.post(connected{gen: gen, sess: sess, err: err}) && sess != nil {
		_ = sess.Close()
	}
}

func (o *Orchestrator) onMicOpened(m micOpened) {
	if m.gen != o.gen || o.state != StateConnecting {
		if m.track != nil {
			o.log.Debug("call: releasing microphone from abandoned call", "gen", m.gen)
			if err := m.track.Stop(); err != nil {
				o.log.Warn("call: stop abandoned track", "err", err)
			}
			go audio.Drain(m.track.Frames())
		}
		return
	}
	if m.err != nil {
		msg := msgConnection
		switch {
		case errors.Is(m.err, capture.ErrMicrophoneUnavailable):
			msg = msgMicrophone
		case errors.Is(m.err, capture.ErrDeviceBusy):
			msg = msgDeviceBusy
		}
		o.fail(fmt.Errorf("call: open microphone: %w", m.err), msg)
		return
	}
	o.track = m.track
	o.mic = ResourceActive
}

func (o *Orchestrator) onConnected(m connected) {
	if m.gen != o.gen || o.state != StateConnecting {
		if m.sess != nil {
			o.log.Debug("call: closing session from abandoned call", "gen", m.gen)
			o.closeSession(m.sess)
		}
		return
	}
	if m.err != nil {
		o.pending.Resolve(nil, m.err)
		o.metrics.RecordProviderError(o.ctx, o.cfg.ProviderName, "connect")
		o.fail(fmt.Errorf("call: connect: %w", m.err), msgConnection)
		return
	}
	o.session = m.sess
	o.pending.Resolve(m.sess, nil)
	go o.forward(m.gen, m.sess)
}

// forward relays a session's events to the loop until the stream closes.
func (o *Orchestrator) forward(gen uint64, sess s2s.Session) {
	for ev := range sess.Events() {
		if !o.post(sessionEvent{gen: gen, ev: ev}) {
			go audio.Drain(sess.Events())
			return
		}
	}
}

func (o *Orchestrator) onSessionEvent(ev s2s.Event) {
	switch ev.Kind {
	case s2s.EventOpened:
		if o.state != StateConnecting {
			return
		}
		o.metrics.SessionConnectDuration.Record(o.ctx, o.cfg.Now().Sub(o.started).Seconds())
		o.setState(StateActive, "")
		o.startCapture()

	case s2s.EventMessage:
		if !o.state.live() || ev.Message == nil {
			return
		}
		o.handleMessage(ev.Message)

	case s2s.EventErrored:
		if !o.state.live() {
			return
		}
		o.metrics.RecordProviderError(o.ctx, o.cfg.ProviderName, "session")
		o.fail(fmt.Errorf("call: session error: %w", ev.Err), msgConnection)

	case s2s.EventClosed:
		if !o.state.live() {
			return
		}
		// An unexpected close ends the call normally rather than as an error.
		if ev.Err != nil {
			o.clog.Warn("call: session closed unexpectedly", "err", ev.Err)
		}
		o.setState(StateEnded, "")
		if o.session != nil {
			o.closeSession(o.session)
		}
		o.teardown()
	}
}

func (o *Orchestrator) startCapture() {
	if o.track == nil {
		o.fail(errors.New("call: session opened without a microphone"), msgConnection)
		return
	}
	o.pipeline = capture.NewPipeline(o.track, o.pending,
		capture.WithLogger(o.clog),
		capture.WithSentHook(func(audio.Blob) { o.metrics.AudioBlocksSent.Add(o.ctx, 1) }),
	)
	// The silent block prompts the agent to speak first.
	o.pipeline.SendBlock(audio.Silence(audio.BlockSize))
	o.pipeline.Start()
}

func (o *Orchestrator) stopCall() {
	if !o.state.live() {
		o.teardown()
		return
	}
	o.endCall()
}

// endCall is the user-initiated end: Ended first, then the session, then the
// audio resources.
func (o *Orchestrator) endCall() {
	o.setState(StateEnded, "")
	if o.session != nil {
		o.closeSession(o.session)
	}
	o.teardown()
}

// fail records a fatal error for the current call and tears it down.
func (o *Orchestrator) fail(err error, msg string) {
	o.clog.Error("call: failed", "err", err)
	o.cause = err
	o.setState(StateError, msg)
	if o.session != nil {
		o.closeSession(o.session)
	}
	o.teardown()
}

func (o *Orchestrator) closeSession(sess s2s.Session) {
	if err := sess.Close(); err != nil {
		o.clog.Warn("call: close session", "err", err)
	}
}

// teardown releases every per-call resource. It is safe to call repeatedly.
func (o *Orchestrator) teardown() {
	if o.tornDown {
		return
	}
	o.tornDown = true

	if o.cancelSetup != nil {
		o.cancelSetup()
		o.cancelSetup = nil
	}
	if o.pending != nil {
		o.pending.Resolve(nil, nil)
	}

	switch {
	case o.pipeline != nil:
		if err := o.pipeline.Stop(); err != nil {
			o.clog.Warn("call: stop capture", "err", err)
		}
	case o.track != nil:
		if err := o.track.Stop(); err != nil {
			o.clog.Warn("call: stop microphone", "err", err)
		}
		go audio.Drain(o.track.Frames())
	}
	if o.mic == ResourceActive {
		o.mic = ResourceReleased
	}

	if o.sched != nil {
		o.sched.Stop()
	}
	if o.speaker == ResourceActive {
		o.speaker = ResourceReleased
	}

	o.metrics.CallsActive.Add(o.ctx, -1)
	outcome := "ended"
	if o.state == StateError {
		outcome = "error"
	}
	o.metrics.RecordCallOutcome(o.ctx, outcome)
	o.clog.Info("call: torn down", "outcome", outcome, "transcript_entries", len(o.transcript))
}

// ── Messages from the remote side ──────────────────────────────────────────────

func (o *Orchestrator) handleMessage(msg *s2s.Message) {
	o.userBuf.WriteString(msg.InputTranscription)
	o.agentBuf.WriteString(msg.OutputTranscription)

	if msg.TurnComplete {
		o.flushTurn()
	}

	for _, tc := range msg.ToolCalls {
		o.answerTool(tc)
		if !o.state.live() {
			return
		}
	}

	if msg.Interrupted && o.sched != nil {
		o.clog.Debug("call: agent interrupted; flushing playback")
		o.sched.Stop()
	}

	for _, blob := range msg.Audio {
		o.playSegment(blob)
	}
}

// flushTurn appends the buffered user text, then the agent text, skipping
// either when empty after trimming, and clears both buffers.
func (o *Orchestrator) flushTurn() {
	for _, p := range []struct {
		author Author
		buf    *strings.Builder
	}{
		{AuthorUser, &o.userBuf},
		{AuthorAgent, &o.agentBuf},
	} {
		text := strings.TrimSpace(p.buf.String())
		p.buf.Reset()
		if text == "" {
			continue
		}
		entry := TranscriptEntry{Author: p.author, Text: text}
		o.transcript = append(o.transcript, entry)
		o.metrics.RecordTranscriptEntry(o.ctx, string(p.author))
		o.cfg.View.OnTranscript(entry)
	}
}

func (o *Orchestrator) answerTool(tc s2s.ToolCall) {
	out := o.cfg.Tools.Handle(o.ctx, o.callID, tc)
	o.metrics.RecordToolCall(o.ctx, tc.Name, out.Status)

	if out.Notice != "" {
		o.notice = out.Notice
		o.noticeExpires = o.cfg.Now().Add(o.cfg.NotificationTTL)
		o.cfg.View.OnNotification(out.Notice, o.cfg.NotificationTTL)
	}

	if o.session == nil {
		return
	}
	if err := o.session.SendToolResult(o.ctx, out.Result); err != nil {
		o.clog.Warn("call: send tool result", "function", tc.Name, "err", err)
	}
}

func (o *Orchestrator) playSegment(blob audio.Blob) {
	if o.sched == nil {
		return
	}
	pcm, err := audio.DecodeBlob(blob.Data)
	if err == nil {
		var buf *audio.Buffer
		buf, err = audio.DecodeAudioData(pcm, audio.OutputSampleRate, 1)
		if err == nil {
			if _, err := o.sched.Schedule(buf); err != nil {
				o.clog.Warn("call: schedule segment", "err", err)
				return
			}
			o.metrics.AudioSegmentsScheduled.Add(o.ctx, 1)
			return
		}
	}
	o.metrics.AudioDecodeErrors.Add(o.ctx, 1)
	o.clog.Warn("call: dropping undecodable segment", "mime_type", blob.MIMEType, "err", err)
}

func (o *Orchestrator) snapshot() Snapshot {
	s := Snapshot{
		CallID:       o.callID,
		State:        o.state,
		Error:        o.errMsg,
		Err:          o.cause,
		Transcript:   append([]TranscriptEntry(nil), o.transcript...),
		PendingUser:  o.userBuf.String(),
		PendingAgent: o.agentBuf.String(),
		Microphone:   o.mic,
		Playback:     o.speaker,
	}
	if o.notice != "" && o.cfg.Now().Before(o.noticeExpires) {
		s.Notification = o.notice
	}
	if o.sched != nil {
		s.NextStart = o.sched.NextStart()
		s.ActiveVoices = o.sched.Active()
	}
	return s
}
