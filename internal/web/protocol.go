package web

// Message types exchanged with the browser. Control messages are JSON text
// frames; microphone audio travels upstream as binary frames of PCM16LE mono.
const (
	typeStart        = "start"
	typeStop         = "stop"
	typeState        = "state"
	typeTranscript   = "transcript"
	typeNotification = "notification"
	typeAudio        = "audio"
	typeAudioStop    = "audio_stop"
)

// Microphone availability as reported by the browser's getUserMedia.
const (
	micGranted     = "granted"
	micDenied      = "denied"
	micUnavailable = "unavailable"
)

// clientMessage is a control message from the browser.
type clientMessage struct {
	Type string `json:"type"`

	// SampleRate of the binary frames that follow a start message.
	SampleRate int `json:"sample_rate,omitempty"`

	// Microphone is one of "granted", "denied", "unavailable".
	Microphone string `json:"microphone,omitempty"`
}

type stateMessage struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

type transcriptMessage struct {
	Type   string `json:"type"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

type notificationMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	TTLMs int64  `json:"ttl_ms"`
}

// audioMessage schedules one speech segment. The browser plays it
// (AtMs - NowMs) milliseconds after receipt, relative to its own clock.
type audioMessage struct {
	Type       string `json:"type"`
	ID         uint64 `json:"id"`
	AtMs       int64  `json:"at_ms"`
	NowMs      int64  `json:"now_ms"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Data       string `json:"data"`
}

type audioStopMessage struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}
