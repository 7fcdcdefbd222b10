package protocol

import "time"

// Utterance sources.
const (
	SourceMicrophone = "microphone"
	SourceText       = "text"
	SourceAPI        = "api"
	SourceRemote     = "remote"
)

// AudioFrame represents PCM audio data streamed from satellites.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Utterance is one completed recognition, published as command_recognized.
type Utterance struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	RawAudio   []byte        `json:"-"`
	Source     string        `json:"source"`
	SessionID  string        `json:"session_id,omitempty"`
}

// Transcript mirrors recognized utterances onto the message bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// AudioAnalysis is the throttled audio telemetry published as audio_data.
type AudioAnalysis struct {
	Timestamp         time.Time `json:"timestamp"`
	SampleRate        int       `json:"sample_rate"`
	RMS               float64   `json:"rms"`
	Peak              float64   `json:"peak"`
	Volume            float64   `json:"volume"`
	DominantFrequency float64   `json:"dominant_frequency"`
	Waveform          []float64 `json:"waveform"`
	Speaking          bool      `json:"speaking"`
}

// AudioChunk carries synthesized speech to playback devices.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Text       string `json:"text,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SpeechStatus accompanies the speech_* events.
type SpeechStatus struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// CommandRequest is accepted over HTTP and NATS request/reply.
type CommandRequest struct {
	Text      string `json:"text"`
	Source    string `json:"source,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type CommandReply struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	Status      string         `json:"status"`
	Intent      string         `json:"intent,omitempty"`
	Confidence  float64        `json:"confidence"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Result      any            `json:"result,omitempty"`
	Speech      string         `json:"speech,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// EventEnvelope is a bus event as seen by bridge and websocket clients.
type EventEnvelope struct {
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Event bus names.
const (
	EventCommandRecognized   = "command_recognized"
	EventAudioData           = "audio_data"
	EventListeningStarted    = "listening_started"
	EventListeningStopped    = "listening_stopped"
	EventExecutionStarted    = "execution_started"
	EventExecutionCompleted  = "execution_completed"
	EventExecutionError      = "execution_error"
	EventExecutionCancelled  = "execution_cancelled"
	EventOrchestratorStarted = "orchestrator_started"
	EventOrchestratorStopped = "orchestrator_stopped"
	EventOrchestratorPaused  = "orchestrator_paused"
	EventOrchestratorResumed = "orchestrator_resumed"
	EventSpeechStarted       = "speech_started"
	EventSpeechCompleted     = "speech_completed"
	EventSpeechError         = "speech_error"
	EventShutdownRequest     = "shutdown_request"
	EventPauseOrchestrator   = "pause_orchestrator"
	EventResumeOrchestrator  = "resume_orchestrator"
	EventNodePresenceChanged = "node_presence_changed"
)

// NATS subjects.
const (
	SubjectAudioFramePrefix    = "audio.frame"
	SubjectTranscriptFinal     = "stt.text.final"
	SubjectCommandSubmit       = "buddy.command.submit"
	SubjectEventPrefix         = "buddy.events"
	SubjectTTSAudio            = "tts.audio.out"
	SubjectTTSDone             = "tts.done"
	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

// EventSubject is the subject a bus event is mirrored on.
func EventSubject(name string) string {
	return SubjectEventPrefix + "." + name
}
