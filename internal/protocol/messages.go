// ABOUTME: Tandem protocol message type definitions
// ABOUTME: Defines structs and type names for all messages exchanged over a link
package protocol

// Message types carried in the JSON envelope
const (
	TypeSyncRequest      = "sync/request"
	TypeSyncResponse     = "sync/response"
	TypeTransferMeta     = "transfer/meta"
	TypeTransferComplete = "transfer/complete"
	TypePlay             = "playback/play"
	TypePause            = "playback/pause"
	TypeStop             = "playback/stop"
	TypeSnapshot         = "playback/snapshot"
	TypeRequestMaster    = "master/request"
	TypeGrantMaster      = "master/grant"
	TypeRevokeMaster     = "master/revoke"
	TypeParticipantInfo  = "participant/info"
	TypeHeartbeat        = "heartbeat"
)

// Message is the top-level wrapper for all text protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// SyncRequest starts a clock probe. Times are Unix microseconds.
type SyncRequest struct {
	T1 int64 `json:"t1"`
}

// SyncResponse echoes t1 with the responder's receive and send times
type SyncResponse struct {
	T1 int64 `json:"t1"`
	T2 int64 `json:"t2"`
	T3 int64 `json:"t3"`
}

// TransferMeta announces a payload; chunks follow as binary frames
type TransferMeta struct {
	Name       string `json:"name"`
	Size       int    `json:"size"`
	DurationMs int64  `json:"duration_ms"`
	MimeType   string `json:"mime_type,omitempty"`
	ChunkCount int    `json:"chunk_count"`
}

// TransferComplete is the sentinel sent after the last chunk
type TransferComplete struct{}

// TransferChunk is one slice of a payload. It travels as a binary frame.
type TransferChunk struct {
	Index      int
	ChunkCount int
	Data       []byte
}

// SchedulePlay starts playback at StartTime (sender's synchronized time
// base, Unix μs) from SeekPositionMs into the payload.
type SchedulePlay struct {
	StartTime      int64 `json:"start_time"`
	SeekPositionMs int64 `json:"seek_position_ms"`
}

// SchedulePause pauses playback. PositionMs is where the sender paused.
type SchedulePause struct {
	PositionMs int64 `json:"position_ms,omitempty"`
}

// ScheduleStop stops playback
type ScheduleStop struct{}

// RequestMaster asks for master control
type RequestMaster struct {
	ParticipantID string `json:"participant_id"`
}

// GrantMaster gives master control to the named participant
type GrantMaster struct {
	ParticipantID string `json:"participant_id"`
}

// RevokeMaster takes master control away. An empty ParticipantID means the receiver.
type RevokeMaster struct {
	ParticipantID string `json:"participant_id,omitempty"`
}

// ParticipantInfo identifies the sender of a link
type ParticipantInfo struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	Product       string `json:"product,omitempty"`
	Version       string `json:"version,omitempty"`
}

// Heartbeat keeps a link's last-activity fresh
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// PlaybackSnapshot aligns a joining participant with current playback.
// StartTime is in the sender's time base; SeekPositionMs is the position at StartTime.
type PlaybackSnapshot struct {
	IsPlaying      bool  `json:"is_playing"`
	SeekPositionMs int64 `json:"seek_position_ms"`
	StartTime      int64 `json:"start_time"`
}

// Roles sent in ParticipantInfo
const (
	RoleHost  = "host"
	RoleGuest = "guest"
)
