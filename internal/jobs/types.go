package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of work a runner job carries.
type Type string

const (
	TypeVODWebVideoTranscoding   Type = "vod-web-video-transcoding"
	TypeVODHLSTranscoding        Type = "vod-hls-transcoding"
	TypeVODAudioMergeTranscoding Type = "vod-audio-merge-transcoding"
	TypeLiveRTMPHLSTranscoding   Type = "live-rtmp-hls-transcoding"
	TypeVideoStudioTranscoding   Type = "video-studio-transcoding"
	TypeVideoTranscription       Type = "video-transcription"
)

var ErrPanicInvalidType = errors.New("invalid job type")

// AllTypes lists every job type the coordinator knows about. The set is
// closed, runners advertise a subset of it.
var AllTypes = []Type{
	TypeVODWebVideoTranscoding,
	TypeVODHLSTranscoding,
	TypeVODAudioMergeTranscoding,
	TypeLiveRTMPHLSTranscoding,
	TypeVideoStudioTranscoding,
	TypeVideoTranscription,
}

func (t Type) IsValid() bool {
	switch t {
	case TypeVODWebVideoTranscoding,
		TypeVODHLSTranscoding,
		TypeVODAudioMergeTranscoding,
		TypeLiveRTMPHLSTranscoding,
		TypeVideoStudioTranscoding,
		TypeVideoTranscription:
		return true
	default:
		return false
	}
}

// IsLive reports whether the type is a live transcoding job. Live jobs
// use a much shorter stall threshold than VOD jobs.
func (t Type) IsLive() bool {
	return t == TypeLiveRTMPHLSTranscoding
}

// Counter identifies a pending-work column of video_job_infos.
type Counter string

const (
	CounterNone          Counter = ""
	CounterTranscode     Counter = "pending_transcode"
	CounterMove          Counter = "pending_move"
	CounterTranscription Counter = "pending_transcription"
)

// PendingCounter maps a job type to the video counter it contributes
// to. Live jobs are not counted, they do not gate publication.
func (t Type) PendingCounter() Counter {
	switch t {
	case TypeVideoTranscription:
		return CounterTranscription
	case TypeLiveRTMPHLSTranscoding:
		return CounterNone
	default:
		return CounterTranscode
	}
}

// State is the lifecycle state of a runner job.
type State string

const (
	StatePending             State = "pending"
	StateProcessing          State = "processing"
	StateWaitingForParentJob State = "waiting-for-parent-job"
	StateCompleted           State = "completed"
	StateErrored             State = "errored"
	StateParentErrored       State = "parent-errored"
	StateCancelled           State = "cancelled"
)

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateErrored, StateParentErrored, StateCancelled:
		return true
	default:
		return false
	}
}

var stateTransitions = map[State][]State{
	StateWaitingForParentJob: {StatePending, StateParentErrored},
	StatePending:             {StateProcessing, StateCancelled, StateErrored},
	StateProcessing:          {StateCompleted, StateErrored, StatePending, StateCancelled},
}

// CanTransition reports whether moving from s to next is a legal state
// machine edge. Terminal states have no outgoing edges.
func (s State) CanTransition(next State) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job is the unit of dispatchable work handed to remote runners.
type Job struct {
	ID   int64
	UUID uuid.UUID

	Type  Type
	State State

	// Payload is the runner-visible task description.
	Payload json.RawMessage
	// PrivatePayload is server-only bookkeeping, never sent to runners.
	PrivatePayload json.RawMessage
	// Result holds the validated success payload once the runner is
	// done, so post-processing can resume from the record alone.
	Result json.RawMessage

	Priority int
	Failures int
	Progress *int
	Error    *string

	// ParentID links a job to the sibling it depends on.
	ParentID *int64

	// ClaimToken is minted on every pending->processing transition and
	// must accompany every runner callback for this job.
	ClaimToken *string
	RunnerID   *int64

	LastUpdateAt *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
}

// PrivatePayload is the server-only bookkeeping attached to every job.
type PrivatePayload struct {
	VideoUUID uuid.UUID `json:"videoUUID"`
	// IsNewVideo marks a first-upload transcode, which publishes the
	// video once all pending work drains.
	IsNewVideo bool `json:"isNewVideo,omitempty"`
	// DeleteInputFile names the superseded input to remove on success.
	DeleteInputFile string `json:"deleteInputFile,omitempty"`
}

// DecodePrivatePayload parses the server-side payload of a job.
func (j *Job) DecodePrivatePayload() (*PrivatePayload, error) {
	var p PrivatePayload
	if err := json.Unmarshal(j.PrivatePayload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Runner-visible payloads, one per job type. ---

type VODWebVideoTranscodingPayload struct {
	InputFileURL string `json:"inputFileUrl"`
	Resolution   int    `json:"resolution"`
	FPS          int    `json:"fps,omitempty"`
}

type VODHLSTranscodingPayload struct {
	InputFileURL   string `json:"inputFileUrl"`
	Resolution     int    `json:"resolution"`
	FPS            int    `json:"fps,omitempty"`
	SeparatedAudio bool   `json:"separatedAudio,omitempty"`
}

type VODAudioMergeTranscodingPayload struct {
	AudioFileURL   string `json:"audioFileUrl"`
	PreviewFileURL string `json:"previewFileUrl"`
	Resolution     int    `json:"resolution"`
	FPS            int    `json:"fps,omitempty"`
}

type LiveRTMPHLSTranscodingPayload struct {
	RTMPUrl         string `json:"rtmpUrl"`
	Resolutions     []int  `json:"resolutions"`
	FPS             int    `json:"fps,omitempty"`
	SegmentDuration int    `json:"segmentDuration"`
	SegmentListSize int    `json:"segmentListSize"`
}

// StudioTaskName enumerates the supported edit steps.
const (
	StudioTaskCut          = "cut"
	StudioTaskAddIntro     = "add-intro"
	StudioTaskAddOutro     = "add-outro"
	StudioTaskAddWatermark = "add-watermark"
)

// StudioTask is a single edit step. Steps are applied in order, each
// step's output feeds the next.
type StudioTask struct {
	Name    string          `json:"name"`
	Options json.RawMessage `json:"options,omitempty"`
}

type VideoStudioTranscodingPayload struct {
	InputFileURL string       `json:"inputFileUrl"`
	Tasks        []StudioTask `json:"tasks"`
}

type TranscriptionPayload struct {
	InputFileURL string `json:"inputFileUrl"`
	Language     string `json:"language,omitempty"`
}

// --- Success payloads reported by runners. ---

type VODWebVideoTranscodingSuccess struct {
	VideoFile string `json:"videoFile"`
}

type VODHLSTranscodingSuccess struct {
	VideoFile string `json:"videoFile"`
	// ResolutionPlaylistFile is required, an HLS rendition without its
	// playlist is unusable.
	ResolutionPlaylistFile string `json:"resolutionPlaylistFile"`
}

type VODAudioMergeTranscodingSuccess struct {
	VideoFile string `json:"videoFile"`
}

type VideoStudioTranscodingSuccess struct {
	VideoFile string `json:"videoFile"`
}

type LiveRTMPHLSTranscodingSuccess struct{}

type TranscriptionSuccess struct {
	VTTFile  string `json:"vttFile"`
	Language string `json:"language,omitempty"`
}

// LiveRTMPHLSTranscodingUpdate is attached to progress reports of live
// jobs as segments are produced and rotated out of the sliding window.
type LiveRTMPHLSTranscodingUpdate struct {
	MasterPlaylistFile     string   `json:"masterPlaylistFile,omitempty"`
	ResolutionPlaylistFile string   `json:"resolutionPlaylistFile,omitempty"`
	VideoChunkFile         string   `json:"videoChunkFile,omitempty"`
	RemovedVideoChunkFiles []string `json:"removedVideoChunkFiles,omitempty"`
}
