package domain

import "encoding/json"

// Runner job payloads sent to runners

// RunnerJobVODInput references the source file the runner downloads through the file gateway
type RunnerJobVODInput struct {
	VideoFileURL string `json:"videoFileUrl"`
}

// RunnerJobOutputSpec describes the rendition a runner must produce
type RunnerJobOutputSpec struct {
	Resolution int `json:"resolution"`
	FPS        int `json:"fps"`
}

type RunnerJobVODWebVideoPayload struct {
	Input  RunnerJobVODInput   `json:"input"`
	Output RunnerJobOutputSpec `json:"output"`
}

type RunnerJobVODHLSPayload struct {
	Input  RunnerJobVODInput   `json:"input"`
	Output RunnerJobOutputSpec `json:"output"`
}

type RunnerJobVODAudioMergePayload struct {
	Input struct {
		AudioFileURL   string `json:"audioFileUrl"`
		PreviewFileURL string `json:"previewFileUrl"`
	} `json:"input"`
	Output RunnerJobOutputSpec `json:"output"`
}

// VideoStudioTask is one edition step. Options may reference task files by URL.
type VideoStudioTask struct {
	Name    string         `json:"name"`
	Options map[string]any `json:"options,omitempty"`
}

type RunnerJobVideoStudioPayload struct {
	Input RunnerJobVODInput `json:"input"`
	Tasks []VideoStudioTask `json:"tasks"`
}

type RunnerJobLiveRTMPHLSPayload struct {
	Input struct {
		RTMPURL string `json:"rtmpUrl"`
	} `json:"input"`
	Output struct {
		ToTranscode     []RunnerJobOutputSpec `json:"toTranscode"`
		SegmentDuration int                   `json:"segmentDuration"`
		SegmentListSize int                   `json:"segmentListSize"`
	} `json:"output"`
}

// Server-only payloads stored next to the public one

// RunnerJobVODPrivatePayload is shared by the three VOD transcoding types
type RunnerJobVODPrivatePayload struct {
	VideoUUID            string `json:"videoUUID"`
	IsNewVideo           bool   `json:"isNewVideo"`
	InputFileKey         string `json:"inputFileKey"`
	PreviewFileKey       string `json:"previewFileKey,omitempty"`
	DeleteWebVideoFiles  bool   `json:"deleteWebVideoFiles,omitempty"`
	DeleteInputFileAfter bool   `json:"deleteInputFileAfter,omitempty"`
}

type RunnerJobVideoStudioPrivatePayload struct {
	VideoUUID     string            `json:"videoUUID"`
	InputFileKey  string            `json:"inputFileKey"`
	TaskFileKeys  map[string]string `json:"taskFileKeys,omitempty"`
	OriginalTasks []VideoStudioTask `json:"originalTasks"`
}

type RunnerJobLivePrivatePayload struct {
	VideoUUID       string `json:"videoUUID"`
	SessionID       string `json:"sessionId"`
	OutputKeyPrefix string `json:"outputKeyPrefix"`
}

// RunnerJobResult lists the storage keys of files a runner uploaded on success
type RunnerJobResult struct {
	VideoFile              string `json:"videoFile,omitempty"`
	ResolutionPlaylistFile string `json:"resolutionPlaylistFile,omitempty"`
	VTTFile                string `json:"vttFile,omitempty"`
}

// Live chunk update kinds
const (
	LiveUpdateAddChunk    = "add-chunk"
	LiveUpdateRemoveChunk = "remove-chunk"
)

// RunnerJobLiveUpdate is the update payload of a live transcoding job
type RunnerJobLiveUpdate struct {
	Type                   string `json:"type"`
	VideoChunkFilename     string `json:"videoChunkFilename"`
	VideoChunkFile         string `json:"videoChunkFile,omitempty"`
	ResolutionPlaylistFile string `json:"resolutionPlaylistFile,omitempty"`
	ResolutionPlaylistName string `json:"resolutionPlaylistFilename,omitempty"`
	MasterPlaylistFile     string `json:"masterPlaylistFile,omitempty"`
}

// Local job payloads

// TranscodingJobBuilderPayload asks the builder to create the runner jobs of a video
type TranscodingJobBuilderPayload struct {
	VideoUUID       string `json:"videoUUID"`
	TranscodingType string `json:"transcodingType"`
	InputFileKey    string `json:"inputFileKey"`
	InputResolution int    `json:"inputResolution"`
	InputFPS        int    `json:"inputFps"`
	HasAudio        bool   `json:"hasAudio"`
	IsAudioOnly     bool   `json:"isAudioOnly"`
	PreviewFileKey  string `json:"previewFileKey,omitempty"`
	IsNewVideo      bool   `json:"isNewVideo"`
	Resolutions     []int  `json:"resolutions,omitempty"`
}

// Transcoding types accepted by the job builder
const (
	TranscodingTypeWebVideo = "web-video"
	TranscodingTypeHLS      = "hls"
)

type VideoStudioEditionPayload struct {
	VideoUUID    string            `json:"videoUUID"`
	InputFileKey string            `json:"inputFileKey"`
	Tasks        []VideoStudioTask `json:"tasks"`
	TaskFileKeys map[string]string `json:"taskFileKeys,omitempty"`
}

type FederateVideoPayload struct {
	VideoUUID  string `json:"videoUUID"`
	IsNewVideo bool   `json:"isNewVideo"`
}

type NotifyPayload struct {
	Action    string `json:"action"`
	VideoUUID string `json:"videoUUID"`
}

// Notify actions
const (
	NotifyActionNewVideo          = "new-video"
	NotifyActionTranscodingFailed = "transcoding-failed"
	NotifyActionStudioEditionDone = "studio-edition-finished"
)

type MoveStoragePayload struct {
	VideoUUID  string   `json:"videoUUID"`
	Keys       []string `json:"keys"`
	IsNewVideo bool     `json:"isNewVideo"`
}

type VideoLiveEndingPayload struct {
	VideoUUID       string `json:"videoUUID"`
	SessionID       string `json:"sessionId"`
	OutputKeyPrefix string `json:"outputKeyPrefix"`
}

// ForwardedJob is published for local job types executed by external services
type ForwardedJob struct {
	JobID    int64           `json:"jobId"`
	JobType  JobType         `json:"jobType"`
	Payload  json.RawMessage `json:"payload"`
	Attempt  int             `json:"attempt"`
	Priority int             `json:"priority,omitempty"`
}
