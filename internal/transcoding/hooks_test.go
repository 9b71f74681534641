package transcoding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

func vodRunnerJob(t *testing.T, isNew bool) *domain.RunnerJob {
	return &domain.RunnerJob{
		UUID:    "job-1",
		Type:    domain.RunnerJobTypeVODHLS,
		Payload: mustJSON(t, domain.RunnerJobVODHLSPayload{Output: domain.RunnerJobOutputSpec{Resolution: 720, FPS: 30}}),
		PrivatePayload: mustJSON(t, domain.RunnerJobVODPrivatePayload{
			VideoUUID:    "video-1",
			IsNewVideo:   isNew,
			InputFileKey: "videos/video-1/original.mp4",
		}),
	}
}

func TestHooks_VODCompleted(t *testing.T) {
	ctx := context.Background()
	result := domain.RunnerJobResult{
		VideoFile:              "runner-jobs/job-1/video.mp4",
		ResolutionPlaylistFile: "runner-jobs/job-1/720.m3u8",
	}

	t.Run("new video moved to object storage", func(t *testing.T) {
		queue, events := &fakeEnqueuer{}, &recordingEvents{}
		hooks := NewHooks(queue, events, true, nil)

		require.NoError(t, hooks.VODCompleted(ctx, vodRunnerJob(t, true), result))

		require.Len(t, events.added, 1)
		assert.Equal(t, FileAddedEvent{
			VideoUUID:             "video-1",
			JobUUID:               "job-1",
			JobType:               string(domain.RunnerJobTypeVODHLS),
			Resolution:            720,
			VideoFileKey:          result.VideoFile,
			ResolutionPlaylistKey: result.ResolutionPlaylistFile,
		}, events.added[0])

		require.Len(t, queue.flows, 1)
		flow := queue.flows[0]
		assert.Equal(t, []domain.JobType{
			domain.JobTypeMoveToObjectStorage,
			domain.JobTypeFederateVideo,
			domain.JobTypeNotify,
		}, flowTypes(flow))

		move := flow[0].Payload.(domain.MoveStoragePayload)
		assert.Equal(t, []string{result.VideoFile, result.ResolutionPlaylistFile}, move.Keys)
		assert.Equal(t, domain.NotifyActionNewVideo, flow[2].Payload.(domain.NotifyPayload).Action)
	})

	t.Run("existing video kept on file system", func(t *testing.T) {
		queue, events := &fakeEnqueuer{}, &recordingEvents{}
		hooks := NewHooks(queue, events, false, nil)

		require.NoError(t, hooks.VODCompleted(ctx, vodRunnerJob(t, false), result))

		require.Len(t, queue.flows, 1)
		assert.Equal(t, []domain.JobType{domain.JobTypeFederateVideo}, flowTypes(queue.flows[0]))
	})

	t.Run("event failure stops the flow", func(t *testing.T) {
		queue, events := &fakeEnqueuer{}, &recordingEvents{fileAddErr: errBoom}
		hooks := NewHooks(queue, events, true, nil)

		assert.ErrorIs(t, hooks.VODCompleted(ctx, vodRunnerJob(t, true), result), errBoom)
		assert.Empty(t, queue.flows)
	})

	t.Run("queue failure is returned", func(t *testing.T) {
		queue, events := &fakeEnqueuer{err: errBoom}, &recordingEvents{}
		hooks := NewHooks(queue, events, true, nil)

		assert.ErrorIs(t, hooks.VODCompleted(ctx, vodRunnerJob(t, true), result), errBoom)
	})

	t.Run("corrupted private payload", func(t *testing.T) {
		hooks := NewHooks(&fakeEnqueuer{}, &recordingEvents{}, true, nil)
		job := vodRunnerJob(t, true)
		job.PrivatePayload = []byte("{")

		assert.Error(t, hooks.VODCompleted(ctx, job, result))
	})

	t.Run("corrupted payload publishes nothing", func(t *testing.T) {
		queue, events := &fakeEnqueuer{}, &recordingEvents{}
		hooks := NewHooks(queue, events, true, nil)
		job := vodRunnerJob(t, true)
		job.Payload = []byte("not json")

		assert.ErrorContains(t, hooks.VODCompleted(ctx, job, result), "failed to decode payload of runner job job-1")
		assert.Empty(t, events.added)
		assert.Empty(t, queue.flows)
	})
}

func TestHooks_StudioCompleted(t *testing.T) {
	queue, events := &fakeEnqueuer{}, &recordingEvents{}
	hooks := NewHooks(queue, events, false, nil)

	job := &domain.RunnerJob{
		UUID: "job-2",
		Type: domain.RunnerJobTypeVideoStudio,
		PrivatePayload: mustJSON(t, domain.RunnerJobVideoStudioPrivatePayload{
			VideoUUID:     "video-1",
			OriginalTasks: []domain.VideoStudioTask{{Name: "cut"}},
		}),
	}

	err := hooks.StudioCompleted(context.Background(), job, domain.RunnerJobResult{VideoFile: "runner-jobs/job-2/video.mp4"})
	require.NoError(t, err)

	require.Len(t, events.added, 1)
	assert.True(t, events.added[0].ReplacesOriginalSource)

	require.Len(t, queue.flows, 1)
	flow := queue.flows[0]
	assert.Equal(t, []domain.JobType{domain.JobTypeFederateVideo, domain.JobTypeNotify}, flowTypes(flow))
	assert.Equal(t, domain.NotifyActionStudioEditionDone, flow[1].Payload.(domain.NotifyPayload).Action)
}

func liveRunnerJob(t *testing.T) *domain.RunnerJob {
	return &domain.RunnerJob{
		UUID: "job-3",
		Type: domain.RunnerJobTypeLiveRTMPHLS,
		PrivatePayload: mustJSON(t, domain.RunnerJobLivePrivatePayload{
			VideoUUID:       "video-1",
			SessionID:       "session-1",
			OutputKeyPrefix: LiveOutputPrefix("video-1", "session-1"),
		}),
	}
}

func TestHooks_Live(t *testing.T) {
	ctx := context.Background()
	queue, events := &fakeEnqueuer{}, &recordingEvents{}
	hooks := NewHooks(queue, events, false, nil)
	job := liveRunnerJob(t)

	update := domain.RunnerJobLiveUpdate{Type: domain.LiveUpdateAddChunk, VideoChunkFilename: "0-000001.ts"}
	require.NoError(t, hooks.LiveChunk(ctx, job, update))
	require.Len(t, events.chunks, 1)
	assert.Equal(t, "session-1", events.chunks[0].SessionID)
	assert.Equal(t, update, events.chunks[0].Update)

	require.NoError(t, hooks.LiveEnded(ctx, job))
	assert.Equal(t, []string{"video-1/session-1"}, events.ended)

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, domain.JobTypeVideoLiveEnding, queue.jobs[0].Type)
	assert.Equal(t, domain.VideoLiveEndingPayload{
		VideoUUID:       "video-1",
		SessionID:       "session-1",
		OutputKeyPrefix: "streaming-playlists/live/video-1/session-1",
	}, queue.jobs[0].Payload)
}

func TestHooks_Failed(t *testing.T) {
	queue, events := &fakeEnqueuer{}, &recordingEvents{}
	hooks := NewHooks(queue, events, false, nil)

	require.NoError(t, hooks.Failed(context.Background(), vodRunnerJob(t, true), "ffmpeg exited with code 1"))

	require.Len(t, events.failed, 1)
	assert.Equal(t, FailureEvent{
		VideoUUID: "video-1",
		JobUUID:   "job-1",
		JobType:   string(domain.RunnerJobTypeVODHLS),
		Message:   "ffmpeg exited with code 1",
	}, events.failed[0])

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, domain.NotifyPayload{
		Action:    domain.NotifyActionTranscodingFailed,
		VideoUUID: "video-1",
	}, queue.jobs[0].Payload)
}
