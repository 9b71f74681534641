package jobqueue

import (
	"time"

	"github.com/cuongbtq/transcode-orchestrator/internal/config"
	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// Removal bounds how many finished jobs of a type are kept and for how long
type Removal struct {
	Age   time.Duration
	Count int
}

// Policy is the execution policy of one job type
type Policy struct {
	Concurrency int
	Attempts    int
	// Timeout of zero means the handler may run forever
	Timeout          time.Duration
	RemoveOnComplete Removal
	RemoveOnFail     Removal
	// Failures of silent types are logged at debug level
	SilentFailure bool
}

const (
	removalCount            = 10000
	removeCompletedAfter    = 2 * 24 * time.Hour
	removeFailedAfter       = 7 * 24 * time.Hour
	defaultTranscodingLimit = 48 * time.Hour
)

var defaultAttempts = map[domain.JobType]int{
	domain.JobTypeActivityPubHTTPFetcher: 2,
	domain.JobTypeActivityPubFollow:      5,
	domain.JobTypeEmail:                  5,
	domain.JobTypeActorKeys:              3,
	domain.JobTypeMoveToObjectStorage:    3,
	domain.JobTypeMoveToFileSystem:       3,
	domain.JobTypeVideoTranscription:     2,
}

var defaultConcurrency = map[domain.JobType]int{
	domain.JobTypeActivityPubHTTPBroadcastParallel: 30,
	domain.JobTypeActivityPubHTTPUnicast:           30,
	domain.JobTypeActivityPubHTTPFetcher:           3,
	domain.JobTypeEmail:                            5,
	domain.JobTypeVideoLiveEnding:                  10,
	domain.JobTypeNotify:                           5,
	domain.JobTypeFederateVideo:                    3,
}

var defaultTimeouts = map[domain.JobType]time.Duration{
	domain.JobTypeActivityPubHTTPBroadcast:         10 * time.Minute,
	domain.JobTypeActivityPubHTTPBroadcastParallel: 10 * time.Minute,
	domain.JobTypeActivityPubHTTPUnicast:           10 * time.Minute,
	domain.JobTypeActivityPubHTTPFetcher:           10 * time.Hour,
	domain.JobTypeActivityPubFollow:                10 * time.Minute,
	domain.JobTypeActivityPubCleaner:               time.Hour,
	domain.JobTypeVideoFileImport:                  time.Hour,
	domain.JobTypeVideoTranscoding:                 defaultTranscodingLimit,
	domain.JobTypeVideoStudioEdition:               10 * time.Hour,
	domain.JobTypeEmail:                            10 * time.Minute,
	domain.JobTypeActorKeys:                        20 * time.Minute,
	domain.JobTypeActivityPubRefresher:             10 * time.Minute,
	domain.JobTypeVideoRedundancy:                  3 * time.Hour,
	domain.JobTypeVideoLiveEnding:                  10 * time.Minute,
	domain.JobTypeGenerateVideoStoryboard:          6 * time.Hour,
	domain.JobTypeManageVideoTorrent:               3 * time.Hour,
	domain.JobTypeMoveToObjectStorage:              3 * time.Hour,
	domain.JobTypeMoveToFileSystem:                 3 * time.Hour,
	domain.JobTypeVideoChannelImport:               4 * time.Hour,
	domain.JobTypeAfterVideoChannelImport:          5 * time.Minute,
	domain.JobTypeTranscodingJobBuilder:            time.Minute,
	domain.JobTypeNotify:                           5 * time.Minute,
	domain.JobTypeFederateVideo:                    5 * time.Minute,
	domain.JobTypeCreateUserExport:                 24 * time.Hour,
	domain.JobTypeImportUserArchive:                24 * time.Hour,
	domain.JobTypeVideoTranscription:               6 * time.Hour,
}

// Completed jobs of chatty types are dropped sooner
var completedRetention = map[domain.JobType]time.Duration{
	domain.JobTypeActivityPubHTTPBroadcastParallel: 10 * time.Minute,
	domain.JobTypeActivityPubHTTPUnicast:           time.Hour,
	domain.JobTypeVideosViewsStats:                 3 * time.Hour,
	domain.JobTypeActivityPubRefresher:             10 * time.Hour,
}

var silentFailureTypes = map[domain.JobType]bool{
	domain.JobTypeActivityPubHTTPUnicast: true,
}

// DefaultPolicies returns the built-in policy of every job type
func DefaultPolicies() map[domain.JobType]Policy {
	policies := make(map[domain.JobType]Policy, len(domain.JobTypes))

	for _, t := range domain.JobTypes {
		p := Policy{
			Concurrency:      1,
			Attempts:         1,
			Timeout:          defaultTimeouts[t],
			RemoveOnComplete: Removal{Age: removeCompletedAfter, Count: removalCount},
			RemoveOnFail:     Removal{Age: removeFailedAfter, Count: removalCount / 1000},
			SilentFailure:    silentFailureTypes[t],
		}
		if n, ok := defaultAttempts[t]; ok {
			p.Attempts = n
		}
		if n, ok := defaultConcurrency[t]; ok {
			p.Concurrency = n
		}
		if age, ok := completedRetention[t]; ok {
			p.RemoveOnComplete.Age = age
		}
		policies[t] = p
	}

	return policies
}

// PoliciesFromConfig applies operator overrides on top of the defaults
func PoliciesFromConfig(cfg config.QueueConfig) map[domain.JobType]Policy {
	policies := DefaultPolicies()

	set := func(t domain.JobType, fn func(p *Policy)) {
		p := policies[t]
		fn(&p)
		policies[t] = p
	}

	if cfg.TranscodingConcurrency > 0 {
		set(domain.JobTypeVideoTranscoding, func(p *Policy) { p.Concurrency = cfg.TranscodingConcurrency })
	}
	if cfg.ImportConcurrency > 0 {
		set(domain.JobTypeVideoImport, func(p *Policy) { p.Concurrency = cfg.ImportConcurrency })
	}
	if cfg.ImportTimeout > 0 {
		set(domain.JobTypeVideoImport, func(p *Policy) { p.Timeout = cfg.ImportTimeout })
	}

	for name, n := range cfg.Concurrency {
		if t, err := domain.ParseJobType(name); err == nil && n > 0 {
			set(t, func(p *Policy) { p.Concurrency = n })
		}
	}
	for name, n := range cfg.Attempts {
		if t, err := domain.ParseJobType(name); err == nil && n > 0 {
			set(t, func(p *Policy) { p.Attempts = n })
		}
	}
	for name, d := range cfg.Timeouts {
		if t, err := domain.ParseJobType(name); err == nil && d >= 0 {
			set(t, func(p *Policy) { p.Timeout = d })
		}
	}

	return policies
}

// Backoff returns the delay before the next attempt: base * 2^(attemptsMade-1)
func Backoff(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	shift := attemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return base * time.Duration(1<<shift)
}
