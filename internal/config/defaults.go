package config

const (
	defaultDataDir           = "~/.local/share/mediamill"
	defaultStagingDir        = "~/.local/share/mediamill/staging"
	defaultLogDir            = "~/.local/share/mediamill/logs"
	defaultLocalStorageDir   = "~/.local/share/mediamill/storage"
	defaultAPIBind           = "127.0.0.1:7737"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultPollInterval      = 2
	defaultVisibilityTimeout = 300
	defaultWorkerCount       = 4
	defaultStageTimeout      = 600
	defaultMaxAttempts       = 3
	defaultBaseDelayMS       = 500
	defaultMaxDelayMS        = 30000
	defaultBatchInFlight     = 4
	defaultStorageTimeout    = 30
	defaultRetentionDays     = 7
	defaultFFmpegBin         = "ffmpeg"
	defaultWhisperBin        = "whisper"
	defaultWhisperModel      = "base"
	defaultTTSBin            = "tts"
	defaultTranslateModel    = "gpt-4o-mini"
	defaultHandlerTimeout    = 300
	defaultNotifyTimeout     = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Queue: Queue{
			PollInterval:      defaultPollInterval,
			VisibilityTimeout: defaultVisibilityTimeout,
		},
		Workers: Workers{
			Count:        defaultWorkerCount,
			StageTimeout: defaultStageTimeout,
		},
		Retry: Retry{
			MaxAttempts: defaultMaxAttempts,
			BaseDelayMS: defaultBaseDelayMS,
			MaxDelayMS:  defaultMaxDelayMS,
		},
		Batch: Batch{
			MaxInFlight: defaultBatchInFlight,
		},
		Storage: Storage{
			RequestTimeout: defaultStorageTimeout,
			LocalDir:       defaultLocalStorageDir,
			RetentionDays:  defaultRetentionDays,
		},
		Handlers: Handlers{
			FFmpegBin:      defaultFFmpegBin,
			WhisperBin:     defaultWhisperBin,
			WhisperModel:   defaultWhisperModel,
			TTSBin:         defaultTTSBin,
			TranslateModel: defaultTranslateModel,
			Timeout:        defaultHandlerTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			JobCompleted:   true,
			JobFailed:      true,
			BatchCompleted: true,
		},
	}
}
