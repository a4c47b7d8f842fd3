package config

const (
	defaultConfigPath             = "~/.config/docqc/config.toml"
	defaultStateDir               = "~/.local/share/docqc"
	defaultLogDir                 = "~/.local/share/docqc/logs"
	defaultReportsDir             = "~/.local/share/docqc/reports"
	defaultArtifactsDir           = "~/.local/share/docqc/artifacts"
	defaultStabilizationMS        = 2000
	defaultFolderSettleMS         = 5000
	defaultDedupWindowMS          = 5000
	defaultLockDirName            = ".qc-locks"
	defaultLockStaleSeconds       = 600
	defaultWorkerInitSeconds      = 30
	defaultDispatchTimeoutSeconds = 300
	defaultMaxRestarts            = 3
	defaultRestartWindowSeconds   = 60
	defaultWorkerGraceSeconds     = 5
	defaultCanonicalExtension     = ".md"
	defaultConverterTimeout       = 240
	defaultReviewSubmitPath       = "/submit"
	defaultReviewStatusPath       = "/status/{id}"
	defaultReviewTimeoutSeconds   = 30
	defaultReviewMaxAttempts      = 3
	defaultReviewRetryBaseMS      = 1000
	defaultReviewRetryMaxMS       = 10000
	defaultReviewRPS              = 2
	defaultConcurrency            = 1
	defaultPollIntervalSeconds    = 30
	defaultWorkflowGraceSeconds   = 10
	defaultNotifyTimeout          = 10
	defaultAPIBind                = "127.0.0.1:8000"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

var (
	defaultExtensions      = []string{".docx"}
	defaultDocumentCommand = []string{"pandoc", "{input}", "-t", "gfm", "-o", "{output}"}
	defaultMergeCommand    = []string{"pandoc", "{inputs}", "-o", "{output}"}
	defaultReportCommand   = []string{"pandoc", "{input}", "-o", "{output}"}
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:     defaultStateDir,
			LogDir:       defaultLogDir,
			ReportsDir:   defaultReportsDir,
			ArtifactsDir: defaultArtifactsDir,
		},
		Watch: Watch{
			Extensions:      append([]string(nil), defaultExtensions...),
			Nested:          true,
			StabilizationMS: defaultStabilizationMS,
			FolderSettleMS:  defaultFolderSettleMS,
			DedupWindowMS:   defaultDedupWindowMS,
		},
		Locks: Locks{
			DirName:           defaultLockDirName,
			StaleAfterSeconds: defaultLockStaleSeconds,
		},
		Workers: Workers{
			ConvertDocument:        1,
			ConvertReport:          1,
			ParseReport:            1,
			InitTimeoutSeconds:     defaultWorkerInitSeconds,
			DispatchTimeoutSeconds: defaultDispatchTimeoutSeconds,
			MaxRestarts:            defaultMaxRestarts,
			RestartWindowSeconds:   defaultRestartWindowSeconds,
			ShutdownGraceSeconds:   defaultWorkerGraceSeconds,
		},
		Converter: Converter{
			DocumentCommand:    append([]string(nil), defaultDocumentCommand...),
			MergeCommand:       append([]string(nil), defaultMergeCommand...),
			ReportCommand:      append([]string(nil), defaultReportCommand...),
			CanonicalExtension: defaultCanonicalExtension,
			TimeoutSeconds:     defaultConverterTimeout,
		},
		Review: Review{
			SubmitPath:        defaultReviewSubmitPath,
			StatusPath:        defaultReviewStatusPath,
			TimeoutSeconds:    defaultReviewTimeoutSeconds,
			MaxAttempts:       defaultReviewMaxAttempts,
			RetryBaseMS:       defaultReviewRetryBaseMS,
			RetryMaxMS:        defaultReviewRetryMaxMS,
			RequestsPerSecond: defaultReviewRPS,
		},
		Workflow: Workflow{
			Concurrency:          defaultConcurrency,
			PollIntervalSeconds:  defaultPollIntervalSeconds,
			ShutdownGraceSeconds: defaultWorkflowGraceSeconds,
			NumberingCheck:       true,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			JobCompleted:   true,
			JobFailed:      true,
			ServiceOffline: true,
			WorkerFailed:   true,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
