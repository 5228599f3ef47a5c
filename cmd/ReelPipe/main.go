package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/api"
	"github.com/BTreeMap/ReelPipe/internal/dispatch"
	"github.com/BTreeMap/ReelPipe/internal/genai"
	"github.com/BTreeMap/ReelPipe/internal/lockfile"
	"github.com/BTreeMap/ReelPipe/internal/store"
	"github.com/BTreeMap/ReelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReelPipe/internal/util"
	"github.com/BTreeMap/ReelPipe/internal/video"
	"github.com/BTreeMap/ReelPipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReelPipe state data
	DefaultStateDir = "/var/lib/reelpipe"
	// DefaultAppDBFileName is the application SQLite database filename
	DefaultAppDBFileName = "reelpipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultLogLevel applies when LOG_LEVEL is unset
	DefaultLogLevel = "info"

	logMaxSizeMB  = 50
	logMaxBackups = 5
	logMaxAgeDays = 28
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	closeLog, err := initializeLogger(*flags.logLevel, *flags.logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(flags); err != nil {
		slog.Error("ReelPipe failed to run", "error", err)
		closeLog()
		os.Exit(1)
	}
	slog.Info("ReelPipe exited successfully")
}

func run(flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return fmt.Errorf("failed to create required directories: %w", err)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	videoOpts := buildVideoOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping ReelPipe with configured modules", "backend", *flags.backend)
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts),
		"genai", len(genaiOpts), "video", len(videoOpts), "api", len(apiOpts))
	return api.Run(waOpts, twilioOpts, storeOpts, genaiOpts, videoOpts, apiOpts)
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseURL       string
	WhatsAppDSN       string
	APIAddr           string
	Backend           string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFrom        string
	ClassifierKey     string
	ClassifierBaseURL string
	ClassifierModel   string
	GenAIDebug        bool
	HuggingFaceKey    string
	VideoBaseURL      string
	VideoModel        string
	UploadURL         string
	Workers           int
	JobTimeout        time.Duration
	AllowedOrigins    string
	LogFile           string
	LogLevel          string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput        *string
	numeric         *bool
	stateDir        *string
	dbDSN           *string
	waDSN           *string
	apiAddr         *string
	backend         *string
	twilioSID       *string
	twilioToken     *string
	twilioFrom      *string
	classifierKey   *string
	classifierURL   *string
	classifierModel *string
	genaiDebug      *bool
	hfKey           *string
	videoURL        *string
	videoModel      *string
	uploadURL       *string
	workers         *int
	jobTimeout      *time.Duration
	allowedOrigins  *string
	logFile         *string
	logLevel        *string
}

// initializeLogger installs a text handler on stdout, teed into a rotating file when logFile is set.
// The returned func closes the file.
func initializeLogger(level, logFile string) (func(), error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { rotator.Close() }
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})))
	return closeFn, nil
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:          os.Getenv("REELPIPE_STATE_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:           os.Getenv("API_ADDR"),
		Backend:           os.Getenv("MESSAGING_BACKEND"),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:        os.Getenv("TWILIO_FROM_NUMBER"),
		ClassifierKey:     util.FirstEnv("CLASSIFIER_API_KEY", "GROQ_API_KEY", "OPENAI_API_KEY"),
		ClassifierBaseURL: os.Getenv("CLASSIFIER_BASE_URL"),
		ClassifierModel:   os.Getenv("CLASSIFIER_MODEL"),
		GenAIDebug:        util.ParseBoolEnv("GENAI_DEBUG", false),
		HuggingFaceKey:    util.FirstEnv("HUGGING_FACE_API_KEY", "HF_TOKEN"),
		VideoBaseURL:      os.Getenv("VIDEO_BASE_URL"),
		VideoModel:        os.Getenv("VIDEO_MODEL"),
		UploadURL:         os.Getenv("UPLOAD_URL"),
		Workers:           util.ParseIntEnv("DISPATCH_WORKERS", dispatch.DefaultWorkers),
		JobTimeout:        util.ParseDurationEnv("DISPATCH_JOB_TIMEOUT", dispatch.DefaultJobTimeout),
		AllowedOrigins:    os.Getenv("ALLOWED_ORIGINS"),
		LogFile:           os.Getenv("LOG_FILE"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.Backend == "" {
		config.Backend = api.BackendTwilio
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"REELPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"MESSAGING_BACKEND", config.Backend,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"CLASSIFIER_API_KEY_SET", config.ClassifierKey != "",
		"HUGGING_FACE_API_KEY_SET", config.HuggingFaceKey != "",
		"API_ADDR", config.APIAddr,
		"DISPATCH_WORKERS", config.Workers)
	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:        fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:         fs.Bool("numeric-code", false, "print the WhatsApp pairing code instead of a QR code"),
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for ReelPipe data (overrides $REELPIPE_STATE_DIR)"),
		dbDSN:           fs.String("db-dsn", config.DatabaseURL, "application database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		waDSN:           fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:         fs.String("backend", config.Backend, "messaging backend: twilio or whatsapp (overrides $MESSAGING_BACKEND)"),
		twilioSID:       fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:     fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:      fs.String("twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		classifierKey:   fs.String("classifier-api-key", config.ClassifierKey, "style classifier API key (overrides $CLASSIFIER_API_KEY)"),
		classifierURL:   fs.String("classifier-base-url", config.ClassifierBaseURL, "OpenAI-compatible classifier endpoint (overrides $CLASSIFIER_BASE_URL)"),
		classifierModel: fs.String("classifier-model", config.ClassifierModel, "classifier chat model (overrides $CLASSIFIER_MODEL)"),
		genaiDebug:      fs.Bool("genai-debug", config.GenAIDebug, "dump classifier calls under <state-dir>/debug (overrides $GENAI_DEBUG)"),
		hfKey:           fs.String("hf-api-key", config.HuggingFaceKey, "Hugging Face API key (overrides $HUGGING_FACE_API_KEY)"),
		videoURL:        fs.String("video-base-url", config.VideoBaseURL, "text-to-video inference endpoint (overrides $VIDEO_BASE_URL)"),
		videoModel:      fs.String("video-model", config.VideoModel, "text-to-video model (overrides $VIDEO_MODEL)"),
		uploadURL:       fs.String("upload-url", config.UploadURL, "temporary media host upload endpoint (overrides $UPLOAD_URL)"),
		workers:         fs.Int("workers", config.Workers, "concurrent video generations (overrides $DISPATCH_WORKERS)"),
		jobTimeout:      fs.Duration("job-timeout", config.JobTimeout, "timeout for one generation job (overrides $DISPATCH_JOB_TIMEOUT)"),
		allowedOrigins:  fs.String("allowed-origins", config.AllowedOrigins, "comma-separated WebSocket origins (overrides $ALLOWED_ORIGINS)"),
		logFile:         fs.String("log-file", config.LogFile, "also write logs to this rotating file (overrides $LOG_FILE)"),
		logLevel:        fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow -state-dir for databases that were only defaulted from the environment's state dir.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.waDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.waDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}
	return flags, nil
}

// sqlitePath extracts the file path from a SQLite DSN such as "file:/x/y.db?_foreign_keys=on".
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// ensureDirectoriesExist creates the state directory and the parents of file-based databases
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if dsn != "" && store.DetectDSNType(dsn) == "sqlite3" {
			dirs = append(dirs, filepath.Dir(sqlitePath(dsn)))
		}
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if *flags.twilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(*flags.twilioFrom))
	}
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
}

// buildGenAIOptions constructs style classifier options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.classifierKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.classifierKey))
	}
	if *flags.classifierURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(*flags.classifierURL))
	}
	if *flags.classifierModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.classifierModel))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildVideoOptions constructs text-to-video provider options
func buildVideoOptions(flags Flags) []video.Option {
	var opts []video.Option
	if *flags.hfKey != "" {
		opts = append(opts, video.WithAPIKey(*flags.hfKey))
	}
	if *flags.videoURL != "" {
		opts = append(opts, video.WithBaseURL(*flags.videoURL))
	}
	if *flags.videoModel != "" {
		opts = append(opts, video.WithModel(*flags.videoModel))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{api.WithMessagingBackend(*flags.backend)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.uploadURL != "" {
		apiOpts = append(apiOpts, api.WithUploadURL(*flags.uploadURL))
	}
	if *flags.workers > 0 {
		apiOpts = append(apiOpts, api.WithWorkers(*flags.workers))
	}
	if *flags.jobTimeout > 0 {
		apiOpts = append(apiOpts, api.WithJobTimeout(*flags.jobTimeout))
	}
	if origins := splitList(*flags.allowedOrigins); len(origins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(origins...))
	}
	return apiOpts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
