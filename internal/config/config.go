package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/origin"
)

const (
	envVarConfigFile          = "AERO_GAZE_GATEWAY_CONFIG"
	envVarListenAddr          = "AERO_GAZE_GATEWAY_LISTEN_ADDR"
	envVarAllowedOrigins      = "ALLOWED_ORIGINS"
	envVarLogFormat           = "AERO_GAZE_GATEWAY_LOG_FORMAT"
	envVarLogLevel            = "AERO_GAZE_GATEWAY_LOG_LEVEL"
	envVarLogFile             = "AERO_GAZE_GATEWAY_LOG_FILE"
	envVarLogMaxSizeMB        = "AERO_GAZE_GATEWAY_LOG_MAX_SIZE_MB"
	envVarLogMaxBackups       = "AERO_GAZE_GATEWAY_LOG_MAX_BACKUPS"
	envVarLogMaxAgeDays       = "AERO_GAZE_GATEWAY_LOG_MAX_AGE_DAYS"
	envVarShutdownTimeout     = "AERO_GAZE_GATEWAY_SHUTDOWN_TIMEOUT"
	envVarMode                = "AERO_GAZE_GATEWAY_MODE"
	envVarICEGatheringTimeout = "AERO_GAZE_GATEWAY_ICE_GATHERING_TIMEOUT"
	envVarConsole             = "AERO_GAZE_GATEWAY_CONSOLE"

	// Session lifecycle knobs.
	envVarSessionConnectTimeout = "SESSION_CONNECT_TIMEOUT"
	envVarMaxPendingCandidates  = "MAX_PENDING_CANDIDATES"
	envVarPendingCandidateTTL   = "PENDING_CANDIDATE_TTL"
	envVarKeyframeInterval      = "KEYFRAME_INTERVAL"

	// Telemetry and aggregator uplink.
	envVarTelemetryQueueSize = "TELEMETRY_QUEUE_SIZE"
	envVarTelemetryWorkers   = "TELEMETRY_WORKERS"
	envVarAggregatorURL      = "AGGREGATOR_URL"
	envVarUplinkRetryDelay   = "UPLINK_RETRY_DELAY"
	envVarUplinkWriteTimeout = "UPLINK_WRITE_TIMEOUT"
	envVarUplinkPingInterval = "UPLINK_PING_INTERVAL"

	// Signaling auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarMaxSignalingRequestsPerSecond = "MAX_SIGNALING_REQUESTS_PER_SECOND"
	envVarMaxSignalingBodyBytes         = "MAX_SIGNALING_BODY_BYTES"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCMDNSMode               = "WEBRTC_MDNS_MODE"

	// TURN REST (coturn use-auth-secret) credentials for TURN servers
	// configured without a static username/credential.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr            = "0.0.0.0:5000"
	DefaultShutdown              = 15 * time.Second
	DefaultICEGatherTimeout      = 2 * time.Second
	DefaultSessionConnectTimeout = 30 * time.Second
	DefaultMaxPendingCandidates  = 64
	DefaultPendingCandidateTTL   = 60 * time.Second
	DefaultKeyframeInterval      = 3 * time.Second
	DefaultTelemetryQueueSize    = 256
	DefaultTelemetryWorkers      = 4
	DefaultAggregatorURL         = "ws://localhost:3001"
	DefaultUplinkRetryDelay      = 3 * time.Second
	DefaultUplinkWriteTimeout    = 5 * time.Second
	DefaultUplinkPingInterval    = 15 * time.Second

	DefaultMode     Mode     = ModeDev
	DefaultAuthMode AuthMode = AuthModeNone

	DefaultMaxSignalingRequestsPerSecond = 50
	DefaultMaxSignalingBodyBytes         = int64(1 << 20)

	DefaultLogMaxSizeMB  = 100
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 28

	DefaultWebRTCUDPListenIP = "0.0.0.0"
	DefaultWebRTCMDNSMode    = MDNSModeDisabled

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "aero-gaze"
)

const (
	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
	flagWebRTCMDNSMode               = "webrtc-mdns-mode"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. Each session
// may consume several UDP ports during ICE.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

// MDNSMode controls whether pion resolves or publishes .local candidates.
type MDNSMode string

const (
	MDNSModeDisabled MDNSMode = "disabled"
	MDNSModeQuery    MDNSMode = "query"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// LogRotation configures size-based rotation when logging to a file.
type LogRotation struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Config struct {
	ConfigFile          string
	ListenAddr          string
	AllowedOrigins      []string
	LogFormat           LogFormat
	LogLevel            slog.Level
	Log                 LogRotation
	ShutdownTimeout     time.Duration
	ICEGatheringTimeout time.Duration
	Mode                Mode
	// Console enables the operator console on stdin.
	Console bool

	// SessionConnectTimeout bounds how long a session may stay unconnected
	// after its answer is returned before it is closed.
	SessionConnectTimeout time.Duration
	MaxPendingCandidates  int
	PendingCandidateTTL   time.Duration
	// KeyframeInterval is how often the relay asks senders for a keyframe.
	// 0 disables keyframe requests.
	KeyframeInterval time.Duration

	TelemetryQueueSize int
	TelemetryWorkers   int

	AggregatorURL      string
	UplinkRetryDelay   time.Duration
	UplinkWriteTimeout time.Duration
	// UplinkPingInterval of 0 disables keepalive pings.
	UplinkPingInterval time.Duration

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	// MaxSignalingRequestsPerSecond is a per-client budget across the
	// signaling routes. 0 disables it.
	MaxSignalingRequestsPerSecond int
	MaxSignalingBodyBytes         int64

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures pion to advertise these public IPs for ICE
	// when the gateway is behind NAT. Values must be literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE binds UDP
	// sockets to. 0.0.0.0 means the library default (all interfaces).
	WebRTCUDPListenIP net.IP
	WebRTCMDNSMode    MDNSMode

	ICEServers []webrtc.ICEServer
	TURNREST   TURNRESTConfig
}

// TURNRESTConfig mints short-lived TURN credentials from a secret shared
// with the TURN server. Disabled when SharedSecret is empty.
type TURNRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configPath := envOrDefault(envLookup, envVarConfigFile, "")
	if p, ok := configFlagValue(args); ok {
		configPath = p
	}
	fromFile := map[string]string{}
	if strings.TrimSpace(configPath) != "" {
		v, err := loadFile(configPath)
		if err != nil {
			return Config{}, err
		}
		fromFile = v
	}

	// Environment variables override the config file; flags override both.
	lookup := func(key string) (string, bool) {
		if v, ok := envLookup(key); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
		v, ok := fromFile[key]
		return v, ok
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	logFile := envOrDefault(lookup, envVarLogFile, "")
	aggregatorURL := envOrDefault(lookup, envVarAggregatorURL, DefaultAggregatorURL)
	authModeDefault := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	console, err := envBoolOrDefault(lookup, envVarConsole, true)
	if err != nil {
		return Config{}, err
	}

	logMaxSizeMB, err := envIntOrDefault(lookup, envVarLogMaxSizeMB, DefaultLogMaxSizeMB)
	if err != nil {
		return Config{}, err
	}
	logMaxBackups, err := envIntOrDefault(lookup, envVarLogMaxBackups, DefaultLogMaxBackups)
	if err != nil {
		return Config{}, err
	}
	logMaxAgeDays, err := envIntOrDefault(lookup, envVarLogMaxAgeDays, DefaultLogMaxAgeDays)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionConnectTimeout, err := envDurationOrDefault(lookup, envVarSessionConnectTimeout, DefaultSessionConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	pendingCandidateTTL, err := envDurationOrDefault(lookup, envVarPendingCandidateTTL, DefaultPendingCandidateTTL)
	if err != nil {
		return Config{}, err
	}
	keyframeInterval, err := envDurationOrDefault(lookup, envVarKeyframeInterval, DefaultKeyframeInterval)
	if err != nil {
		return Config{}, err
	}
	uplinkRetryDelay, err := envDurationOrDefault(lookup, envVarUplinkRetryDelay, DefaultUplinkRetryDelay)
	if err != nil {
		return Config{}, err
	}
	uplinkWriteTimeout, err := envDurationOrDefault(lookup, envVarUplinkWriteTimeout, DefaultUplinkWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	uplinkPingInterval, err := envDurationOrDefault(lookup, envVarUplinkPingInterval, DefaultUplinkPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxPendingCandidates, err := envIntOrDefault(lookup, envVarMaxPendingCandidates, DefaultMaxPendingCandidates)
	if err != nil {
		return Config{}, err
	}
	telemetryQueueSize, err := envIntOrDefault(lookup, envVarTelemetryQueueSize, DefaultTelemetryQueueSize)
	if err != nil {
		return Config{}, err
	}
	telemetryWorkers, err := envIntOrDefault(lookup, envVarTelemetryWorkers, DefaultTelemetryWorkers)
	if err != nil {
		return Config{}, err
	}
	maxSignalingRequestsPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingRequestsPerSecond, DefaultMaxSignalingRequestsPerSecond)
	if err != nil {
		return Config{}, err
	}

	maxSignalingBodyBytes := DefaultMaxSignalingBodyBytes
	if raw, ok := lookup(envVarMaxSignalingBodyBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingBodyBytes, raw, err)
		}
		maxSignalingBodyBytes = n
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}

	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	webrtcMDNSModeStr := envOrDefault(lookup, envVarWebRTCMDNSMode, string(DefaultWebRTCMDNSMode))

	fs := flag.NewFlagSet("aero-gaze-gateway", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&configPath, "config", configPath, "Path to a YAML or TOML config file (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&logFile, "log-file", logFile, "Write logs to this file with size-based rotation instead of stdout (env "+envVarLogFile+")")
	fs.IntVar(&logMaxSizeMB, "log-max-size-mb", logMaxSizeMB, "Rotate the log file after this many megabytes (env "+envVarLogMaxSizeMB+")")
	fs.IntVar(&logMaxBackups, "log-max-backups", logMaxBackups, "Rotated log files to keep (env "+envVarLogMaxBackups+")")
	fs.IntVar(&logMaxAgeDays, "log-max-age-days", logMaxAgeDays, "Days to keep rotated log files (env "+envVarLogMaxAgeDays+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering before returning an answer (e.g. 2s)")
	fs.BoolVar(&console, "console", console, "Read gaze/blink overrides from stdin (env "+envVarConsole+")")

	fs.DurationVar(&sessionConnectTimeout, "session-connect-timeout", sessionConnectTimeout, "Close sessions that have not connected within this duration (env "+envVarSessionConnectTimeout+")")
	fs.IntVar(&maxPendingCandidates, "max-pending-candidates", maxPendingCandidates, "Max ICE candidates buffered per client before its session is ready (env "+envVarMaxPendingCandidates+")")
	fs.DurationVar(&pendingCandidateTTL, "pending-candidate-ttl", pendingCandidateTTL, "Discard buffered candidates untouched for this long (env "+envVarPendingCandidateTTL+")")
	fs.DurationVar(&keyframeInterval, "keyframe-interval", keyframeInterval, "Ask senders for a keyframe at this interval (0 = never; env "+envVarKeyframeInterval+")")

	fs.IntVar(&telemetryQueueSize, "telemetry-queue-size", telemetryQueueSize, "Telemetry events buffered before the oldest are dropped (env "+envVarTelemetryQueueSize+")")
	fs.IntVar(&telemetryWorkers, "telemetry-workers", telemetryWorkers, "Goroutines delivering telemetry to the aggregator (env "+envVarTelemetryWorkers+")")
	fs.StringVar(&aggregatorURL, "aggregator-url", aggregatorURL, "Aggregator WebSocket URL (env "+envVarAggregatorURL+")")
	fs.DurationVar(&uplinkRetryDelay, "uplink-retry-delay", uplinkRetryDelay, "Fixed delay between aggregator reconnect attempts (env "+envVarUplinkRetryDelay+")")
	fs.DurationVar(&uplinkWriteTimeout, "uplink-write-timeout", uplinkWriteTimeout, "Write deadline for each telemetry message (env "+envVarUplinkWriteTimeout+")")
	fs.DurationVar(&uplinkPingInterval, "uplink-ping-interval", uplinkPingInterval, "Keepalive ping interval on the aggregator connection (0 = off; env "+envVarUplinkPingInterval+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.IntVar(&maxSignalingRequestsPerSecond, "max-signaling-requests-per-second", maxSignalingRequestsPerSecond, "Max signaling requests per second per client (0 = unlimited; env "+envVarMaxSignalingRequestsPerSecond+")")
	fs.Int64Var(&maxSignalingBodyBytes, "max-signaling-body-bytes", maxSignalingBodyBytes, "Max signaling request body size in bytes (env "+envVarMaxSignalingBodyBytes+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.StringVar(&webrtcMDNSModeStr, flagWebRTCMDNSMode, webrtcMDNSModeStr, "mDNS candidate handling: disabled or query (env "+envVarWebRTCMDNSMode+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if sessionConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--session-connect-timeout must be > 0", envVarSessionConnectTimeout)
	}
	if maxPendingCandidates <= 0 {
		return Config{}, fmt.Errorf("%s/--max-pending-candidates must be > 0", envVarMaxPendingCandidates)
	}
	if pendingCandidateTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--pending-candidate-ttl must be > 0", envVarPendingCandidateTTL)
	}
	if keyframeInterval < 0 {
		return Config{}, fmt.Errorf("%s/--keyframe-interval must be >= 0", envVarKeyframeInterval)
	}
	if telemetryQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s/--telemetry-queue-size must be > 0", envVarTelemetryQueueSize)
	}
	if telemetryWorkers <= 0 {
		return Config{}, fmt.Errorf("%s/--telemetry-workers must be > 0", envVarTelemetryWorkers)
	}
	if uplinkRetryDelay <= 0 {
		return Config{}, fmt.Errorf("%s/--uplink-retry-delay must be > 0", envVarUplinkRetryDelay)
	}
	if uplinkWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--uplink-write-timeout must be > 0", envVarUplinkWriteTimeout)
	}
	if uplinkPingInterval < 0 {
		return Config{}, fmt.Errorf("%s/--uplink-ping-interval must be >= 0", envVarUplinkPingInterval)
	}
	if maxSignalingRequestsPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-requests-per-second must be >= 0 (0 = unlimited)", envVarMaxSignalingRequestsPerSecond)
	}
	if maxSignalingBodyBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-body-bytes must be > 0", envVarMaxSignalingBodyBytes)
	}
	turnREST := TURNRESTConfig{
		SharedSecret:   strings.TrimSpace(turnRESTSharedSecret),
		TTLSeconds:     turnRESTTTLSeconds,
		UsernamePrefix: strings.TrimSpace(turnRESTUsernamePrefix),
	}
	if turnREST.Enabled() {
		if turnREST.TTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if turnREST.UsernamePrefix == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}
	if strings.TrimSpace(logFile) != "" {
		if logMaxSizeMB <= 0 {
			return Config{}, fmt.Errorf("%s/--log-max-size-mb must be > 0", envVarLogMaxSizeMB)
		}
		if logMaxBackups < 0 || logMaxAgeDays < 0 {
			return Config{}, fmt.Errorf("%s and %s must be >= 0", envVarLogMaxBackups, envVarLogMaxAgeDays)
		}
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}

	aggregatorURL, err = parseWebSocketURL(aggregatorURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--aggregator-url: %w", envVarAggregatorURL, err)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}

	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	webrtcMDNSMode, err := parseMDNSMode(webrtcMDNSModeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCMDNSMode, "--"+flagWebRTCMDNSMode, webrtcMDNSModeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnREST.Enabled())
	if err != nil {
		return Config{}, err
	}

	return Config{
		ConfigFile:     configPath,
		ListenAddr:     listenAddr,
		AllowedOrigins: allowedOrigins,
		LogFormat:      logFormat,
		LogLevel:       level,
		Log: LogRotation{
			File:       strings.TrimSpace(logFile),
			MaxSizeMB:  logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAgeDays: logMaxAgeDays,
		},
		ShutdownTimeout:     shutdownTimeout,
		ICEGatheringTimeout: iceGatherTimeout,
		Mode:                mode,
		Console:             console,

		SessionConnectTimeout: sessionConnectTimeout,
		MaxPendingCandidates:  maxPendingCandidates,
		PendingCandidateTTL:   pendingCandidateTTL,
		KeyframeInterval:      keyframeInterval,

		TelemetryQueueSize: telemetryQueueSize,
		TelemetryWorkers:   telemetryWorkers,

		AggregatorURL:      aggregatorURL,
		UplinkRetryDelay:   uplinkRetryDelay,
		UplinkWriteTimeout: uplinkWriteTimeout,
		UplinkPingInterval: uplinkPingInterval,

		AuthMode:                      authMode,
		APIKey:                        apiKey,
		JWTSecret:                     jwtSecret,
		MaxSignalingRequestsPerSecond: maxSignalingRequestsPerSecond,
		MaxSignalingBodyBytes:         maxSignalingBodyBytes,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
		WebRTCMDNSMode:               webrtcMDNSMode,

		ICEServers: iceServers,
		TURNREST:   turnREST,
	}, nil
}

// configFlagValue finds -config/--config in args before the full flag set
// is parsed, so the file can supply flag defaults.
func configFlagValue(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return "", false
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v, true
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseMDNSMode(raw string) (MDNSMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MDNSModeDisabled):
		return MDNSModeDisabled, nil
	case string(MDNSModeQuery):
		return MDNSModeQuery, nil
	default:
		return "", fmt.Errorf("expected %s or %s", MDNSModeDisabled, MDNSModeQuery)
	}
}

func parseWebSocketURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("%q: expected ws:// or wss://", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q: missing host", raw)
	}
	return raw, nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
