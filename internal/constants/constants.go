package constants

import "time"

const (
	AppName = "devtunnel"
	Version = "1.0.0"
)

// Network defaults
const (
	DefaultAddr       = ":8080"
	DefaultServerURL  = "http://localhost:8080"
	DefaultStartPort  = 9000
	DefaultEndPort    = 9099
	MinPort           = 1
	MaxPort           = 65535
	CopyBufferSize    = 262144 // 256KB for body relay
	BufioReaderSize   = 32768
	MaxHeaderBytes    = 1_000_000
	ReadHeaderTimeout = 10 * time.Second
	IdleTimeout       = 120 * time.Second
	ShutdownTimeout   = 5 * time.Second
)

// Session and inbound connection timing
const (
	LastSeenTimeout      = 30 * time.Second
	RequestTimeout       = 30 * time.Second
	HeaderReadTimeout    = 10 * time.Second
	BodyReadTimeout      = 30 * time.Second
	ErrorDrainTimeout    = 2 * time.Second
	QueueOfferTimeout    = 5 * time.Second
	QueueCapacity        = 200
	PollSlice            = 5 * time.Second
	PollAttempts         = 6
	SweepInterval        = time.Second
	CloseGrace           = 2 * time.Second
	StatusMirrorEvery    = 5 * time.Second
	StatusMirrorTTL      = 15 * time.Second
	StatusFeedInterval   = time.Second
	MaxUserIDLength      = 256
	MaxMDCHeaderValue    = 80
	DefaultClientVer     = 1
	DefaultRegisterRate  = 1.0
	DefaultRegisterBurst = 5
	MaxPollsPerIP        = 64
)

// Tunnel client
const (
	SettingsFileName  = "dev-tunnel.conf"
	ClientMaxErrors   = 10
	ClientRetryDelay  = 3 * time.Second
	ClientErrorDelay  = 500 * time.Millisecond
	ClientAppTimeout  = 60 * time.Second
	ClientHTTPTimeout = 60 * time.Second
	AppDownStatus     = "503 APP_DOWN"
	LocalAppHost      = "127.0.0.1"
)

// Wire headers shared with the tunnel client
const (
	HeaderClientVersion = "X-Tunnel-Client-Version"
	HeaderUserID        = "X-Tunnel-User-Id"
	HeaderPreferredPort = "X-Tunnel-Preferred-Port"
	HeaderRequestID     = "X-Tunnel-Request-Id"
	HeaderRequest       = "X-Tunnel-Request"
	HeaderServerPort    = "X-Tunnel-Server-Port"
	HeaderStatus        = "X-Tunnel-Status"

	HeaderConnection  = "Connection"
	ConnectionClose   = "close"
	ContentTypeStream = "application/octet-stream"
	ContentTypeText   = "text/plain"
	HeaderContentType = "Content-Type"
	HeaderContentLen  = "Content-Length"
	HeaderTransferEnc = "Transfer-Encoding"
	HeaderExpect      = "Expect"
	ExpectContinue    = "100-continue"
	ContinueResponse  = "HTTP/1.1 100 Continue\r\n\r\n"
	HTTPVersionPrefix = "HTTP/1.1 "
)

// API endpoints
const (
	EndpointRegister   = "/register"
	EndpointClose      = "/close"
	EndpointData       = "/data"
	EndpointStatus     = "/status"
	EndpointStatusJSON = "/status.json"
	EndpointStatusWS   = "/status/ws"
	EndpointMetrics    = "/metrics"
	EndpointRoot       = "/"
)

// Synthetic status lines sent to web callers
const (
	StatusTimeout         = "503 TIMEOUT"
	StatusOffline         = "503 OFFLINE"
	StatusOverflow        = "503 OVERFLOW"
	StatusError           = "503 ERROR"
	StatusInvalidResponse = "503 INVALID_RESPONSE"
	StatusIllegalRequest  = "400 ILLEGAL_REQUEST"
	StatusBadRequest      = "400 BAD_REQUEST"
)

// Log stages
const (
	StageWebToAppListen   = "web-to-app-listen"
	StageAppToWebResponse = "app-to-web-response"
	StageRegister         = "register"
	StageClose            = "close"
	StageCleanup          = "cleanup"
	StageListener         = "listener"
)

// Status mirror
const (
	RedisKeyPrefix = "devtunnel:status:"
)

// Audit
const (
	MaxAuditLogsPerMinute = 1000
)

// Time formats
const (
	TimeFormatShort = "15:04:05"
	TimeFormatLong  = "2006-01-02 15:04:05"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorRed    = "\033[31m"
	ColorPurple = "\033[35m"
)

// Messages
const (
	MsgMissingUserID      = "Missing " + HeaderUserID
	MsgInvalidUserID      = "Invalid " + HeaderUserID
	MsgInvalidVersion     = "Invalid " + HeaderClientVersion
	MsgInvalidPort        = "Invalid " + HeaderPreferredPort
	MsgMissingRequestID   = "Missing " + HeaderRequestID
	MsgUnknownRequestID   = "Unknown " + HeaderRequestID
	MsgMissingRespHeaders = "Missing response headers?"
	MsgWrongAppResponse   = "Wrong application response, missing headers"
	MsgNoFreePorts        = "No free ports available - all connections in use"
	MsgTunnelNotFound     = "Tunnel user not Found - Please restart tunnel client"
	MsgNoRequestHeaders   = "No web request headers"
	MsgRequestExpired     = "Web request expired"
	MsgChunkedUnsupported = "Transfer-Encoding chunked not yet supported"
	MsgBadContentLength   = "Invalid Content-Length"
	MsgRateLimitExceeded  = "Rate limit exceeded"
	MsgTooManyPolls       = "Too many concurrent polls"
	MsgAcceptError        = "Unexpected accept error - terminating connections"
	MsgUsage              = "Usage: devtunnel-client <tunnel-server-url> <local-app-port>"
	MsgExample            = "Example: devtunnel-client https://dev-tunnel.example.com/ 3001"
)
