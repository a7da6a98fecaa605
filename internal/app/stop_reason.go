package app

// StopReason says why the app is shutting down. It is logged and decides
// the CLI exit code.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopReauthNeeded StopReason = "reauth_needed"
)

// Version is set at build time with -ldflags "-X .../internal/app.Version=...".
var Version = "dev"
