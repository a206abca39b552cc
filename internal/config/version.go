package config

// Version is the build version, overridden at link time via
// -ldflags "-X github.com/fxsage/fxadvisor/internal/config.Version=...".
var Version = "0.1.0"
