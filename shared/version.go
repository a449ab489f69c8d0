package shared

// Version is overridden at link time with -ldflags "-X .../shared.Version=...".
var Version = "dev"
