package common

// Version is set at build time with -ldflags "-X .../common.Version=..."
var Version = "dev"

const PackageName = "github.com/ruteri/oidfed-trust-anchor"
