package version

// Version is stamped by the release build via -ldflags; "dev" otherwise.
var Version = "dev"
