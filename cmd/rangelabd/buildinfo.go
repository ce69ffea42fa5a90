package main

// Overridden at build time via ldflags
var version = "dev"

var buildInfo = map[string]string{
	"buildVersion": version,
}
