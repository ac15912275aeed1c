// Package config loads shadowstreamd settings from a YAML or JSON file,
// overlays SHADOWSTREAM_* environment variables and fills defaults for every
// key, so the daemon starts with no file at all in development.
package config
