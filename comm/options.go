// Package comm implements the framework-agnostic Executor communication
// handler: signature validation, registration, and run-request dispatch.
// It depends only on engine, never on a specific HTTP framework;
// comm/nethttp supplies the one adapter this repo ships.
package comm

import (
	"os"
	"strconv"

	"github.com/stepforge/stepforge-go/engine"
)

// Streaming is the INNGEST_STREAMING policy.
type Streaming string

const (
	StreamingOff   Streaming = "false"
	StreamingAllow Streaming = "allow"
	StreamingForce Streaming = "force"
)

// Options configures a Handler. Every field may be left zero and is
// filled from its environment variable at construction time. Configuration
// is scoped onto this struct rather than read from package-level globals.
type Options struct {
	AppID string

	SigningKey         string
	SigningKeyFallback string
	EventKey           string

	BaseURL         string
	APIBaseURL      string
	EventAPIBaseURL string

	ServeHost string
	ServePath string

	LogLevel  string
	Streaming Streaming

	// Dev forces dev mode; DevServerURL overrides the inferred
	// http://127.0.0.1:8288 address.
	Dev          bool
	DevServerURL string

	Logger     engine.Logger
	Checkpoint engine.CheckpointClient
	Deps       engine.ExecutorDeps

	Middleware []engine.Middleware

	// SkipSignatureExpiry disables the 5-minute timestamp check. Intended
	// for tests only.
	SkipSignatureExpiry bool
}

const defaultDevServerURL = "http://127.0.0.1:8288"

// withEnv fills every unset field from its environment variable. Explicit
// Options fields always win over the environment.
func (o Options) withEnv() Options {
	if o.SigningKey == "" {
		o.SigningKey = os.Getenv("INNGEST_SIGNING_KEY")
	}
	if o.SigningKeyFallback == "" {
		o.SigningKeyFallback = os.Getenv("INNGEST_SIGNING_KEY_FALLBACK")
	}
	if o.EventKey == "" {
		o.EventKey = os.Getenv("INNGEST_EVENT_KEY")
	}
	if o.BaseURL == "" {
		o.BaseURL = os.Getenv("INNGEST_BASE_URL")
	}
	if o.APIBaseURL == "" {
		o.APIBaseURL = os.Getenv("INNGEST_API_BASE_URL")
	}
	if o.EventAPIBaseURL == "" {
		o.EventAPIBaseURL = os.Getenv("INNGEST_EVENT_API_BASE_URL")
	}
	if o.ServeHost == "" {
		o.ServeHost = os.Getenv("INNGEST_SERVE_HOST")
	}
	if o.ServePath == "" {
		o.ServePath = os.Getenv("INNGEST_SERVE_PATH")
	}
	if o.LogLevel == "" {
		o.LogLevel = os.Getenv("INNGEST_LOG_LEVEL")
	}
	if o.Streaming == "" {
		o.Streaming = Streaming(os.Getenv("INNGEST_STREAMING"))
	}
	if !o.Dev {
		if v, err := strconv.ParseBool(os.Getenv("INNGEST_DEV")); err == nil {
			o.Dev = v
		} else if os.Getenv("INNGEST_DEV") != "" {
			o.Dev = true
			o.DevServerURL = os.Getenv("INNGEST_DEV")
		} else if os.Getenv("GO_ENV") == "development" {
			// Infer dev mode from the runtime environment name.
			o.Dev = true
		}
	}
	if o.DevServerURL == "" && o.Dev {
		o.DevServerURL = defaultDevServerURL
	}
	if o.Logger == nil {
		o.Logger = engine.NewZerologLogger(o.LogLevel)
	}
	if o.Checkpoint == nil {
		o.Checkpoint = engine.NoopCheckpointClient{}
	}
	if o.Deps == nil {
		o.Deps = engine.NoopDeps{}
	}
	return o
}

// mode derives cloud vs dev: explicit when Dev or INNGEST_DEV names a
// mode, inferred (cloud) otherwise.
func (o Options) mode() string {
	if o.Dev {
		return "dev"
	}
	return "cloud"
}
