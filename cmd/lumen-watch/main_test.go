package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/auth"
	"github.com/lumenlms/lumen/internal/config"
	"github.com/lumenlms/lumen/internal/devserver"
	"github.com/lumenlms/lumen/internal/localstore"
)

const testSecret = "lumen-watch-test-secret"

func TestParseFlags(t *testing.T) {
	t.Setenv("LMS_EMAIL", "")
	t.Setenv("LMS_PASSWORD", "")

	opts, err := parseFlags([]string{"-video", "intro", "-duration", "30", "-for", "5s"}, io.Discard)
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if opts.videoID != "intro" || opts.duration != 30 || opts.watchFor != 5*time.Second {
		t.Errorf("unexpected options: %+v", opts)
	}
}

func TestParseFlagsValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing video", []string{}},
		{"zero duration", []string{"-video", "intro", "-duration", "0"}},
		{"unknown flag", []string{"-video", "intro", "-speed", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFlags(tt.args, io.Discard); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseFlagsReadsCredentialsFromEnv(t *testing.T) {
	t.Setenv("LMS_EMAIL", "ada@example.com")
	t.Setenv("LMS_PASSWORD", "secret")

	opts, err := parseFlags([]string{"-video", "intro"}, io.Discard)
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if opts.email != "ada@example.com" || opts.password != "secret" {
		t.Errorf("expected credentials from env, got %q / %q", opts.email, opts.password)
	}
}

func testClientConfig(apiURL string) config.Client {
	return config.Client{
		APIURL:            apiURL,
		SampleInterval:    time.Second,
		SaveInterval:      time.Second,
		HeartbeatInterval: time.Second,
		EmitThrottle:      time.Second,
	}
}

func TestRunRequiresCredentials(t *testing.T) {
	opts := options{videoID: "intro", duration: 1}
	err := run(context.Background(), opts, testClientConfig("http://127.0.0.1:1"), localstore.NewMemory(), clockwork.NewRealClock(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected an error without a token or credentials")
	}
}

func TestRunWatchesVideoToCompletion(t *testing.T) {
	store := devserver.NewMemoryStore(nil)
	store.AddVideo("intro", "course-1", "")
	srv, err := devserver.New(devserver.Config{Store: store, JWTSecret: testSecret})
	if err != nil {
		t.Fatalf("new devserver: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	token, err := auth.GenerateAccessToken(testSecret, "user-1", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	local := localstore.NewMemory()
	if err := local.Set(localstore.TokenKey, token); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	opts := options{videoID: "intro", courseID: "course-1", duration: 1, watchFor: 10 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := run(ctx, opts, testClientConfig(ts.URL), local, clockwork.NewRealClock(), logger); err != nil {
		t.Fatalf("run: %v", err)
	}

	rec, err := store.GetProgress(context.Background(), "user-1", "intro")
	if err != nil {
		t.Fatalf("expected progress to be stored: %v", err)
	}
	if !rec.Completed {
		t.Errorf("expected the video to be completed, got %+v", rec)
	}
	if _, err := local.Get(localstore.PlaybackSessionKey); err != nil {
		t.Errorf("expected a playback session id to be persisted: %v", err)
	}
}
