// Command lumen-watch plays a course video against an LMS backend with a
// simulated player and reports progress as it is tracked and saved.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/api"
	"github.com/lumenlms/lumen/internal/config"
	"github.com/lumenlms/lumen/internal/localstore"
	"github.com/lumenlms/lumen/internal/player"
	"github.com/lumenlms/lumen/internal/player/simulated"
	"github.com/lumenlms/lumen/internal/progress"
)

type options struct {
	videoID  string
	courseID string
	url      string
	email    string
	password string
	duration float64
	watchFor time.Duration
	logout   bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("lumen-watch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.videoID, "video", "", "video id to play (required)")
	fs.StringVar(&opts.courseID, "course", "", "course id to summarize after playback")
	fs.StringVar(&opts.url, "url", "", "media or YouTube/Vimeo URL; defaults to the backend stream")
	fs.StringVar(&opts.email, "email", os.Getenv("LMS_EMAIL"), "login email when no token is stored")
	fs.StringVar(&opts.password, "password", os.Getenv("LMS_PASSWORD"), "login password")
	fs.Float64Var(&opts.duration, "duration", 120, "simulated media length in seconds")
	fs.DurationVar(&opts.watchFor, "for", 0, "stop after this long instead of at the end")
	fs.BoolVar(&opts.logout, "logout", false, "end the session after playback")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.videoID == "" {
		return options{}, errors.New("-video is required")
	}
	if opts.duration <= 0 {
		return options{}, errors.New("-duration must be positive")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	if err := config.LoadDotenv(); err != nil {
		log.Fatal(err)
	}
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal(err)
	}

	statePath := cfg.StateFile
	if statePath == "" {
		if statePath, err = localstore.DefaultPath(); err != nil {
			log.Fatal(err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(context.Background(), opts, cfg, localstore.NewFile(statePath), clockwork.NewRealClock(), logger); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts options, cfg config.Client, store localstore.Store, clock clockwork.Clock, logger *slog.Logger) error {
	client := api.New(cfg.APIURL, store, api.WithLogger(logger))
	if client.Token() == "" {
		if opts.email == "" || opts.password == "" {
			return errors.New("not logged in: pass -email and -password")
		}
		if _, err := client.Login(ctx, opts.email, opts.password); err != nil {
			return err
		}
		logger.Info("logged in", "email", opts.email)
	}

	pc := progress.NewClient(client)
	pc.SetLogger(logger)
	pc.SetClock(clock)

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	page := player.NewPage()
	tracker, err := player.New(player.Config{
		Progress: pc,
		Sessions: client,
		Store:    store,
		Clock:    clock,
		Page:     page,
		NewMediaElement: func() player.MediaElement {
			return simulated.NewElement(clock, opts.duration)
		},
		NewEmbedded:       simulated.EmbeddedFactory(clock, opts.duration, 0),
		StreamBaseURL:     client.BaseURL(),
		SampleInterval:    cfg.SampleInterval,
		SaveInterval:      cfg.SaveInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		EmitThrottle:      cfg.EmitThrottle,
		OnProgress: func(r progress.Record) {
			logger.Info("progress",
				"video_id", r.VideoID,
				"position", fmt.Sprintf("%.1f", r.LastPosition),
				"duration", fmt.Sprintf("%.1f", r.Duration),
				"completed", r.Completed,
			)
		},
		OnError: func(msg string) {
			logger.Error("playback failed", "error", msg)
			finish()
		},
		OnCompleted: func(v player.Video) {
			logger.Info("video completed", "video_id", v.ID)
			finish()
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	sigCtx, stopSignals := context.WithCancel(ctx)
	defer stopSignals()
	go player.NotifySignals(sigCtx, page, finish, os.Interrupt, syscall.SIGTERM)

	if err := tracker.Open(ctx, player.Video{ID: opts.videoID, CourseID: opts.courseID, URL: opts.url}); err != nil {
		return err
	}
	if err := tracker.Play(); err != nil && !errors.Is(err, player.ErrNoSession) {
		return err
	}

	var deadline <-chan time.Time
	if opts.watchFor > 0 {
		deadline = clock.After(opts.watchFor)
	}
	select {
	case <-done:
	case <-deadline:
		_ = tracker.Pause()
	case <-ctx.Done():
	}

	tracker.Close()
	tracker.Wait()
	pc.Flush()

	if opts.courseID != "" {
		if cp := pc.GetCourseProgress(ctx, opts.courseID); cp != nil {
			logger.Info("course progress",
				"course_id", cp.CourseID,
				"completed", cp.CompletedVideos,
				"total", cp.TotalVideos,
				"percent", fmt.Sprintf("%.0f", cp.Percent),
			)
		}
	}

	if opts.logout {
		if err := client.Logout(ctx); err != nil {
			logger.Warn("logout failed", "error", err)
		}
	}
	return nil
}
