package devserver_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/api"
	"github.com/lumenlms/lumen/internal/auth"
	"github.com/lumenlms/lumen/internal/devserver"
	"github.com/lumenlms/lumen/internal/localstore"
	"github.com/lumenlms/lumen/internal/player"
	"github.com/lumenlms/lumen/internal/player/simulated"
	"github.com/lumenlms/lumen/internal/progress"
	"github.com/pashagolub/pgxmock/v4"
	"golang.org/x/crypto/bcrypt"
)

func TestClientLoginSaveAndRefresh(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create pgxmock pool: %v", err)
	}
	defer mock.Close()

	h := newHarness(t, func(c *devserver.Config) { c.DB = mock })
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	mock.ExpectQuery(`SELECT id, password FROM users`).
		WithArgs("ada@example.com").
		WillReturnRows(pgxmock.NewRows([]string{"id", "password"}).AddRow("user-1", string(hash)))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	client := api.New(ts.URL, localstore.NewMemory())
	if _, err := client.Login(ctx, "Ada@Example.com", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}

	pc := progress.NewClient(client)
	saved, err := pc.SaveProgress(ctx, "intro", progress.SaveInput{LastPosition: 30, Duration: 100})
	if err != nil || saved == nil {
		t.Fatalf("save progress: %+v, %v", saved, err)
	}

	// An access token the server rejects forces one refresh through the cookie.
	forged, err := auth.GenerateAccessToken("some-other-secret", "user-1", time.Hour)
	if err != nil {
		t.Fatalf("forge token: %v", err)
	}
	client.SetToken(forged)

	mock.ExpectQuery(`SELECT revoked, expires_at FROM refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1").
		WillReturnRows(pgxmock.NewRows([]string{"revoked", "expires_at"}).AddRow(false, time.Now().Add(time.Hour)))
	mock.ExpectExec(`UPDATE refresh_tokens SET revoked`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	got := pc.GetProgress(ctx, "intro")
	if got == nil || got.LastPosition != 30 {
		t.Fatalf("expected stored position 30 after refresh, got %+v", got)
	}
	if client.Token() == forged {
		t.Error("expected the refreshed token to replace the rejected one")
	}

	cp := pc.GetCourseProgress(ctx, "course-1")
	if cp == nil || cp.TotalVideos != 2 {
		t.Errorf("unexpected course progress: %+v", cp)
	}
	if all := pc.GetAllMyProgress(ctx); len(all) != 1 {
		t.Errorf("expected one record, got %+v", all)
	}
	if err := client.TouchSession(ctx, "s-1"); err != nil {
		t.Errorf("touch session: %v", err)
	}

	pc.Wait()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestTrackerPersistsThroughDevserver(t *testing.T) {
	h := newHarness(t, nil)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	store := localstore.NewMemory()
	client := api.New(ts.URL, store)
	client.SetToken(accessToken(t, "user-1"))
	pc := progress.NewClient(client)

	clock := clockwork.NewFakeClock()
	tracker, err := player.New(player.Config{
		Progress: pc,
		Sessions: client,
		Store:    store,
		Clock:    clock,
		Page:     player.NewPage(),
		NewMediaElement: func() player.MediaElement {
			return simulated.NewElement(clock, 100)
		},
		StreamBaseURL: ts.URL,
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	if err := tracker.Open(context.Background(), player.Video{ID: "intro"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tracker.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := tracker.Seek(97); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if err := tracker.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	tracker.Close()
	tracker.Wait()
	pc.Wait()

	rec, err := h.store.GetProgress(context.Background(), "user-1", "intro")
	if err != nil {
		t.Fatalf("expected progress stored: %v", err)
	}
	if rec.LastPosition != 97 || !rec.Completed {
		t.Errorf("unexpected stored record: %+v", rec)
	}
}
