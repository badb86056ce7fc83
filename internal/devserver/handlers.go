package devserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/lumenlms/lumen/internal/auth"
	"github.com/lumenlms/lumen/internal/httputil"
	"github.com/lumenlms/lumen/internal/progress"
)

const streamURLExpiry = time.Hour

var validate = validator.New()

type saveProgressRequest struct {
	LastPosition *float64 `json:"lastPosition" validate:"required,gte=0"`
	Duration     float64  `json:"duration" validate:"gte=0"`
	Completed    bool     `json:"completed"`
}

func (s *Server) saveProgress(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	videoID := chi.URLParam(r, "videoId")

	var req saveProgressRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "lastPosition must be a non-negative number")
		return
	}

	rec, err := s.store.SaveProgress(r.Context(), userID, videoID, progress.SaveInput{
		LastPosition: *req.LastPosition,
		Duration:     req.Duration,
		Completed:    req.Completed,
	})
	if err != nil {
		s.logger.Error("save progress failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to save progress")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	videoID := chi.URLParam(r, "videoId")

	rec, err := s.store.GetProgress(r.Context(), userID, videoID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "progress not found")
			return
		}
		s.logger.Error("get progress failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) courseProgress(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	courseID := chi.URLParam(r, "courseId")

	cp, err := s.store.CourseProgress(r.Context(), userID, courseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "course not found")
			return
		}
		s.logger.Error("course progress failed", "course_id", courseID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load course progress")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cp)
}

func (s *Server) allProgress(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.AllProgress(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		s.logger.Error("list progress failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list progress")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}

func (s *Server) touchSession(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionId")

	client := ParseClientInfo(r.UserAgent())
	if s.geoip != nil {
		loc := s.geoip.Lookup(r.RemoteAddr)
		client.Country, client.City = loc.Country, loc.City
	}
	if err := s.store.TouchSession(r.Context(), userID, sessionID, client, s.clock.Now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("touch session failed", "session_id", sessionID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to touch session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) streamVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	if s.storage == nil {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	key, err := s.store.ObjectKey(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "video not found")
			return
		}
		s.logger.Error("resolve object key failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to resolve video")
		return
	}

	exists, err := s.storage.Exists(r.Context(), key)
	if err != nil {
		s.logger.Error("check object failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to resolve video")
		return
	}
	if !exists {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	streamURL, err := s.storage.StreamURL(r.Context(), key, streamURLExpiry)
	if err != nil {
		s.logger.Error("presign stream failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate stream url")
		return
	}
	http.Redirect(w, r, streamURL, http.StatusFound)
}
