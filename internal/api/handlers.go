package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/auth"
	"github.com/fetchwork/mediascrape/internal/cache"
	"github.com/fetchwork/mediascrape/internal/scrape"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userDTO struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, err)
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeData(w, http.StatusOK, userDTO{ID: user.ID, Username: user.Username, CreatedAt: user.CreatedAt})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	username := principal(r.Context())
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		// Env-configured credentials have no user row; report the principal
		// as-is.
		writeData(w, http.StatusOK, userDTO{Username: username})
		return
	}
	writeData(w, http.StatusOK, userDTO{ID: user.ID, Username: user.Username, CreatedAt: user.CreatedAt})
}

type scrapeRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one URL is required")
		return
	}
	if len(req.URLs) > s.cfg.MaxURLsPerRequest {
		writeError(w, http.StatusBadRequest,
			"too many URLs, maximum is "+strconv.Itoa(s.cfg.MaxURLsPerRequest))
		return
	}
	for _, u := range req.URLs {
		if !scrape.ValidSubmissionURL(u) {
			writeError(w, http.StatusBadRequest, "invalid URL: "+u)
			return
		}
	}

	result, err := s.controller.EnqueueJob(r.Context(), nil, req.URLs)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeData(w, http.StatusCreated, result)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	status, err := s.controller.QueueStats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeData(w, http.StatusOK, status)
}

type jobSummaryDTO struct {
	JobID       int64            `json:"job_id"`
	Status      scrape.JobStatus `json:"status"`
	TotalURLs   int              `json:"total_urls"`
	MediaFound  int64            `json:"media_found"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at"`
}

type jobDetailDTO struct {
	jobSummaryDTO
	URLs []string `json:"urls"`
}

func jobSummary(job scrape.Job) jobSummaryDTO {
	return jobSummaryDTO{
		JobID:       job.ID,
		Status:      job.Status,
		TotalURLs:   len(job.URLs),
		MediaFound:  job.MediaCount,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	page, limit, ok := parsePageLimit(w, r)
	if !ok {
		return
	}
	jobs, total, err := s.store.ListJobs(r.Context(), page, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	summaries := make([]jobSummaryDTO, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, jobSummary(job))
	}
	writePage(w, summaries, newPagination(total, page, limit))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "job id must be a positive integer")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.internalError(w, err)
		return
	}
	writeData(w, http.StatusOK, jobDetailDTO{jobSummaryDTO: jobSummary(job), URLs: job.URLs})
}

type mediaDTO struct {
	ID        int64            `json:"id"`
	MediaURL  string           `json:"media_url"`
	Type      scrape.MediaType `json:"type"`
	Title     string           `json:"title,omitempty"`
	SourceURL string           `json:"source_url"`
	CreatedAt time.Time        `json:"created_at"`
	JobID     int64            `json:"job_id"`
}

func toMediaDTO(m scrape.Media) mediaDTO {
	return mediaDTO{
		ID:        m.ID,
		MediaURL:  m.MediaURL,
		Type:      m.Type,
		Title:     m.Title,
		SourceURL: m.SourceURL,
		CreatedAt: m.CreatedAt,
		JobID:     m.JobID,
	}
}

type mediaPage struct {
	Items []mediaDTO `json:"items"`
	Total int64      `json:"total"`
}

func (s *Server) listMedia(w http.ResponseWriter, r *http.Request) {
	page, limit, ok := parsePageLimit(w, r)
	if !ok {
		return
	}
	mediaType := r.URL.Query().Get("type")
	if mediaType != "" && mediaType != string(scrape.MediaTypeImage) && mediaType != string(scrape.MediaTypeVideo) {
		writeError(w, http.StatusBadRequest, "type must be image or video")
		return
	}
	search := r.URL.Query().Get("search")

	key := cache.MediaListKey(page, limit, mediaType, search)
	result, err := cache.GetOrSet(r.Context(), s.kv, key, cache.MediaListTTL, func() (mediaPage, error) {
		media, total, err := s.store.ListMedia(r.Context(), scrape.MediaFilter{
			Page:   page,
			Limit:  limit,
			Type:   scrape.MediaType(mediaType),
			Search: search,
		})
		if err != nil {
			return mediaPage{}, err
		}
		items := make([]mediaDTO, 0, len(media))
		for _, m := range media {
			items = append(items, toMediaDTO(m))
		}
		return mediaPage{Items: items, Total: total}, nil
	})
	if err != nil {
		s.internalError(w, err)
		return
	}
	writePage(w, result.Items, newPagination(result.Total, page, limit))
}

func (s *Server) mediaStats(w http.ResponseWriter, r *http.Request) {
	stats, err := cache.GetOrSet(r.Context(), s.kv, cache.StatsMediaKey, cache.StatsTTL, func() (scrape.MediaStats, error) {
		return s.store.MediaStats(r.Context())
	})
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

type mediaDetailDTO struct {
	mediaDTO
	Job jobSummaryDTO `json:"job"`
}

func (s *Server) getMedia(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "media id must be a positive integer")
		return
	}
	media, job, err := s.store.GetMedia(r.Context(), id)
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		s.internalError(w, err)
		return
	}
	writeData(w, http.StatusOK, mediaDetailDTO{mediaDTO: toMediaDTO(media), Job: jobSummary(job)})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Error: "database unavailable"})
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) healthDetailed(w http.ResponseWriter, r *http.Request) {
	dbErr := s.store.Ping(r.Context())

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	body := map[string]any{
		"db":    dbErr == nil,
		"cache": s.kv.Healthy(r.Context()),
		"memory": map[string]any{
			"heap_mb":    float64(stats.HeapAlloc) / 1024 / 1024,
			"sys_mb":     float64(stats.Sys) / 1024 / 1024,
			"goroutines": runtime.NumGoroutine(),
		},
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	status := http.StatusOK
	if dbErr != nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{Success: dbErr == nil, Data: body})
}

func parsePageLimit(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	page, limit = 1, 20
	var err error
	if raw := r.URL.Query().Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			writeError(w, http.StatusBadRequest, "page must be >= 1")
			return 0, 0, false
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 || limit > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return 0, 0, false
		}
	}
	return page, limit, true
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}
