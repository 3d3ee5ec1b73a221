// Package handler содержит HTTP-обработчики API управления сервисом записи.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/allocation-booker/internal/config"
	"github.com/mmeshcher/allocation-booker/internal/events"
	"github.com/mmeshcher/allocation-booker/internal/middleware"
	"github.com/mmeshcher/allocation-booker/internal/model"
	"github.com/mmeshcher/allocation-booker/internal/monitor"
	"github.com/mmeshcher/allocation-booker/internal/service"
	"github.com/mmeshcher/allocation-booker/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Members() []*model.Member
	Member(id uuid.UUID) (*model.Member, error)
	AddMember(ctx context.Context, identity model.Identity) (*model.Member, error)
	EditMember(ctx context.Context, id uuid.UUID, identity model.Identity) (*model.Member, error)
	RemoveMember(ctx context.Context, id uuid.UUID) error
	CheckNow(id uuid.UUID) error
	FetchInitialInfo(id uuid.UUID) error
	DownloadCertificates(id uuid.UUID) error
	StartMonitoring() error
	StopMonitoring() error
	MonitorState() monitor.State
	Settings() config.Settings
	UpdateSettings(cfg config.Settings) error
}

// EventSource раздаёт события подписчикам потока.
type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
	Recent() []events.Event
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	events         EventSource
	metrics        http.Handler
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, src EventSource, metrics http.Handler, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Handler{
		service:        s,
		events:         src,
		metrics:        metrics,
		logger:         logger,
		authMiddleware: auth,
	}
}

type identityRequest struct {
	NIN      string `json:"nin"`
	WassitNo string `json:"wassit_no"`
	CCP      string `json:"ccp"`
	Phone    string `json:"phone_number"`
}

func (r identityRequest) identity() model.Identity {
	return model.Identity{NIN: r.NIN, WassitNo: r.WassitNo, CCP: r.CCP, Phone: r.Phone}
}

type memberResponse struct {
	ID                  string            `json:"id"`
	Index               int               `json:"index"`
	NIN                 string            `json:"nin"`
	WassitNo            string            `json:"wassit_no"`
	CCP                 string            `json:"ccp"`
	Phone               string            `json:"phone_number"`
	LocalName           string            `json:"local_name,omitempty"`
	LatinName           string            `json:"latin_name,omitempty"`
	Status              string            `json:"status"`
	Icon                string            `json:"icon"`
	PreInscriptionID    string            `json:"pre_inscription_id,omitempty"`
	RdvID               string            `json:"rdv_id,omitempty"`
	RdvDate             string            `json:"rdv_date,omitempty"`
	RdvSource           string            `json:"rdv_source,omitempty"`
	PDFHonneurPath      string            `json:"pdf_honneur_path,omitempty"`
	PDFRdvPath          string            `json:"pdf_rdv_path,omitempty"`
	HaveAllocation      bool              `json:"have_allocation"`
	AllocationDetails   map[string]string `json:"allocation_details,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastActivity        string            `json:"last_activity"`
	LastActivityDetail  string            `json:"last_activity_detail"`
	IsProcessing        bool              `json:"is_processing"`
	UpdatedAt           string            `json:"updated_at"`
}

func toResponse(m *model.Member, index int) memberResponse {
	return memberResponse{
		ID:                  m.ID.String(),
		Index:               index,
		NIN:                 m.NIN,
		WassitNo:            m.WassitNo,
		CCP:                 m.CCP,
		Phone:               m.Phone,
		LocalName:           m.LocalName(),
		LatinName:           m.LatinName(),
		Status:              string(m.Status),
		Icon:                m.Status.Icon(),
		PreInscriptionID:    model.Deref(m.PreInscriptionID),
		RdvID:               model.Deref(m.RdvID),
		RdvDate:             m.RdvDate,
		RdvSource:           string(m.RdvSource),
		PDFHonneurPath:      m.PDFHonneurPath,
		PDFRdvPath:          m.PDFRdvPath,
		HaveAllocation:      m.HaveAllocation,
		AllocationDetails:   m.AllocationDetails,
		ConsecutiveFailures: m.ConsecutiveFailures,
		LastActivity:        m.LastActivity,
		LastActivityDetail:  m.LastActivityDetail,
		IsProcessing:        m.IsProcessing,
		UpdatedAt:           m.UpdatedAt.Format(time.RFC3339),
	}
}

// ListMembers возвращает всех участников в порядке добавления.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members := h.service.Members()

	resp := make([]memberResponse, 0, len(members))
	for i, m := range members {
		resp = append(resp, toResponse(m, i))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetMember возвращает одного участника.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	m, err := h.service.Member(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(m, h.indexOf(id)))
}

// AddMember добавляет участника.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.AddMember(r.Context(), req.identity())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toResponse(m, h.indexOf(m.ID)))
}

// EditMember меняет идентификационные данные участника.
func (h *Handler) EditMember(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.EditMember(r.Context(), id, req.identity())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(m, h.indexOf(id)))
}

// RemoveMember удаляет участника.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveMember(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckMember запускает проверку участника.
func (h *Handler) CheckMember(w http.ResponseWriter, r *http.Request) {
	h.startTask(w, r, h.service.CheckNow)
}

// RefreshInitialInfo запускает повторное получение начальных данных.
func (h *Handler) RefreshInitialInfo(w http.ResponseWriter, r *http.Request) {
	h.startTask(w, r, h.service.FetchInitialInfo)
}

// DownloadCertificates запускает загрузку справок.
func (h *Handler) DownloadCertificates(w http.ResponseWriter, r *http.Request) {
	h.startTask(w, r, h.service.DownloadCertificates)
}

func (h *Handler) startTask(w http.ResponseWriter, r *http.Request, start func(uuid.UUID) error) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}
	if err := start(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// MonitorState возвращает состояние мониторинга.
func (h *Handler) MonitorState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.MonitorState())
}

// StartMonitoring запускает мониторинг.
func (h *Handler) StartMonitoring(w http.ResponseWriter, r *http.Request) {
	if err := h.service.StartMonitoring(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.service.MonitorState())
}

// StopMonitoring останавливает мониторинг.
func (h *Handler) StopMonitoring(w http.ResponseWriter, r *http.Request) {
	if err := h.service.StopMonitoring(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.service.MonitorState())
}

type settingsDTO struct {
	MinMemberDelay      string  `json:"min_member_delay"`
	MaxMemberDelay      string  `json:"max_member_delay"`
	MonitoringInterval  string  `json:"monitoring_interval"`
	Backoff429          string  `json:"backoff_429"`
	BackoffGeneral      string  `json:"backoff_general"`
	RequestTimeout      string  `json:"request_timeout"`
	UpstreamRPS         float64 `json:"upstream_rps"`
	OutageThreshold     int     `json:"outage_threshold"`
	OutageProbeInterval string  `json:"outage_probe_interval"`
}

func toSettingsDTO(s config.Settings) settingsDTO {
	return settingsDTO{
		MinMemberDelay:      s.MinMemberDelay.String(),
		MaxMemberDelay:      s.MaxMemberDelay.String(),
		MonitoringInterval:  s.MonitoringInterval.String(),
		Backoff429:          s.Backoff429.String(),
		BackoffGeneral:      s.BackoffGeneral.String(),
		RequestTimeout:      s.RequestTimeout.String(),
		UpstreamRPS:         s.UpstreamRPS,
		OutageThreshold:     s.OutageThreshold,
		OutageProbeInterval: s.OutageProbeInterval.String(),
	}
}

// apply накладывает заданные поля на текущие настройки.
func (d settingsDTO) apply(s config.Settings) (config.Settings, error) {
	durations := []struct {
		value string
		dst   *time.Duration
	}{
		{d.MinMemberDelay, &s.MinMemberDelay},
		{d.MaxMemberDelay, &s.MaxMemberDelay},
		{d.MonitoringInterval, &s.MonitoringInterval},
		{d.Backoff429, &s.Backoff429},
		{d.BackoffGeneral, &s.BackoffGeneral},
		{d.RequestTimeout, &s.RequestTimeout},
		{d.OutageProbeInterval, &s.OutageProbeInterval},
	}
	for _, f := range durations {
		if f.value == "" {
			continue
		}
		v, err := time.ParseDuration(f.value)
		if err != nil {
			return s, err
		}
		*f.dst = v
	}
	if d.UpstreamRPS != 0 {
		s.UpstreamRPS = d.UpstreamRPS
	}
	if d.OutageThreshold != 0 {
		s.OutageThreshold = d.OutageThreshold
	}
	return s, nil
}

// GetSettings возвращает действующие настройки.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, toSettingsDTO(h.service.Settings()))
}

// UpdateSettings применяет новые настройки. Незаданные поля не меняются.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	next, err := req.apply(h.service.Settings())
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if err := h.service.UpdateSettings(next); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toSettingsDTO(next))
}

// Metrics отдаёт метрики Prometheus.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

func (h *Handler) indexOf(id uuid.UUID) int {
	for i, m := range h.service.Members() {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func memberID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, validation.ErrInvalidIdentity), errors.Is(err, config.ErrInvalidSettings):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrMemberNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrMemberExists),
		errors.Is(err, service.ErrMemberBusy),
		errors.Is(err, service.ErrCheckInProgress),
		errors.Is(err, monitor.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, service.ErrShuttingDown), errors.Is(err, service.ErrNoScheduler):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, http.StatusText(status), status)
		return
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}
