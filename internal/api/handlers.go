package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/healthhub-scheduler/internal/appointment"
	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/scheduling"
	"github.com/hackgods/healthhub-scheduler/internal/slots"
)

const dateLayout = "2006-01-02"

type handlers struct {
	engine    *scheduling.Engine
	providers availability.Store
	log       zerolog.Logger
}

// fail writes err as a client error, or logs it and hides the details when
// it has no public code.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := scheduling.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("request failed")
		writeError(w, status, string(scheduling.CodeInternal), "internal server error")
		return
	}
	writeError(w, status, string(code), err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, "must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return availability.Date(t.Date()), nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (h *handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	var req CreateProviderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	p, err := h.providers.CreateProvider(r.Context(), availability.Provider{
		Role:        req.Role,
		DisplayName: req.DisplayName,
		TimeZone:    req.TimeZone,
		HourlyRate:  req.HourlyRate,
		Currency:    req.Currency,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be an integer")
		return
	}

	list, err := h.providers.ListProviders(r.Context(), availability.Role(r.URL.Query().Get("role")), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []availability.Provider{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "provider_id")
	if !ok {
		return
	}
	p, err := h.providers.GetProvider(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) putRule(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathID(w, r, "provider_id")
	if !ok {
		return
	}
	var req PutRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	validFrom, err := parseDate(req.ValidFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_valid_from", "valid_from must be YYYY-MM-DD")
		return
	}
	rule := availability.Rule{
		Weekdays:           req.Weekdays,
		Start:              req.Start,
		End:                req.End,
		ValidFrom:          validFrom,
		GranularityMinutes: req.GranularityMinutes,
		Supersedes:         req.Supersedes,
	}
	if req.ValidUntil != nil {
		until, err := parseDate(*req.ValidUntil)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_valid_until", "valid_until must be YYYY-MM-DD")
			return
		}
		rule.ValidUntil = &until
	}

	stored, err := h.providers.PutRule(r.Context(), providerID, rule)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *handlers) putException(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathID(w, r, "provider_id")
	if !ok {
		return
	}
	var req PutExceptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}

	stored, err := h.providers.PutException(r.Context(), providerID, availability.Exception{
		Date:               date,
		Start:              req.Start,
		End:                req.End,
		Kind:               req.Kind,
		GranularityMinutes: req.GranularityMinutes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *handlers) getAvailability(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathID(w, r, "provider_id")
	if !ok {
		return
	}
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", "start must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end", "end must be RFC3339")
		return
	}

	avail, err := h.engine.GetAvailability(r.Context(), providerID, start, end)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := AvailabilityResponse{
		ProviderID:  avail.ProviderID,
		Fingerprint: int64(avail.Fingerprint),
		Start:       avail.Window.Start,
		End:         avail.Window.End,
		Slots:       []slots.Slot{},
	}
	for s := range avail.Slots() {
		resp.Slots = append(resp.Slots, s)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) book(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}
	var translatorID *uuid.UUID
	if req.TranslatorID != nil {
		id, err := uuid.Parse(*req.TranslatorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_translator_id", "translator_id must be a valid UUID")
			return
		}
		translatorID = &id
	}

	result, err := h.engine.Book(r.Context(), scheduling.BookRequest{
		ProviderID:            providerID,
		PatientID:             patientID,
		Start:                 req.Start,
		End:                   req.End,
		Fingerprint:           req.Fingerprint,
		TranslatorID:          translatorID,
		TranslatorFingerprint: req.TranslatorFingerprint,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "appointment_id")
	if !ok {
		return
	}
	a, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handlers) listRevisions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "appointment_id")
	if !ok {
		return
	}
	revs, err := h.engine.Revisions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if revs == nil {
		revs = []appointment.Revision{}
	}
	writeJSON(w, http.StatusOK, revs)
}

func (h *handlers) listPatientAppointments(w http.ResponseWriter, r *http.Request) {
	patientID, ok := pathID(w, r, "patient_id")
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be an integer")
		return
	}

	list, err := h.engine.ListPatientAppointments(r.Context(), patientID, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []appointment.Appointment{}
	}
	writeJSON(w, http.StatusOK, AppointmentListResponse{Appointments: list, Limit: limit, Offset: offset})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "appointment_id")
	if !ok {
		return
	}
	var req CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	a, err := h.engine.Cancel(r.Context(), id, req.ExpectedVersion, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handlers) reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "appointment_id")
	if !ok {
		return
	}
	var req RescheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	a, err := h.engine.Reschedule(r.Context(), scheduling.RescheduleRequest{
		ID:                    id,
		ExpectedVersion:       req.ExpectedVersion,
		Start:                 req.Start,
		End:                   req.End,
		Fingerprint:           req.Fingerprint,
		TranslatorFingerprint: req.TranslatorFingerprint,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handlers) paymentResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "appointment_id")
	if !ok {
		return
	}
	var req PaymentResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	a, err := h.engine.HandlePaymentResult(r.Context(), id, scheduling.PaymentOutcome(req.Outcome))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handlers) complete(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.engine.Complete)
}

func (h *handlers) noShow(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.engine.MarkNoShow)
}

func (h *handlers) finish(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID, expectedVersion int64) (appointment.Appointment, error)) {
	id, ok := pathID(w, r, "appointment_id")
	if !ok {
		return
	}
	var req VersionedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	a, err := fn(r.Context(), id, req.ExpectedVersion)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
