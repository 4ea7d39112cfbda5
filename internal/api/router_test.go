package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/healthhub-scheduler/internal/appointment"
	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/events"
	"github.com/hackgods/healthhub-scheduler/internal/scheduling"
	"github.com/hackgods/healthhub-scheduler/internal/slots"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	srv *httptest.Server
	rec *events.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := availability.NewMemoryStore()
	ledger := appointment.NewMemoryLedger(store)
	resolver := slots.NewResolver(store, ledger, slots.Config{MaxWindowSpan: 31 * 24 * time.Hour})
	rec := &events.Recorder{}
	engine := scheduling.NewEngine(store, resolver, ledger, rec, scheduling.Config{
		AppointmentTTL:     10 * time.Minute,
		PlatformFeePercent: 10,
	}, zerolog.New(io.Discard)).WithClock(func() time.Time { return now })

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Engine:    engine,
		Providers: store,
		Logger:    zerolog.New(io.Discard),
		Env:       "test",
		Version:   "test",
	}))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, rec: rec}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, s.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *testServer) provider(t *testing.T) availability.Provider {
	t.Helper()
	return s.providerAs(t, availability.RoleDoctor, 6000)
}

func (s *testServer) providerAs(t *testing.T, role availability.Role, rate int64) availability.Provider {
	t.Helper()
	var p availability.Provider
	status := s.do(t, http.MethodPost, "/providers", CreateProviderRequest{
		Role:       role,
		TimeZone:   "UTC",
		HourlyRate: rate,
		Currency:   "EUR",
	}, &p)
	if status != http.StatusCreated {
		t.Fatalf("create provider status = %d", status)
	}
	var rule availability.Rule
	status = s.do(t, http.MethodPost, "/providers/"+p.ID.String()+"/rules", PutRuleRequest{
		Weekdays:           []int16{1},
		Start:              availability.Clock(9, 0),
		End:                availability.Clock(12, 0),
		ValidFrom:          "2026-01-01",
		GranularityMinutes: 30,
	}, &rule)
	if status != http.StatusCreated {
		t.Fatalf("put rule status = %d", status)
	}
	return p
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	var live LivenessResponse
	if status := s.do(t, http.MethodGet, "/health/live", nil, &live); status != http.StatusOK || live.Status != "ok" {
		t.Fatalf("live = %d %+v", status, live)
	}

	var ready ReadinessResponse
	if status := s.do(t, http.MethodGet, "/health/ready", nil, &ready); status != http.StatusOK {
		t.Fatalf("ready status = %d", status)
	}
	if ready.Status != "ok" || len(ready.Dependencies) != 0 {
		t.Errorf("ready = %+v, want ok with no dependencies", ready)
	}
}

func TestBookingFlow(t *testing.T) {
	s := newTestServer(t)
	p := s.provider(t)

	var avail AvailabilityResponse
	status := s.do(t, http.MethodGet, "/providers/"+p.ID.String()+"/availability?start=2026-03-02T00:00:00Z&end=2026-03-03T00:00:00Z", nil, &avail)
	if status != http.StatusOK {
		t.Fatalf("availability status = %d", status)
	}
	if len(avail.Slots) != 6 {
		t.Fatalf("slots = %d, want 6", len(avail.Slots))
	}

	slot := avail.Slots[0]
	fp := avail.Fingerprint
	var booked scheduling.BookingResult
	status = s.do(t, http.MethodPost, "/appointments", CreateAppointmentRequest{
		ProviderID:  p.ID.String(),
		PatientID:   uuid.NewString(),
		Start:       slot.Start,
		End:         slot.End,
		Fingerprint: &fp,
	}, &booked)
	if status != http.StatusCreated {
		t.Fatalf("book status = %d", status)
	}
	if booked.Appointment.Status != appointment.StatusPending {
		t.Errorf("status = %s, want pending", booked.Appointment.Status)
	}
	if booked.Payment.Amount != 3300 || booked.Payment.Currency != "EUR" {
		t.Errorf("payment = %+v, want 3300 EUR", booked.Payment)
	}

	var errResp ErrorResponse
	status = s.do(t, http.MethodPost, "/appointments", CreateAppointmentRequest{
		ProviderID: p.ID.String(),
		PatientID:  uuid.NewString(),
		Start:      slot.Start,
		End:        slot.End,
	}, &errResp)
	if status != http.StatusConflict || errResp.Error != "conflict" {
		t.Errorf("second booking = %d %+v, want 409 conflict", status, errResp)
	}

	id := booked.Appointment.ID.String()
	var confirmed appointment.Appointment
	status = s.do(t, http.MethodPost, "/appointments/"+id+"/payment-result", PaymentResultRequest{Outcome: "success"}, &confirmed)
	if status != http.StatusOK || confirmed.Status != appointment.StatusConfirmed {
		t.Fatalf("payment result = %d %+v", status, confirmed)
	}

	errResp = ErrorResponse{}
	status = s.do(t, http.MethodPost, "/appointments/"+id+"/cancel", CancelRequest{ExpectedVersion: 1}, &errResp)
	if status != http.StatusConflict || errResp.Error != "version_conflict" {
		t.Errorf("stale cancel = %d %+v, want 409 version_conflict", status, errResp)
	}

	var cancelled appointment.Appointment
	status = s.do(t, http.MethodPost, "/appointments/"+id+"/cancel", CancelRequest{ExpectedVersion: confirmed.Version, Reason: "patient request"}, &cancelled)
	if status != http.StatusOK || cancelled.Status != appointment.StatusCancelled {
		t.Fatalf("cancel = %d %+v", status, cancelled)
	}

	var list AppointmentListResponse
	status = s.do(t, http.MethodGet, "/patients/"+booked.Appointment.PatientID.String()+"/appointments", nil, &list)
	if status != http.StatusOK || len(list.Appointments) != 1 {
		t.Errorf("list = %d %+v", status, list)
	}

	if got := len(s.rec.OfType(events.TypeConfirmed)); got != 1 {
		t.Errorf("confirmed events = %d, want 1", got)
	}
}

func TestBookWithTranslator(t *testing.T) {
	s := newTestServer(t)
	doctor := s.provider(t)
	translator := s.providerAs(t, availability.RoleTranslator, 3000)
	translatorID := translator.ID.String()

	var booked scheduling.BookingResult
	status := s.do(t, http.MethodPost, "/appointments", CreateAppointmentRequest{
		ProviderID:   doctor.ID.String(),
		PatientID:    uuid.NewString(),
		TranslatorID: &translatorID,
		Start:        time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:          time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}, &booked)
	if status != http.StatusCreated {
		t.Fatalf("book status = %d", status)
	}
	if got := booked.Appointment.TranslatorID; got == nil || *got != translator.ID {
		t.Fatalf("translator_id = %v, want %s", got, translator.ID)
	}
	if booked.Payment.Amount != 4950 {
		t.Fatalf("payment amount = %d, want 4950", booked.Payment.Amount)
	}

	var avail AvailabilityResponse
	s.do(t, http.MethodGet, "/providers/"+translatorID+"/availability?start=2026-03-02T00:00:00Z&end=2026-03-03T00:00:00Z", nil, &avail)
	if len(avail.Slots) != 5 {
		t.Fatalf("translator slots = %d, want 5", len(avail.Slots))
	}

	bad := "not-a-uuid"
	var errResp ErrorResponse
	status = s.do(t, http.MethodPost, "/appointments", CreateAppointmentRequest{
		ProviderID:   doctor.ID.String(),
		PatientID:    uuid.NewString(),
		TranslatorID: &bad,
		Start:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		End:          time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC),
	}, &errResp)
	if status != http.StatusBadRequest || errResp.Error != "invalid_translator_id" {
		t.Fatalf("bad translator = %d %+v", status, errResp)
	}
}

func TestReschedule(t *testing.T) {
	s := newTestServer(t)
	p := s.provider(t)

	var booked scheduling.BookingResult
	s.do(t, http.MethodPost, "/appointments", CreateAppointmentRequest{
		ProviderID: p.ID.String(),
		PatientID:  uuid.NewString(),
		Start:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:        time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}, &booked)

	id := booked.Appointment.ID.String()
	var moved appointment.Appointment
	status := s.do(t, http.MethodPost, "/appointments/"+id+"/reschedule", RescheduleRequest{
		ExpectedVersion: booked.Appointment.Version,
		Start:           time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC),
		End:             time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC),
	}, &moved)
	if status != http.StatusOK {
		t.Fatalf("reschedule status = %d", status)
	}
	if moved.ID != booked.Appointment.ID || moved.Start.Hour() != 11 {
		t.Errorf("moved = %+v", moved)
	}

	var revs []appointment.Revision
	if status := s.do(t, http.MethodGet, "/appointments/"+id+"/revisions", nil, &revs); status != http.StatusOK || len(revs) != 1 {
		t.Fatalf("revisions = %d %+v", status, revs)
	}
	if revs[0].Start.Hour() != 9 {
		t.Errorf("revision start = %s, want 09:00", revs[0].Start)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	p := s.provider(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad appointment id", http.MethodGet, "/appointments/nope", nil, http.StatusBadRequest, "invalid_appointment_id"},
		{"unknown appointment", http.MethodGet, "/appointments/" + uuid.NewString(), nil, http.StatusNotFound, "not_found"},
		{"unknown provider", http.MethodGet, "/providers/" + uuid.NewString(), nil, http.StatusNotFound, "not_found"},
		{"invalid rule", http.MethodPost, "/providers/" + p.ID.String() + "/rules", PutRuleRequest{
			Weekdays: []int16{1}, Start: availability.Clock(12, 0), End: availability.Clock(9, 0),
			ValidFrom: "2026-01-01", GranularityMinutes: 30,
		}, http.StatusBadRequest, "invalid_rule"},
		{"bad exception date", http.MethodPost, "/providers/" + p.ID.String() + "/exceptions", PutExceptionRequest{
			Date: "03/02/2026", Start: availability.Clock(9, 0), End: availability.Clock(10, 0), Kind: availability.ExceptionBlock,
		}, http.StatusBadRequest, "invalid_date"},
		{"inverted window", http.MethodGet, "/providers/" + p.ID.String() + "/availability?start=2026-03-03T00:00:00Z&end=2026-03-02T00:00:00Z", nil, http.StatusBadRequest, "invalid_window"},
		{"invalid provider", http.MethodPost, "/providers", CreateProviderRequest{Role: "nurse", TimeZone: "UTC"}, http.StatusBadRequest, "validation"},
		{"unknown outcome", http.MethodPost, "/appointments/" + uuid.NewString() + "/payment-result", PaymentResultRequest{Outcome: "maybe"}, http.StatusBadRequest, "validation"},
		{"unknown field", http.MethodPost, "/appointments", map[string]any{"slot_id": "x"}, http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			status := s.do(t, tt.method, tt.path, tt.body, &resp)
			if status != tt.status || resp.Error != tt.code {
				t.Errorf("got %d %q, want %d %q (%s)", status, resp.Error, tt.status, tt.code, resp.Details)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "abc-123" || rr.Header().Get("X-Request-ID") != "abc-123" {
		t.Errorf("request id = %q header %q, want abc-123", seen, rr.Header().Get("X-Request-ID"))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("generated request id %q is not a UUID", seen)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(zerolog.New(io.Discard))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil || resp.Error != "internal" {
		t.Errorf("body = %+v, err %v", resp, err)
	}
}
