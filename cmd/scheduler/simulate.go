package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hackgods/healthhub-scheduler/internal/api"
	"github.com/hackgods/healthhub-scheduler/internal/appointment"
	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/config"
	"github.com/hackgods/healthhub-scheduler/internal/events"
	"github.com/hackgods/healthhub-scheduler/internal/logger"
	"github.com/hackgods/healthhub-scheduler/internal/scheduling"
	"github.com/hackgods/healthhub-scheduler/internal/slots"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	PaymentRatio float64
	CancelRatio  float64
	ReadRatio    float64
	Patients     int
	Providers    int
}

type booked struct {
	ID      uuid.UUID
	Patient uuid.UUID
}

type DataPool struct {
	Providers    []uuid.UUID
	Patients     []uuid.UUID
	mu           sync.RWMutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Availability  OperationMetrics
	Booking       OperationMetrics
	Payment       OperationMetrics
	Cancel        OperationMetrics
	ReadByID      OperationMetrics
	ListByPatient OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func simulateCmd() *cobra.Command {
	var cfg SimConfig

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive concurrent booking traffic against the API and report latencies",
		Long: "Drives concurrent booking traffic. Without --api an in-process server " +
			"with the memory backend and fake providers is started and its events are counted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateSimConfig(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runSimulation(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.APIBaseURL, "api", "", "base URL of a running API; empty starts one in process")
	f.DurationVar(&cfg.Duration, "duration", 30*time.Second, "how long to run")
	f.IntVar(&cfg.Workers, "workers", 10, "concurrent workers")
	f.Float64Var(&cfg.BookingRatio, "booking-ratio", 0.4, "share of booking operations")
	f.Float64Var(&cfg.PaymentRatio, "payment-ratio", 0.2, "share of payment callbacks")
	f.Float64Var(&cfg.CancelRatio, "cancel-ratio", 0.05, "share of cancellations")
	f.Float64Var(&cfg.ReadRatio, "read-ratio", 0.35, "share of read operations")
	f.IntVar(&cfg.Patients, "patients", 2000, "number of distinct patients")
	f.IntVar(&cfg.Providers, "providers", 20, "providers to create for the in-process server")
	return cmd
}

func validateSimConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("duration must be > 0")
	}
	if cfg.Patients <= 0 {
		return errors.New("patients must be > 0")
	}
	if cfg.BookingRatio+cfg.PaymentRatio+cfg.CancelRatio+cfg.ReadRatio <= 0 {
		return errors.New("at least one ratio must be positive")
	}
	return nil
}

func runSimulation(ctx context.Context, cfg SimConfig) error {
	total := cfg.BookingRatio + cfg.PaymentRatio + cfg.CancelRatio + cfg.ReadRatio
	cfg.BookingRatio /= total
	cfg.PaymentRatio /= total
	cfg.CancelRatio /= total
	cfg.ReadRatio /= total

	var rec *events.Recorder
	if cfg.APIBaseURL == "" {
		url, recorder, shutdown, err := startInProcess(ctx, cfg.Providers)
		if err != nil {
			return err
		}
		defer shutdown()
		cfg.APIBaseURL = url
		rec = recorder
	}

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: &http.Client{Timeout: 10 * time.Second},
	}
	if err := sim.loadDataPool(ctx); err != nil {
		return fmt.Errorf("load data pool: %w", err)
	}
	fmt.Printf("loaded: %d providers, %d patients\n", len(sim.pool.Providers), len(sim.pool.Patients))

	sim.Run(ctx)
	sim.PrintReport()
	if rec != nil {
		printEventReport(rec)
	}
	return nil
}

// startInProcess serves the API with the memory backend on a loopback port.
func startInProcess(ctx context.Context, providers int) (string, *events.Recorder, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return "", nil, nil, err
	}
	log := logger.New(cfg.Env, "warn")

	store := availability.NewMemoryStore()
	ledger := appointment.NewMemoryLedger(store)
	resolver := slots.NewResolver(store, ledger, slots.Config{
		MaxWindowSpan:      cfg.MaxWindowSpan,
		DefaultGranularity: cfg.DefaultGranularity,
	})
	rec := &events.Recorder{}
	engine := scheduling.NewEngine(store, resolver, ledger, rec, scheduling.Config{
		AppointmentTTL:     cfg.AppointmentTTL,
		BookingHorizon:     cfg.BookingHorizon,
		MinLeadTime:        cfg.MinLeadTime,
		PlatformFeePercent: cfg.PlatformFeePercent,
	}, log)

	faker := gofakeit.New(0)
	if err := seedProviders(ctx, store, faker, availability.RoleDoctor, providers); err != nil {
		return "", nil, nil, fmt.Errorf("seed providers: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, nil, err
	}
	srv := &http.Server{
		Handler:           api.NewRouter(api.RouterConfig{Engine: engine, Providers: store, Logger: log, Env: cfg.Env, Version: version}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "in-process server: %v\n", err)
		}
	}()

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	return "http://" + ln.Addr().String(), rec, shutdown, nil
}

func (s *Simulator) loadDataPool(ctx context.Context) error {
	var providers []availability.Provider
	status, err := s.call(ctx, http.MethodGet, "/providers?limit=1000", nil, &providers)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("list providers: status %d", status)
	}
	for _, p := range providers {
		s.pool.Providers = append(s.pool.Providers, p.ID)
	}
	if len(s.pool.Providers) == 0 {
		return errors.New("no providers loaded")
	}

	for i := 0; i < s.config.Patients; i++ {
		s.pool.Patients = append(s.pool.Patients, uuid.New())
	}
	return nil
}

func (s *Simulator) Run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Duration)
	defer cancel()

	fmt.Printf("starting simulation for %s with %d workers\n", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	fmt.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.PaymentRatio:
			s.doPayment(ctx, rng)
		case r < s.config.BookingRatio+s.config.PaymentRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doReadByID(ctx, rng)
			} else {
				s.doListByPatient(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	providerID := s.pool.Providers[rng.Intn(len(s.pool.Providers))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	from := time.Now().Add(time.Hour).UTC().Truncate(time.Minute)
	to := from.Add(7 * 24 * time.Hour)
	path := fmt.Sprintf("/providers/%s/availability?start=%s&end=%s", providerID, from.Format(time.RFC3339), to.Format(time.RFC3339))

	var avail api.AvailabilityResponse
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, path, nil, &avail)
	s.metrics.Availability.Record(time.Since(start), status, err)
	if err != nil || status != http.StatusOK || len(avail.Slots) == 0 {
		return
	}

	slot := avail.Slots[rng.Intn(len(avail.Slots))]
	fp := avail.Fingerprint
	var result scheduling.BookingResult
	start = time.Now()
	status, err = s.call(ctx, http.MethodPost, "/appointments", api.CreateAppointmentRequest{
		ProviderID:  providerID.String(),
		PatientID:   patientID.String(),
		Start:       slot.Start,
		End:         slot.End,
		Fingerprint: &fp,
	}, &result)
	s.metrics.Booking.Record(time.Since(start), status, err)

	if err == nil && status == http.StatusCreated {
		s.pool.AddAppointment(booked{ID: result.Appointment.ID, Patient: patientID})
	}
}

func (s *Simulator) doPayment(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	outcome := scheduling.PaymentSuccess
	if rng.Float64() < 0.15 {
		outcome = scheduling.PaymentFailure
	}

	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+b.ID.String()+"/payment-result",
		api.PaymentResultRequest{Outcome: string(outcome)}, nil)
	s.metrics.Payment.Record(time.Since(start), status, err)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	var current appointment.Appointment
	if status, err := s.call(ctx, http.MethodGet, "/appointments/"+b.ID.String(), nil, &current); err != nil || status != http.StatusOK {
		return
	}

	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+b.ID.String()+"/cancel",
		api.CancelRequest{ExpectedVersion: current.Version, Reason: "simulated"}, nil)
	s.metrics.Cancel.Record(time.Since(start), status, err)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, "/appointments/"+b.ID.String(), nil, nil)
	s.metrics.ReadByID.Record(time.Since(start), status, err)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, "/patients/"+patientID.String()+"/appointments?limit=20&offset=0", nil, nil)
	s.metrics.ListByPatient.Record(time.Since(start), status, err)
}

// call sends body as JSON and decodes a 2xx response into out when non-nil.
func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Payment result", &s.metrics.Payment)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Patient", &s.metrics.ListByPatient)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func printEventReport(rec *events.Recorder) {
	fmt.Println("Events:")
	for _, t := range []events.Type{
		events.TypePaymentRequested,
		events.TypeReserved,
		events.TypeConfirmed,
		events.TypeCancelled,
		events.TypeExpired,
	} {
		fmt.Printf("  %-18s %d\n", t, len(rec.OfType(t)))
	}
}
