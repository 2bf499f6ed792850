package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-settlement/internal/auth"
	"github.com/ksred/klear-settlement/internal/checks"
	"github.com/ksred/klear-settlement/internal/database"
	"github.com/ksred/klear-settlement/internal/intake"
	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/internal/server"
	"github.com/ksred/klear-settlement/internal/settlement"
	"github.com/ksred/klear-settlement/internal/trustline"
	"github.com/ksred/klear-settlement/pkg/poll"
)

const (
	minSettlements = 10
	maxSettlements = 60
	numWorkers     = 5
	successRate    = 0.97

	simAPIKey    = "sim-operator"
	simAPISecret = "sim-secret"

	addressAlphabet = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"
)

var currencies = []string{"XRP", "USD", "RLUSD"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 of the recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]

	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

// simulationClient talks to the settlement service over HTTP
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"create": {name: "Create Settlement"},
			"get":    {name: "Get Settlement"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

func (sc *simulationClient) authenticate() (token string, err error) {
	start := time.Now()
	defer func() { sc.stats["auth"].record(time.Since(start), err) }()

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	creds := auth.Credentials{APIKey: simAPIKey, APISecret: simAPISecret}
	if err := sc.do(http.MethodPost, "/api/v1/auth/token", creds, &result); err != nil {
		return "", err
	}
	return result.Data.Token, nil
}

func (sc *simulationClient) createSettlement(payload map[string]any) (err error) {
	start := time.Now()
	defer func() { sc.stats["create"].record(time.Since(start), err) }()

	return sc.do(http.MethodPost, "/api/v1/internal/settlements", payload, nil)
}

func (sc *simulationClient) getSettlement(contractHash string) (record *settlement.Settlement, err error) {
	start := time.Now()
	defer func() { sc.stats["get"].record(time.Since(start), err) }()

	var result struct {
		Data settlement.Settlement `json:"data"`
	}
	if err := sc.do(http.MethodGet, "/api/v1/internal/settlements/"+contractHash, nil, &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

func (sc *simulationClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range []string{"auth", "create", "get"} {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

type account struct {
	Address string
	Seed    string
}

func (a account) wallet() ledger.Wallet {
	return ledger.NewWallet(a.Address, a.Seed)
}

// participants are the accounts of one settlement
type participants struct {
	operator, client, broker1, broker2, issuer account
}

func randomAddress() string {
	b := make([]byte, 33)
	for i := range b {
		b[i] = addressAlphabet[rand.Intn(len(addressAlphabet))]
	}
	return "r" + string(b)
}

func newParticipants(sim *ledger.SimulatedLedger) participants {
	newAccount := func() account {
		a := account{
			Address: randomAddress(),
			Seed:    "s" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		}
		sim.RegisterWallet(a.Seed, a.Address)
		return a
	}
	return participants{
		operator: newAccount(),
		client:   newAccount(),
		broker1:  newAccount(),
		broker2:  newAccount(),
		issuer:   newAccount(),
	}
}

func buildPayload(p participants, currency string) map[string]any {
	amount := fmt.Sprintf("%d", rand.Intn(900)+100)
	return map[string]any{
		"ourSeed":                  p.operator.Seed,
		"ourAddress":               p.operator.Address,
		"clientSeed":               p.client.Seed,
		"clientAddress":            p.client.Address,
		"broker1Address":           p.broker1.Address,
		"broker2Address":           p.broker2.Address,
		"broker2Seed":              p.broker2.Seed,
		"issuer":                   p.issuer.Address,
		"contractHash":             "0x" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		"delaySeconds":             rand.Intn(3),
		"payment1Amount":           amount,
		"payment1Currency":         currency,
		"checkCreateSendMaxAmount": amount,
		"checkCreateAmount":        amount,
		"checkCreateCurrency":      currency,
		"payment2Amount":           amount,
		"payment2Currency":         currency,
		"checkCashAmount":          amount,
		"checkCashCurrency":        currency,
		"ensureTrustlines":         currency != ledger.NativeCurrency,
		"contract": map[string]any{
			"name":           fmt.Sprintf("Simulated contract %d", rand.Intn(10000)),
			"approval_ratio": 0.5 + rand.Float64()/2,
		},
	}
}

// main runs the settlement simulation against an in-process service backed
// by the simulated ledger
func main() {
	sim := ledger.NewSimulatedLedger(ledger.SimulatedConfig{
		MinLatency:  5 * time.Millisecond,
		MaxLatency:  50 * time.Millisecond,
		SuccessRate: successRate,
	})
	ensurer := trustline.NewEnsurer(sim, trustline.DefaultPolicy())

	baseURL, shutdown, err := startServer(sim, ensurer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	defer shutdown()

	simClient, err := newSimulationClient(baseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	target := rand.Intn(maxSettlements-minSettlements) + minSettlements
	log.Info().Int("target_settlements", target).Msg("Starting simulation")

	hashes := make(chan string, target)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createSettlements(workerID, target/numWorkers, sim, ensurer, simClient, hashes)
		}(i)
	}
	wg.Wait()
	close(hashes)

	var contractHashes []string
	for h := range hashes {
		contractHashes = append(contractHashes, h)
	}
	log.Info().Int("settlements_created", len(contractHashes)).Msg("All settlements submitted")

	start := time.Now()
	states := make(map[settlement.State]int)
	failedSteps := make(map[settlement.Step]int)
	for _, h := range contractHashes {
		record, err := poll.For(context.Background(), poll.Policy{Interval: 250 * time.Millisecond, MaxAttempts: 120},
			func(ctx context.Context) (*settlement.Settlement, bool, error) {
				record, err := simClient.getSettlement(h)
				if err != nil {
					return nil, false, nil
				}
				return record, record.State.Terminal(), nil
			})
		if err != nil {
			log.Error().Err(err).Str("contract_hash", h).Msg("Settlement did not finish")
			continue
		}
		states[record.State]++
		if record.State.Failed() {
			failedSteps[record.FailedStep]++
		}
		log.Info().
			Str("contract_hash", h).
			Str("state", string(record.State)).
			Str("check_id", record.CheckID).
			Msg("Settlement finished")
	}

	printSummary(len(contractHashes), states, failedSteps, time.Since(start), sim)
	simClient.printPerformanceStats()
}

// createSettlements submits settlements from one worker goroutine, sending
// the accepted contract hashes to hashes
func createSettlements(workerID, n int, sim *ledger.SimulatedLedger, ensurer *trustline.Ensurer, sc *simulationClient, hashes chan<- string) {
	logger := log.With().Int("worker_id", workerID).Logger()

	for i := 0; i < n; i++ {
		p := newParticipants(sim)
		currency := currencies[rand.Intn(len(currencies))]

		// broker1 receives the first payment and must already hold a line
		if currency != ledger.NativeCurrency {
			if _, err := ensurer.Ensure(context.Background(), p.broker1.wallet(), p.issuer.Address, currency, ""); err != nil {
				logger.Error().Err(err).Msg("Failed to prepare broker trust line")
				continue
			}
		}

		payload := buildPayload(p, currency)
		if err := sc.createSettlement(payload); err != nil {
			logger.Error().Err(err).Str("currency", currency).Msg("Failed to create settlement")
			continue
		}

		hash := payload["contractHash"].(string)
		hashes <- hash
		logger.Info().Str("contract_hash", hash).Str("currency", currency).Msg("Settlement accepted")

		time.Sleep(300*time.Millisecond + time.Duration(rand.Intn(500))*time.Millisecond)
	}
}

func printSummary(total int, states map[settlement.State]int, failedSteps map[settlement.Step]int, elapsed time.Duration, sim *ledger.SimulatedLedger) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SETTLEMENT SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	settled := states[settlement.StateSettled]
	fmt.Printf(`
Settlement Statistics
---------------------
Total:            %d
Settled:          %d
Failed:           %d
Transactions:     %d
Duration:         %v

Terminal States
---------------
`, total, settled, total-settled, len(sim.Submissions()), elapsed.Round(time.Millisecond))

	maxCount := 0
	for _, count := range states {
		if count > maxCount {
			maxCount = count
		}
	}
	names := make([]string, 0, len(states))
	for state := range states {
		names = append(names, string(state))
	}
	sort.Strings(names)
	for _, name := range names {
		count := states[settlement.State(name)]
		bar := strings.Repeat("#", int(float64(count)/float64(maxCount)*20))
		fmt.Printf("%-20s: %s (%d)\n", name, bar, count)
	}

	if len(failedSteps) > 0 {
		fmt.Println("\nFailed Steps")
		fmt.Println("------------")
		for step, count := range failedSteps {
			fmt.Printf("%-20s: %d\n", step, count)
		}
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	successRate := 0.0
	if total > 0 {
		successRate = float64(settled) / float64(total) * 100
	}
	log.Info().
		Float64("success_rate", successRate).
		Int("total", total).
		Int("settled", settled).
		Dur("duration", elapsed).
		Msg("Simulation completed")
}

// startServer runs the settlement service on a loopback port and returns its
// base URL
func startServer(sim *ledger.SimulatedLedger, ensurer *trustline.Ensurer) (string, func(), error) {
	dir, err := os.MkdirTemp("", "klear-settlement-sim")
	if err != nil {
		return "", nil, err
	}
	db, err := database.NewDatabase(filepath.Join(dir, "settlement.db"), false)
	if err != nil {
		return "", nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	records := settlement.NewDatabase(db)

	reg := prometheus.NewRegistry()
	saga := settlement.NewSaga(sim, ensurer, checks.NewLocator(sim), records, settlement.NewMetrics(reg), settlement.Config{
		SettleDelay: 200 * time.Millisecond,
		Discovery:   checks.DefaultPolicy(),
	})

	dispatcher := intake.NewDispatcher()
	handler := intake.NewHandler(saga, ensurer, sim)

	authService := auth.NewService("klear-secret-key")
	authService.RegisterOperator(simAPIKey, simAPISecret)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	server.SetupRoutes(router, server.Handlers{
		Auth:        auth.NewGinHandlers(authService),
		Tokens:      authService,
		Settlements: settlement.NewGinHandlers(settlement.NewService(records)),
		Intake:      intake.NewGinHandlers(handler, dispatcher, records),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("serve")
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = dispatcher.Shutdown(ctx)
		_ = os.RemoveAll(dir)
	}
	return "http://" + listener.Addr().String(), shutdown, nil
}
