// Sustained load test client for the pub/sub broker. Ramps WebSocket
// sessions to a target, subscribes them to topics, drives publish
// traffic through a subset of sessions and reports client and server
// counters until the sustain window ends.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

type Config struct {
	WSURL              string
	BaseURL            string
	TargetConnections  int
	RampRate           int // connections per second
	SustainDurationSec int
	ReportIntervalSec  int
	HealthCheckSec     int
	Topics             []string
	SubscriptionMode   string // "all", "single", "random"
	TopicsPerClient    int
	LastN              int // replay depth requested on subscribe
	PublishRate        int // publish frames per second across all publishers
	Publishers         int
	ConnectionTimeout  time.Duration
}

type State struct {
	activeConnections int64
	totalCreated      int64
	failedConnections int64
	reconnects        int64

	eventsReceived     int64
	errorFrames        int64
	publishesSent      int64
	publishesConfirmed int64

	subscriptionsSent      int64
	subscriptionsConfirmed int64

	lastHealth  *healthResponse
	lastMetrics *metricsResponse

	startTime     time.Time
	rampStartTime time.Time

	// mu guards the fields below plus lastHealth and lastMetrics.
	mu               sync.RWMutex
	sustainStartTime time.Time
	phase            string // "ramping", "sustaining", "completed"
}

func (s *State) setPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	if phase == "sustaining" {
		s.sustainStartTime = time.Now()
	}
	s.mu.Unlock()
}

func (s *State) getPhase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// healthResponse mirrors GET /health.
type healthResponse struct {
	Status                string  `json:"status"`
	UptimeSeconds         float64 `json:"uptime_seconds"`
	TopicCount            int     `json:"topic_count"`
	ActiveSubscriberCount int     `json:"active_subscriber_count"`
}

// metricsResponse mirrors the global block of GET /metrics.
type metricsResponse struct {
	Global struct {
		ActiveTopics      int   `json:"active_topics"`
		ActiveSubscribers int   `json:"active_subscribers"`
		TotalPublished    int64 `json:"total_published"`
		TotalDelivered    int64 `json:"total_delivered"`
		TotalDropped      int64 `json:"total_dropped"`
	} `json:"global"`
}

type Connection struct {
	id        int
	ws        *websocket.Conn
	topics    []string
	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var (
	state  *State
	config *Config
)

func main() {
	config = parseFlags()
	state = &State{
		startTime:     time.Now(),
		rampStartTime: time.Now(),
		phase:         "ramping",
	}

	log.Println("\n" + strings.Repeat("=", 80))
	log.Printf("SUSTAINED LOAD TEST")
	log.Println(strings.Repeat("=", 80))
	log.Printf("\nConfiguration:")
	log.Printf("   Target:       %d connections", config.TargetConnections)
	log.Printf("   Ramp Rate:    %d conn/sec", config.RampRate)
	log.Printf("   Sustain:      %ds", config.SustainDurationSec)
	log.Printf("   Server:       %s", config.WSURL)
	log.Printf("   Topics:       %v", config.Topics)
	log.Printf("   Mode:         %s (last_n=%d)", config.SubscriptionMode, config.LastN)
	log.Printf("   Publish:      %d msg/sec across %d publishers", config.PublishRate, config.Publishers)
	log.Println("\n" + strings.Repeat("=", 80) + "\n")

	if _, err := url.Parse(config.WSURL); err != nil {
		log.Fatalf("Invalid WebSocket URL: %v", err)
	}

	if err := ensureTopics(); err != nil {
		log.Fatalf("Topic setup failed: %v", err)
	}
	if err := checkServer(); err != nil {
		log.Fatalf("Server health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("\nReceived shutdown signal, stopping...")
		cancel()
	}()

	go periodicChecks(ctx)
	go periodicReports(ctx)

	if err := rampUp(ctx); err != nil {
		log.Printf("Ramp-up interrupted: %v", err)
	}

	if state.getPhase() == "sustaining" {
		select {
		case <-time.After(time.Duration(config.SustainDurationSec) * time.Second):
			state.setPhase("completed")
		case <-ctx.Done():
			log.Printf("Sustain phase interrupted")
		}
	}

	log.Printf("\nTest completed")
	printReport()
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:3002/ws"), "WebSocket server URL")
	flag.StringVar(&cfg.BaseURL, "base", getEnv("BASE_URL", "http://localhost:3002"), "Control API base URL")
	flag.IntVar(&cfg.TargetConnections, "connections", getEnvInt("TARGET_CONNECTIONS", 1000), "Target number of connections")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 100), "Connections per second during ramp-up")
	flag.IntVar(&cfg.SustainDurationSec, "duration", getEnvInt("DURATION", 300), "Sustain duration in seconds")
	flag.IntVar(&cfg.ReportIntervalSec, "report-interval", 10, "Report interval in seconds")
	flag.IntVar(&cfg.HealthCheckSec, "health-interval", 5, "Health check interval in seconds")
	flag.IntVar(&cfg.LastN, "last-n", getEnvInt("LAST_N", 0), "Replay depth requested on subscribe")
	flag.IntVar(&cfg.PublishRate, "publish-rate", getEnvInt("PUBLISH_RATE", 100), "Publish frames per second, 0 disables")
	flag.IntVar(&cfg.Publishers, "publishers", getEnvInt("PUBLISHERS", 10), "Connections that also publish")
	flag.DurationVar(&cfg.ConnectionTimeout, "connection-timeout", 10*time.Second, "Dial timeout")

	topicsStr := flag.String("topics", getEnv("TOPICS", "orders,trades,prices,alerts"), "Comma-separated list of topics")
	flag.StringVar(&cfg.SubscriptionMode, "subscription-mode", getEnv("SUBSCRIPTION_MODE", "all"), "Subscription mode: all, single, random")
	flag.IntVar(&cfg.TopicsPerClient, "topics-per-client", getEnvInt("TOPICS_PER_CLIENT", 2), "Topics per client (for random mode)")

	flag.Parse()

	for _, t := range strings.Split(*topicsStr, ",") {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			cfg.Topics = append(cfg.Topics, trimmed)
		}
	}
	if len(cfg.Topics) == 0 {
		log.Fatalf("At least one topic is required")
	}
	if cfg.Publishers > cfg.TargetConnections {
		cfg.Publishers = cfg.TargetConnections
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// ensureTopics creates every test topic through the control API. Create
// is idempotent so reruns against a warm server are fine.
func ensureTopics() error {
	for _, topic := range config.Topics {
		body, _ := json.Marshal(map[string]string{"name": topic})
		resp, err := http.Post(config.BaseURL+"/topics", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create topic %s: %w", topic, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("create topic %s: unexpected status %d", topic, resp.StatusCode)
		}
	}
	log.Printf("Created %d topics", len(config.Topics))
	return nil
}

func rampUp(ctx context.Context) error {
	log.Printf("Starting ramp-up: %d connections at %d/sec", config.TargetConnections, config.RampRate)

	batchSize := config.RampRate / 10 // 10 batches per second
	if batchSize < 1 {
		batchSize = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	connectionID := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt64(&state.totalCreated) >= int64(config.TargetConnections) {
				state.setPhase("sustaining")
				log.Printf("Ramp-up complete: %d active", atomic.LoadInt64(&state.activeConnections))
				log.Printf("Sustaining load for %ds...", config.SustainDurationSec)
				return nil
			}

			var wg sync.WaitGroup
			for i := 0; i < batchSize && atomic.LoadInt64(&state.totalCreated) < int64(config.TargetConnections); i++ {
				wg.Add(1)
				id := connectionID
				connectionID++
				atomic.AddInt64(&state.totalCreated, 1)

				go func(connID int) {
					defer wg.Done()
					conn := newConnection(ctx, connID)
					if err := conn.connect(); err != nil {
						atomic.AddInt64(&state.failedConnections, 1)
						return
					}
					if conn.id < config.Publishers && config.PublishRate > 0 {
						go conn.publishLoop()
					}
				}(id)
			}
			wg.Wait()
		}
	}
}

func newConnection(ctx context.Context, id int) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		id:     id,
		ctx:    connCtx,
		cancel: cancel,
	}
}

// connect dials with exponential backoff so a briefly overloaded server
// (503 before upgrade) sheds load instead of losing the client for good.
func (c *Connection) connect() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			atomic.AddInt64(&state.reconnects, 1)
		}
		return c.dial()
	}, backoff.WithContext(bo, c.ctx))
	if err != nil {
		return err
	}

	c.autoSubscribe()
	go c.readPump()
	go c.heartbeatLoop()
	return nil
}

func (c *Connection) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: config.ConnectionTimeout}
	ws, resp, err := dialer.Dial(config.WSURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.ws = ws
	atomic.AddInt64(&state.activeConnections, 1)

	// Server pings on its own schedule; the library answers. The read
	// deadline catches a dead server.
	const readTimeout = 60 * time.Second
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	return nil
}

func (c *Connection) autoSubscribe() {
	var topics []string
	switch config.SubscriptionMode {
	case "single":
		topics = []string{config.Topics[c.id%len(config.Topics)]}
	case "random":
		n := min(config.TopicsPerClient, len(config.Topics))
		for _, idx := range rand.Perm(len(config.Topics))[:n] {
			topics = append(topics, config.Topics[idx])
		}
	default: // "all"
		topics = config.Topics
	}
	c.topics = topics

	for _, topic := range topics {
		frame := map[string]any{"type": "subscribe", "topic": topic}
		if config.LastN > 0 {
			frame["last_n"] = config.LastN
		}
		if err := c.writeJSON(frame); err != nil {
			return
		}
		atomic.AddInt64(&state.subscriptionsSent, 1)
	}
}

func (c *Connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Connection) readPump() {
	defer c.close()

	const readTimeout = 60 * time.Second
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var msg map[string]any
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		msgType, _ := msg["type"].(string)
		switch msgType {
		case "event":
			atomic.AddInt64(&state.eventsReceived, 1)
		case "ack":
			switch msg["request_type"] {
			case "subscribe":
				atomic.AddInt64(&state.subscriptionsConfirmed, 1)
			case "publish":
				atomic.AddInt64(&state.publishesConfirmed, 1)
			}
		case "error":
			atomic.AddInt64(&state.errorFrames, 1)
		case "info", "pong":
			// Connect banner and heartbeat replies.
		}
	}
}

// heartbeatLoop sends an application ping well inside the server's 30s
// pong window.
func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(map[string]any{"type": "ping"}); err != nil {
				c.close()
				return
			}
		}
	}
}

// publishLoop drives this connection's share of the global publish
// rate, round-robin over its subscribed topics.
func (c *Connection) publishLoop() {
	perPublisher := config.PublishRate / max(config.Publishers, 1)
	if perPublisher < 1 {
		perPublisher = 1
	}
	interval := time.Second / time.Duration(perPublisher)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			topic := config.Topics[seq%len(config.Topics)]
			frame := map[string]any{
				"type":  "publish",
				"topic": topic,
				"data": map[string]any{
					"publisher": c.id,
					"seq":       seq,
					"ts":        time.Now().UnixNano(),
				},
			}
			if err := c.writeJSON(frame); err != nil {
				c.close()
				return
			}
			atomic.AddInt64(&state.publishesSent, 1)
			seq++
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		atomic.AddInt64(&state.activeConnections, -1)
		if c.ws != nil {
			c.ws.Close()
		}
		c.cancel()
	})
}

func checkServer() error {
	resp, err := http.Get(config.BaseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}

	var metrics *metricsResponse
	if mResp, err := http.Get(config.BaseURL + "/metrics"); err == nil {
		var m metricsResponse
		if err := json.NewDecoder(mResp.Body).Decode(&m); err == nil {
			metrics = &m
		}
		mResp.Body.Close()
	}

	state.mu.Lock()
	state.lastHealth = &health
	if metrics != nil {
		state.lastMetrics = metrics
	}
	state.mu.Unlock()
	return nil
}

func periodicChecks(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.HealthCheckSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkServer(); err != nil {
				log.Printf("Health check failed: %v", err)
			}
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.ReportIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := int(time.Since(state.startTime).Seconds())

	state.mu.RLock()
	health := state.lastHealth
	metrics := state.lastMetrics
	phase := state.phase
	sustainStart := state.sustainStartTime
	state.mu.RUnlock()

	active := atomic.LoadInt64(&state.activeConnections)
	totalCreated := atomic.LoadInt64(&state.totalCreated)
	failed := atomic.LoadInt64(&state.failedConnections)
	events := atomic.LoadInt64(&state.eventsReceived)
	errFrames := atomic.LoadInt64(&state.errorFrames)
	pubsSent := atomic.LoadInt64(&state.publishesSent)
	pubsConfirmed := atomic.LoadInt64(&state.publishesConfirmed)
	subsSent := atomic.LoadInt64(&state.subscriptionsSent)
	subsConfirmed := atomic.LoadInt64(&state.subscriptionsConfirmed)

	successRate := 100.0
	if totalCreated > 0 {
		successRate = float64(totalCreated-failed) / float64(totalCreated) * 100
	}

	log.Println("\n" + strings.Repeat("=", 80))
	log.Printf("LOAD TEST - Elapsed: %ds - Phase: %s", elapsed, strings.ToUpper(phase))
	log.Println(strings.Repeat("=", 80))
	log.Printf("\nConnections:")
	log.Printf("   Active:       %d / %d target", active, config.TargetConnections)
	log.Printf("   Created:      %d (failed %d, reconnect attempts %d)", totalCreated, failed, atomic.LoadInt64(&state.reconnects))
	log.Printf("   Success Rate: %.1f%%", successRate)

	log.Printf("\nTraffic:")
	log.Printf("   Events Received:   %s (%.2f msg/sec)", formatNumber(events), float64(events)/float64(max(elapsed, 1)))
	log.Printf("   Publishes:         %s sent, %s acked", formatNumber(pubsSent), formatNumber(pubsConfirmed))
	log.Printf("   Subscriptions:     %d sent, %d acked", subsSent, subsConfirmed)
	log.Printf("   Error Frames:      %d", errFrames)

	log.Printf("\nServer:")
	if health != nil {
		log.Printf("   Status:       %s (uptime %.0fs)", health.Status, health.UptimeSeconds)
		log.Printf("   Topics:       %d, Subscribers: %d", health.TopicCount, health.ActiveSubscriberCount)
	} else {
		log.Printf("   Status:       no health data")
	}
	if metrics != nil {
		log.Printf("   Published:    %s", formatNumber(metrics.Global.TotalPublished))
		log.Printf("   Delivered:    %s", formatNumber(metrics.Global.TotalDelivered))
		log.Printf("   Dropped:      %s", formatNumber(metrics.Global.TotalDropped))
	}

	if phase == "ramping" {
		log.Printf("\nRamp Progress: %.1f%% (%ds)",
			float64(totalCreated)/float64(config.TargetConnections)*100,
			int(time.Since(state.rampStartTime).Seconds()))
	} else if phase == "sustaining" {
		sustainElapsed := int(time.Since(sustainStart).Seconds())
		log.Printf("\nSustain: %ds elapsed, %ds remaining", sustainElapsed, max(0, config.SustainDurationSec-sustainElapsed))
	}
	log.Println(strings.Repeat("=", 80) + "\n")
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	str := fmt.Sprintf("%d", n)
	var result []rune
	for i, ch := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, ch)
	}
	return string(result)
}
