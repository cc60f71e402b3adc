// Session accounting validator. Holds a fixed population of sessions
// subscribed to one topic and cross-checks the server's subscriber
// accounting against the client-side truth: every session the client
// still holds must be counted by /health, and none may linger after a
// clean disconnect. Publishes a probe message each interval and checks
// the fan-out reaches the whole population.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

var (
	wsURL             = flag.String("url", "ws://localhost:3002/ws", "WebSocket server URL")
	baseURL           = flag.String("base", "http://localhost:3002", "Control API base URL")
	targetSessions    = flag.Int("sessions", 100, "Sessions to hold open")
	rampRate          = flag.Int("ramp-rate", 20, "Sessions opened per second")
	testDuration      = flag.Duration("duration", 5*time.Minute, "Validation duration")
	probeInterval     = flag.Duration("probe-interval", 5*time.Second, "Publish probe and accounting check interval")
	phantomThreshold  = flag.Int("phantom-threshold", 0, "Tolerated subscriber accounting mismatch")
	heartbeatInterval = flag.Duration("heartbeat-interval", 15*time.Second, "Application ping interval")
)

const (
	validatorTopic = "accounting-probe"
	rule           = "--------------------------------------------------"
)

type aggregate struct {
	connected      int64
	eventsReceived int64
	heartbeats     int64
	errors         int64
	probesSent     int64
	worstPhantom   int64
}

type healthResponse struct {
	Status                string `json:"status"`
	TopicCount            int    `json:"topic_count"`
	ActiveSubscriberCount int    `json:"active_subscriber_count"`
}

var (
	metrics  aggregate
	shutdown = make(chan struct{})
)

func main() {
	flag.Parse()

	log.Printf("SESSION ACCOUNTING VALIDATOR")
	log.Println(rule)
	log.Printf("Target Sessions:    %d", *targetSessions)
	log.Printf("Ramp Rate:          %d sessions/sec", *rampRate)
	log.Printf("Duration:           %v", *testDuration)
	log.Printf("Phantom Threshold:  %d", *phantomThreshold)
	log.Println(rule + "\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutdown signal received, closing sessions...")
		close(shutdown)
	}()

	if err := createTopic(); err != nil {
		log.Fatalf("Topic setup failed: %v", err)
	}

	log.Printf("PHASE 1: Ramping %d sessions (%d/sec)", *targetSessions, *rampRate)
	start := time.Now()

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 1; i <= *targetSessions; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runSession(id)
		}(i)

		if i%*rampRate == 0 {
			time.Sleep(time.Second)
		}
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	// Give subscribe acks a moment to land before the first check.
	time.Sleep(2 * time.Second)
	log.Printf("Ramp finished in %v, %d sessions up", time.Since(start), atomic.LoadInt64(&metrics.connected))

	log.Printf("\nPHASE 2: Validating for %v", *testDuration)
	ticker := time.NewTicker(*probeInterval)
	deadline := time.After(*testDuration)

monitor:
	for {
		select {
		case <-deadline:
			break monitor
		case <-shutdown:
			break monitor
		case <-ticker.C:
			publishProbe()
			checkAccounting()
		}
	}
	ticker.Stop()

	log.Printf("\nPHASE 3: Graceful shutdown")
	select {
	case <-shutdown:
	default:
		close(shutdown)
	}
	<-done

	// The server needs a beat to run session cleanup.
	time.Sleep(2 * time.Second)
	finalCount := serverSubscriberCount()

	log.Println("\n" + rule)
	log.Printf("FINAL VERIFICATION")
	log.Println(rule)
	log.Printf("Events Received:     %d", atomic.LoadInt64(&metrics.eventsReceived))
	log.Printf("Probes Sent:         %d", atomic.LoadInt64(&metrics.probesSent))
	log.Printf("Heartbeats Sent:     %d", atomic.LoadInt64(&metrics.heartbeats))
	log.Printf("Errors:              %d", atomic.LoadInt64(&metrics.errors))
	log.Printf("Worst Phantom Count: %d", atomic.LoadInt64(&metrics.worstPhantom))
	log.Printf("Server Subscribers:  %d (should be 0)", finalCount)

	if finalCount == 0 && atomic.LoadInt64(&metrics.worstPhantom) <= int64(*phantomThreshold) {
		log.Printf("CLEAN ACCOUNTING VERIFIED")
	} else {
		log.Printf("SUBSCRIBER ACCOUNTING MISMATCH DETECTED")
		os.Exit(1)
	}
}

func createTopic() error {
	body, _ := json.Marshal(map[string]string{"name": validatorTopic})
	resp, err := http.Post(*baseURL+"/topics", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func runSession(id int) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(*wsURL, nil)
	if err != nil {
		log.Printf("Session %d: connect failed: %v", id, err)
		atomic.AddInt64(&metrics.errors, 1)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if err := writeJSON(map[string]any{"type": "subscribe", "topic": validatorTopic}); err != nil {
		atomic.AddInt64(&metrics.errors, 1)
		return
	}

	atomic.AddInt64(&metrics.connected, 1)
	defer atomic.AddInt64(&metrics.connected, -1)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msgType, _ := msg["type"].(string); msgType == "event" {
				atomic.AddInt64(&metrics.eventsReceived, 1)
			}
		}
	}()

	heartbeat := time.NewTicker(*heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-shutdown:
			writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMu.Unlock()
			return
		case <-readDone:
			return
		case <-heartbeat.C:
			if err := writeJSON(map[string]any{"type": "ping"}); err != nil {
				atomic.AddInt64(&metrics.errors, 1)
				return
			}
			atomic.AddInt64(&metrics.heartbeats, 1)
		}
	}
}

// publishProbe pushes one message through the control-free path: a
// throwaway session publishing a single frame.
func publishProbe() {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(*wsURL, nil)
	if err != nil {
		atomic.AddInt64(&metrics.errors, 1)
		return
	}
	defer conn.Close()

	frame := map[string]any{
		"type":  "publish",
		"topic": validatorTopic,
		"data":  map[string]any{"probe": time.Now().UnixNano()},
	}
	if err := conn.WriteJSON(frame); err != nil {
		atomic.AddInt64(&metrics.errors, 1)
		return
	}
	atomic.AddInt64(&metrics.probesSent, 1)

	// Wait for the ack so the publish is processed before this
	// session closes. The connect banner arrives first.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msgType, _ := msg["type"].(string); msgType == "ack" {
			return
		}
	}
}

func checkAccounting() {
	clientCount := atomic.LoadInt64(&metrics.connected)
	serverCount := serverSubscriberCount()

	phantom := serverCount - clientCount
	if phantom < 0 {
		phantom = 0
	}
	if phantom > atomic.LoadInt64(&metrics.worstPhantom) {
		atomic.StoreInt64(&metrics.worstPhantom, phantom)
	}

	log.Println(rule)
	log.Printf("CHECK @ %s", time.Now().Format("15:04:05"))
	log.Printf("  Client Sessions:    %d (ground truth)", clientCount)
	log.Printf("  Server Subscribers: %d", serverCount)
	log.Printf("  Phantom Count:      %d", phantom)
	log.Printf("  Events Received:    %d", atomic.LoadInt64(&metrics.eventsReceived))

	if phantom > int64(*phantomThreshold) {
		log.Printf("  WARNING: subscriber accounting exceeds threshold")
	}
}

func serverSubscriberCount() int64 {
	resp, err := http.Get(*baseURL + "/health")
	if err != nil {
		atomic.AddInt64(&metrics.errors, 1)
		return -1
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		atomic.AddInt64(&metrics.errors, 1)
		return -1
	}
	return int64(health.ActiveSubscriberCount)
}
