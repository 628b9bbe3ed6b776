package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"

	"github.com/mjasion/balena-home/blegateway/codec"
	"github.com/mjasion/balena-home/blegateway/types"
)

func newTestPusher(t *testing.T, url string, batchSize int) *Pusher {
	return New(Config{
		URL:               url,
		Username:          "test-user",
		Password:          "test-password",
		PushIntervalSec:   1,
		BatchSize:         batchSize,
		RetryBackoff:      time.Millisecond,
		TimeSeriesBuilder: CombineBuilders(BuildAdvertisementTimeSeries, BuildLogTimeSeries),
	}, newBuffer(t, 100), testLogger(t))
}

func TestNew(t *testing.T) {
	pusher := New(Config{URL: "https://example.com/api/push", PushIntervalSec: 15}, newBuffer(t, 10), testLogger(t))

	if pusher.url != "https://example.com/api/push" {
		t.Errorf("Expected URL https://example.com/api/push, got %s", pusher.url)
	}
	if pusher.batchSize != 500 {
		t.Errorf("Expected default batch size 500, got %d", pusher.batchSize)
	}
	if pusher.retryBackoff != time.Second {
		t.Errorf("Expected default backoff 1s, got %v", pusher.retryBackoff)
	}
	if pusher.PushInterval() != 15*time.Second {
		t.Errorf("Expected push interval 15s, got %v", pusher.PushInterval())
	}
	if !pusher.LastPushTime().IsZero() {
		t.Error("Expected zero last push time")
	}
}

func TestPush_EmptyReadings(t *testing.T) {
	pusher := newTestPusher(t, "http://127.0.0.1:0", 10)

	if err := pusher.Push(context.Background(), nil); err != nil {
		t.Errorf("Expected no error for empty readings, got: %v", err)
	}
}

func TestPush_Success(t *testing.T) {
	var received prompb.WriteRequest
	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)

		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/x-protobuf" {
			t.Errorf("Expected Content-Type application/x-protobuf, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Content-Encoding") != "snappy" {
			t.Errorf("Expected Content-Encoding snappy, got %s", r.Header.Get("Content-Encoding"))
		}
		if r.Header.Get("X-Prometheus-Remote-Write-Version") != "0.1.0" {
			t.Errorf("Unexpected remote write version %s", r.Header.Get("X-Prometheus-Remote-Write-Version"))
		}
		username, password, ok := r.BasicAuth()
		if !ok || username != "test-user" || password != "test-password" {
			t.Errorf("Unexpected basic auth %s/%s (%v)", username, password, ok)
		}

		compressed, _ := io.ReadAll(r.Body)
		data, err := snappy.Decode(nil, compressed)
		if err != nil {
			t.Errorf("Failed to decode snappy body: %v", err)
		}
		if err := proto.Unmarshal(data, &received); err != nil {
			t.Errorf("Failed to unmarshal write request: %v", err)
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	pusher := newTestPusher(t, server.URL, 10)
	readings := []*types.Reading{
		ambientReading("AA:BB:CC:DD:EE:01", baseTime, codec.Some(22.5), -65),
		ambientReading("AA:BB:CC:DD:EE:01", baseTime.Add(time.Second), codec.Some(22.6), -66),
	}

	if err := pusher.Push(context.Background(), readings); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if requestCount.Load() != 1 {
		t.Errorf("Expected 1 request, got %d", requestCount.Load())
	}
	// temperature, battery_vol, rssi
	if len(received.Timeseries) != 3 {
		t.Errorf("Expected 3 time series, got %d", len(received.Timeseries))
	}
	if pusher.LastPushTime().IsZero() {
		t.Error("Expected last push time to be set")
	}
}

func TestPush_WithRetries(t *testing.T) {
	var attemptCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attemptCount.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	pusher := newTestPusher(t, server.URL, 10)
	readings := []*types.Reading{ambientReading("AA:BB:CC:DD:EE:01", baseTime, codec.Some(22.5), -65)}

	if err := pusher.Push(context.Background(), readings); err != nil {
		t.Fatalf("Expected success after retries, got: %v", err)
	}
	if attemptCount.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attemptCount.Load())
	}
}

func TestPush_MaxRetriesExceeded(t *testing.T) {
	var attemptCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	pusher := newTestPusher(t, server.URL, 10)
	readings := []*types.Reading{ambientReading("AA:BB:CC:DD:EE:01", baseTime, codec.Some(22.5), -65)}

	if err := pusher.Push(context.Background(), readings); err == nil {
		t.Fatal("Expected error after retries, got nil")
	}
	if attemptCount.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attemptCount.Load())
	}
}

func TestFlush_Batches(t *testing.T) {
	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	pusher := newTestPusher(t, server.URL, 2)
	for i := 0; i < 5; i++ {
		pusher.buffer.Add(ambientReading("AA:BB:CC:DD:EE:01", baseTime.Add(time.Duration(i)*time.Second), codec.Some(20), -60))
	}

	pusher.Flush(context.Background())

	if requestCount.Load() != 3 {
		t.Errorf("Expected 3 batches, got %d", requestCount.Load())
	}
	if pusher.buffer.Size() != 0 {
		t.Errorf("Expected empty buffer, got %d", pusher.buffer.Size())
	}
}

func TestFlush_ReAddsOnFailure(t *testing.T) {
	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// first batch succeeds, everything after fails
		if requestCount.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	pusher := newTestPusher(t, server.URL, 2)
	for i := 0; i < 5; i++ {
		pusher.buffer.Add(logReading("AA:BB:CC:DD:EE:01", baseTime.Add(time.Duration(i)*time.Second), "temperature", float64(i)))
	}

	pusher.Flush(context.Background())

	if pusher.buffer.Size() != 3 {
		t.Errorf("Expected 3 readings back in buffer, got %d", pusher.buffer.Size())
	}
	if requestCount.Load() != 4 {
		t.Errorf("Expected 1 successful and 3 failed requests, got %d", requestCount.Load())
	}
}
