package mq

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestToKafkaMessage(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &Message{ID: "sub-1", Body: []byte(`{"a":1}`), Timestamp: ts}
	msg.SetHeader("event", "final")

	km := toKafkaMessage("judge.status.final", msg)
	if km.Topic != "judge.status.final" || string(km.Key) != "sub-1" {
		t.Fatalf("unexpected topic/key %q/%q", km.Topic, km.Key)
	}
	if !km.Time.Equal(ts) {
		t.Fatalf("unexpected time %v", km.Time)
	}
	headers := map[string]string{}
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event"] != "final" || headers[headerID] != "sub-1" {
		t.Fatalf("unexpected headers %v", headers)
	}
	if headers[headerTimestamp] != ts.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp header %q", headers[headerTimestamp])
	}
}

func TestParseCompression(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want kafka.Compression
	}{
		{"gzip", kafka.Gzip},
		{" ZSTD ", kafka.Zstd},
		{"lz4", kafka.Lz4},
		{"snappy", kafka.Snappy},
		{"", kafka.Compression(0)},
		{"brotli", kafka.Compression(0)},
	}
	for _, tt := range tests {
		if got := ParseCompression(tt.raw); got != tt.want {
			t.Errorf("ParseCompression(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestNewKafkaProducerRequiresBrokers(t *testing.T) {
	t.Parallel()
	if _, err := NewKafkaProducer(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	p, err := NewKafkaProducer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = p.Close()
}
