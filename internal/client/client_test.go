package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edge-guard/internal/config"
)

func TestExtractHostPort(t *testing.T) {
	tests := []struct {
		url      string
		hostPort string
		protocol ch.Protocol
	}{
		{"http://clickhouse", "clickhouse:8123", ch.HTTP},
		{"https://clickhouse.internal", "clickhouse.internal:8443", ch.HTTP},
		{"https://clickhouse.internal:9443/", "clickhouse.internal:9443", ch.HTTP},
		{"clickhouse://ch-1", "ch-1:9000", ch.Native},
		{"ch-1:9440", "ch-1:9440", ch.Native},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.hostPort, extractHostPort(tt.url))
			assert.Equal(t, tt.protocol, protocolFor(tt.url))
		})
	}
	assert.Equal(t, "clickhouse.internal", extractHostname("https://clickhouse.internal:9443"))
}

func TestRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{Redis: config.RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 4}}

	rc, err := NewRedisClient(cfg, zap.NewNop())
	require.NoError(t, err)
	defer rc.Close()

	assert.NoError(t, rc.HealthCheck(context.Background()))
	assert.False(t, mr.Exists("healthcheck:edge-guard"))

	mr.SetError("LOADING Redis is loading the dataset in memory")
	assert.Error(t, rc.HealthCheck(context.Background()))
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(&config.Config{Redis: config.RedisConfig{URL: "mysql://nope"}}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewKafkaProducer_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaProducer(&config.Config{}, zap.NewNop())
	assert.Error(t, err)
}

type esServer struct {
	mu      sync.Mutex
	paths   []string
	bodies  []string
	failing bool
}

func (s *esServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, _ := io.ReadAll(r.Body)
	s.paths = append(s.paths, r.Method+" "+r.URL.Path)
	s.bodies = append(s.bodies, string(body))

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if s.failing && r.URL.Path != "/" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"reason":"mapper_parsing_exception"}}`))
		return
	}
	if r.URL.Path == "/" {
		w.Write([]byte(`{"name":"node-1","cluster_name":"test","version":{"number":"8.19.0","build_flavor":"default"},"tagline":"You Know, for Search"}`))
		return
	}
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(`{"result":"created"}`))
}

func TestESClient_IndexDocument(t *testing.T) {
	srv := &esServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := &config.Config{
		Environment:   config.EnvDevelopment,
		Elasticsearch: config.ElasticsearchConfig{URL: ts.URL, Index: "security-events"},
	}
	es, err := NewElasticsearchClient(cfg, zap.NewNop())
	require.NoError(t, err)

	err = es.IndexDocument(context.Background(), "security-events", "evt-1", map[string]string{"event_type": "csrf_rejected"})
	require.NoError(t, err)

	srv.mu.Lock()
	last := len(srv.paths) - 1
	assert.Equal(t, "PUT /security-events/_doc/evt-1", srv.paths[last])
	assert.True(t, strings.Contains(srv.bodies[last], `"event_type":"csrf_rejected"`))
	srv.failing = true
	srv.mu.Unlock()

	assert.Error(t, es.IndexDocument(context.Background(), "security-events", "evt-2", map[string]string{}))
}
