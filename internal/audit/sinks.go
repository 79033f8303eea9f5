package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"edge-guard/internal/models"
	"edge-guard/internal/util"

	"go.uber.org/zap"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, e *models.SecurityEvent) error {
	s.logger.Warn("security event",
		util.String("event_id", e.EventID),
		util.String("event_type", e.EventType),
		util.String("user_id", e.UserID),
		util.String("ip_address", e.IPAddress),
		util.String("request_id", e.RequestID),
		util.String("reason", e.Reason),
		util.Any("details", e.Details),
	)
	return nil
}

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes JSON events keyed by user (or IP) so one user's
// events stay ordered on a partition.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, e *models.SecurityEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode security event: %w", err)
	}
	key := e.UserID
	if key == "" {
		key = e.IPAddress
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{
		"event_type": e.EventType,
		"event_id":   e.EventID,
	})
}

// Execer is satisfied by client.ClickHouseClient.
type Execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// ClickHouseSink appends events to an analytics table.
type ClickHouseSink struct {
	conn  Execer
	table string
}

func NewClickHouseSink(conn Execer, table string) *ClickHouseSink {
	return &ClickHouseSink{conn: conn, table: table}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// CreateTableQuery returns the DDL for the events table.
func (s *ClickHouseSink) CreateTableQuery() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	event_id String,
	event_bucket UInt16,
	event_date Date,
	event_time DateTime64(3, 'UTC'),
	event_type LowCardinality(String),
	user_id String,
	ip_address String,
	user_agent String,
	request_id String,
	reason String,
	details Map(String, String)
) ENGINE = MergeTree
PARTITION BY event_date
ORDER BY (event_type, event_time)`, s.table)
}

func (s *ClickHouseSink) Write(ctx context.Context, e *models.SecurityEvent) error {
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	query := fmt.Sprintf(`INSERT INTO %s (event_id, event_bucket, event_date, event_time, event_type,
	user_id, ip_address, user_agent, request_id, reason, details) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, query,
		e.EventID, uint16(e.EventBucket), e.EventTime, e.EventTime, e.EventType,
		e.UserID, e.IPAddress, e.UserAgent, e.RequestID, e.Reason, details,
	); err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// DocumentIndexer is satisfied by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes events for search.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, e *models.SecurityEvent) error {
	return s.indexer.IndexDocument(ctx, s.index, e.EventID, e)
}
