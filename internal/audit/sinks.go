package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"storefront-auth/internal/models"
)

// Producer is satisfied by client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, event *models.SecurityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	headers := map[string]string{"event_type": string(event.EventType)}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(partitionKey(event)), payload, headers)
}

// BatchWriter is satisfied by client.ClickHouseClient.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

const (
	clickHouseEventsDDL = `CREATE TABLE IF NOT EXISTS auth_events (
		event_id        String,
		event_bucket    UInt16,
		event_date      Date,
		event_time      DateTime64(3, 'UTC'),
		event_type      LowCardinality(String),
		user_id         String,
		identifier_hash String,
		identifier_kind LowCardinality(String),
		request_id      String,
		ip_address      String,
		success         Bool,
		details         String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(event_date)
	ORDER BY (event_type, event_date, event_bucket, event_time)
	TTL event_date + INTERVAL 1 YEAR`

	clickHouseInsertEvents = `INSERT INTO auth_events (
		event_id, event_bucket, event_date, event_time, event_type, user_id,
		identifier_hash, identifier_kind, request_id, ip_address, success, details
	)`
)

type ClickHouseSink struct {
	writer BatchWriter
}

func NewClickHouseSink(writer BatchWriter) *ClickHouseSink {
	return &ClickHouseSink{writer: writer}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// EnsureSchema creates the events table if it is missing.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.writer.Exec(ctx, clickHouseEventsDDL); err != nil {
		return fmt.Errorf("failed to create auth_events table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, event *models.SecurityEvent) error {
	return s.writer.BatchInsert(ctx, clickHouseInsertEvents, [][]interface{}{eventRow(event)})
}

func eventRow(event *models.SecurityEvent) []interface{} {
	return []interface{}{
		event.EventID,
		uint16(event.EventBucket),
		event.EventTime,
		event.EventTime,
		string(event.EventType),
		event.UserID,
		event.IdentifierHash,
		string(event.IdentifierKind),
		event.RequestID,
		event.IPAddress,
		event.Success,
		event.Details,
	}
}

// Indexer is satisfied by client.ESClient.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink writes one index per UTC day: <prefix>-YYYY.MM.DD.
type ElasticsearchSink struct {
	indexer Indexer
	prefix  string
}

func NewElasticsearchSink(indexer Indexer, prefix string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, prefix: prefix}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, event *models.SecurityEvent) error {
	return s.indexer.IndexDocument(ctx, s.IndexFor(event), event.EventID, event)
}

func (s *ElasticsearchSink) IndexFor(event *models.SecurityEvent) string {
	return s.prefix + "-" + event.EventTime.UTC().Format("2006.01.02")
}
