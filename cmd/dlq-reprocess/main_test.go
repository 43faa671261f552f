package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/bookstore/internal/messaging/kafka"
)

const consumerLetter = `{"original_topic":"bookstore.order.events","key":"order-1","value":{"id":"evt-1"},"error":"boom","retry_count":3}`

var replayTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestReplayer(t *testing.T, cfg config, client offsetClient, consumer partitionConsumerSource, producer replayProducer) *replayer {
	t.Helper()
	r, err := newReplayer(cfg, client, consumer, producer)
	if err != nil {
		t.Fatalf("newReplayer failed: %v", err)
	}
	r.now = func() time.Time { return replayTime }
	return r
}

func TestSplitList(t *testing.T) {
	brokers := splitList(" broker-1:9092, ,broker-2:9092 ")
	if len(brokers) != 2 {
		t.Fatalf("unexpected brokers count: got=%d want=2", len(brokers))
	}
	if brokers[0] != "broker-1:9092" || brokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected brokers: %+v", brokers)
	}
}

func TestExtractReplayMessage_ConsumerDeadLetter(t *testing.T) {
	got, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(consumerLetter)}, "fallback-topic", replayTime)
	if err != nil {
		t.Fatalf("extractReplayMessage failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replay candidate")
	}
	if got.topic != "bookstore.order.events" {
		t.Fatalf("unexpected topic: %s", got.topic)
	}
	if got.key != "order-1" {
		t.Fatalf("unexpected key: %s", got.key)
	}
	if string(got.value) != `{"id":"evt-1"}` {
		t.Fatalf("unexpected replay value: %s", string(got.value))
	}
}

func TestExtractReplayMessage_ConsumerDeadLetterWithQuotedValue(t *testing.T) {
	raw := []byte(`{"original_topic":"bookstore.order.events","key":"k","value":"not json"}`)

	got, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, "fallback-topic", replayTime)
	if err != nil || !ok {
		t.Fatalf("expected replay candidate, got ok=%v err=%v", ok, err)
	}
	if string(got.value) != "not json" {
		t.Fatalf("expected original bytes restored, got %q", string(got.value))
	}
}

func TestExtractReplayMessage_OutboxDeadLetter(t *testing.T) {
	envelope := map[string]any{
		"id":             "outbox-1",
		"aggregate_type": "order",
		"aggregate_id":   "order-1",
		"event_type":     "order.updated",
		"payload": map[string]any{
			"outbox_id":      "outbox-1",
			"aggregate_type": "order",
			"aggregate_id":   "order-1",
			"event_type":     "order.updated",
			"payload":        map[string]any{"status": "Delivering"},
			"publish_error":  "timeout",
		},
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}

	got, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, "bookstore.order.events", replayTime)
	if err != nil {
		t.Fatalf("extractReplayMessage failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replay candidate")
	}
	if got.topic != "bookstore.order.events" || got.key != "order-1" {
		t.Fatalf("unexpected replay target: %+v", got)
	}

	replayed, err := kafka.ParseEnvelope(&sarama.ConsumerMessage{Value: got.value})
	if err != nil {
		t.Fatalf("replayed value must be an outbox envelope: %v", err)
	}
	if replayed.ID != "outbox-1" || replayed.EventType != "order.updated" {
		t.Fatalf("unexpected replayed envelope: %+v", replayed)
	}
	if string(replayed.Payload) != `{"status":"Delivering"}` {
		t.Fatalf("original payload must be restored, got %s", string(replayed.Payload))
	}
	if !replayed.PublishedAt.Equal(replayTime) {
		t.Fatalf("unexpected published_at: %s", replayed.PublishedAt)
	}
}

func TestExtractReplayMessage_OutboxMissingNestedPayload(t *testing.T) {
	raw := []byte(`{"id":"outbox-1","aggregate_type":"order","aggregate_id":"order-1","event_type":"order.updated","payload":{"outbox_id":"outbox-1"}}`)

	_, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, "bookstore.order.events", replayTime)
	if err == nil {
		t.Fatal("expected error for missing nested payload")
	}
	if ok {
		t.Fatal("expected no replay candidate")
	}
}

func TestExtractReplayMessage_UnknownPayload(t *testing.T) {
	for _, raw := range []string{`{"foo":"bar"}`, `not json`, `{"id":"x","payload":null}`} {
		_, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(raw)}, "bookstore.order.events", replayTime)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", raw, err)
		}
		if ok {
			t.Fatalf("expected %s to be skipped", raw)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Fatalf("unexpected first non-empty value: %q", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestReadConfig_FromFlags(t *testing.T) {
	cfg, err := readConfig([]string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-source-topic=bookstore.dlq",
		"-target-topic=bookstore.order.events",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	})
	if err != nil {
		t.Fatalf("readConfig failed: %v", err)
	}
	if len(cfg.brokers) != 2 {
		t.Fatalf("unexpected brokers count: %d", len(cfg.brokers))
	}
	if cfg.limit != 10 {
		t.Fatalf("unexpected limit: %d", cfg.limit)
	}
	if !cfg.execute || !cfg.fromNewest {
		t.Fatalf("expected execute and fromNewest, got %+v", cfg)
	}
	if cfg.idleTimeout != 3*time.Second {
		t.Fatalf("unexpected idle-timeout: %s", cfg.idleTimeout)
	}
}

func TestReadConfig_DefaultsAndEnvBrokers(t *testing.T) {
	t.Setenv(envKafkaBrokers, "env-broker:9092")

	cfg, err := readConfig(nil)
	if err != nil {
		t.Fatalf("readConfig failed: %v", err)
	}
	if len(cfg.brokers) != 1 || cfg.brokers[0] != "env-broker:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.brokers)
	}
	if cfg.sourceTopic != kafka.TopicDeadLetterQueue || cfg.targetTopic != kafka.TopicOrderEvents {
		t.Fatalf("unexpected default topics: %+v", cfg)
	}
	if cfg.execute {
		t.Fatal("dry-run must be the default")
	}
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	t.Setenv(envKafkaBrokers, "")

	tests := []struct {
		args    []string
		wantErr string
	}{
		{[]string{"-brokers="}, "kafka brokers are required"},
		{[]string{"-brokers=broker:9092", "-source-topic="}, "source-topic is required"},
		{[]string{"-brokers=broker:9092", "-target-topic= "}, "target-topic is required"},
		{[]string{"-brokers=broker:9092", "-target-topic=bookstore.dlq"}, "must differ"},
		{[]string{"-brokers=broker:9092", "-limit=0"}, "limit must be > 0"},
		{[]string{"-brokers=broker:9092", "-idle-timeout=0s"}, "idle-timeout must be > 0"},
		{[]string{"-unknown"}, "flag provided but not defined"},
	}

	for _, tc := range tests {
		_, err := readConfig(tc.args)
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("args %v: expected error containing %q, got %v", tc.args, tc.wantErr, err)
		}
	}
}

func TestPublishReplay(t *testing.T) {
	if err := publishReplay(nil, replayMessage{}); err == nil {
		t.Fatal("expected error for nil producer")
	}

	producer := &stubReplayProducer{}
	err := publishReplay(producer, replayMessage{topic: "topic", key: "key", value: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatalf("publishReplay failed: %v", err)
	}
	if producer.calls != 1 {
		t.Fatalf("unexpected producer calls: %d", producer.calls)
	}
	if producer.lastMsg == nil || producer.lastMsg.Topic != "topic" {
		t.Fatalf("unexpected last message: %+v", producer.lastMsg)
	}

	producer.sendErr = errors.New("send failed")
	err = publishReplay(producer, replayMessage{topic: "topic", key: "key", value: []byte(`{"x":1}`)})
	if err == nil {
		t.Fatal("expected publishReplay error")
	}
}

func TestReplayerPartition_DryRun(t *testing.T) {
	client := &stubOffsetClient{
		partitions: []int32{0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{
				Partition: 0,
				Offset:    0,
				Value:     []byte(consumerLetter),
			}}),
		},
	}

	cfg := config{
		sourceTopic: "bookstore.dlq",
		targetTopic: "bookstore.order.events",
		idleTimeout: 20 * time.Millisecond,
	}

	stats, err := newTestReplayer(t, cfg, client, consumer, nil).partition(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("partition failed: %v", err)
	}
	if stats.scanned != 1 || stats.replayed != 1 || stats.skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", consumer.calls)
	}
}

func TestReplayerPartition_Execute(t *testing.T) {
	client := &stubOffsetClient{
		offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{
				Partition: 0,
				Offset:    0,
				Value:     []byte(consumerLetter),
			}}),
		},
	}
	producer := &stubReplayProducer{}

	cfg := config{sourceTopic: "bookstore.dlq", targetTopic: "bookstore.order.events", execute: true, idleTimeout: 20 * time.Millisecond}

	stats, err := newTestReplayer(t, cfg, client, consumer, producer).partition(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("partition failed: %v", err)
	}
	if stats.replayed != 1 {
		t.Fatalf("expected replayed=1, got %+v", stats)
	}
	if producer.calls != 1 {
		t.Fatalf("expected one producer call, got %d", producer.calls)
	}
}

func TestReplayerPartition_ErrorBranches(t *testing.T) {
	cfg := config{sourceTopic: "bookstore.dlq", targetTopic: "bookstore.order.events", execute: true, idleTimeout: 20 * time.Millisecond}

	clientOffsetErr := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	if _, err := newTestReplayer(t, cfg, clientOffsetErr, &stubPartitionConsumerSource{}, &stubReplayProducer{}).partition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumerErr := &stubPartitionConsumerSource{consumeErr: errors.New("consume")}
	if _, err := newTestReplayer(t, cfg, client, consumerErr, &stubReplayProducer{}).partition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	pcWithErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	close(pcWithErr.errors)
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcWithErr}}
	if _, err := newTestReplayer(t, cfg, client, consumer, &stubReplayProducer{}).partition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected consumer error branch")
	}
	close(pcWithErr.messages)

	pcBadPayload := closedPartitionConsumer([]*sarama.ConsumerMessage{{
		Partition: 0,
		Offset:    0,
		Value:     []byte(`{"id":"x","payload":"not-an-object"}`),
	}})
	consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcBadPayload}}
	stats, err := newTestReplayer(t, cfg, client, consumer, &stubReplayProducer{}).partition(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("unexpected bad-payload error: %v", err)
	}
	if stats.skipped != 1 {
		t.Fatalf("expected skipped=1, got %+v", stats)
	}

	pcOK := closedPartitionConsumer([]*sarama.ConsumerMessage{{
		Partition: 0,
		Offset:    0,
		Value:     []byte(consumerLetter),
	}})
	consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcOK}}
	producer := &stubReplayProducer{sendErr: errors.New("send fail")}
	if _, err := newTestReplayer(t, cfg, client, consumer, producer).partition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected producer send error")
	}
}

func TestReplayerPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}

	idleConsumer := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idleConsumer}}
	cfg := config{sourceTopic: "bookstore.dlq", targetTopic: "bookstore.order.events", idleTimeout: 10 * time.Millisecond}

	stats, err := newTestReplayer(t, cfg, client, consumer, nil).partition(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("unexpected idle-timeout error: %v", err)
	}
	if stats.scanned != 0 {
		t.Fatalf("expected scanned=0, got %+v", stats)
	}
	close(idleConsumer.messages)
	close(idleConsumer.errors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceledPC := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	canceledConsumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: canceledPC}}
	if _, err := newTestReplayer(t, cfg, client, canceledConsumer, nil).partition(ctx, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	close(canceledPC.messages)
	close(canceledPC.errors)
}

func TestRunReplay(t *testing.T) {
	cfg := config{sourceTopic: "bookstore.dlq", targetTopic: "bookstore.order.events", limit: 1, idleTimeout: 20 * time.Millisecond}

	if _, err := runReplay(context.Background(), cfg, nil, nil, nil); err == nil {
		t.Fatal("expected missing deps error")
	}

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{
				Partition: 0,
				Offset:    0,
				Value:     []byte(consumerLetter),
			}}),
			2: closedPartitionConsumer([]*sarama.ConsumerMessage{{
				Partition: 2,
				Offset:    0,
				Value:     []byte(`{"original_topic":"bookstore.order.events","key":"order-2","value":{"id":"evt-2"}}`),
			}}),
		},
	}

	if _, err := runReplay(context.Background(), cfg, client, consumer, nil); err != nil {
		t.Fatalf("runReplay failed: %v", err)
	}
	if len(consumer.calls) != 1 {
		t.Fatalf("expected one partition due limit=1, got calls=%d", len(consumer.calls))
	}
	if consumer.calls[0].partition != 0 {
		t.Fatalf("expected first sorted partition=0, got %d", consumer.calls[0].partition)
	}

	executeCfg := cfg
	executeCfg.execute = true
	if _, err := runReplay(context.Background(), executeCfg, client, consumer, nil); err == nil {
		t.Fatal("expected execute mode to require producer")
	}

	emptyClient := &stubOffsetClient{partitions: nil}
	if _, err := runReplay(context.Background(), cfg, emptyClient, consumer, nil); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}
}

func TestRun_UsesDependencies(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	cfg := config{sourceTopic: "bookstore.dlq", targetTopic: "bookstore.order.events", limit: 1, idleTimeout: 20 * time.Millisecond}

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return nil, nil, nil, errors.New("deps failed")
	}
	if err := run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("expected deps error, got %v", err)
	}

	client := &stubOffsetClient{
		partitions: []int32{0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{
				Partition: 0,
				Offset:    0,
				Value:     []byte(consumerLetter),
			}}),
		},
	}
	producer := &stubReplayProducer{}

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return client, consumer, producer, nil
	}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !client.closed || !consumer.closed || !producer.closed {
		t.Fatalf("expected all deps to be closed: client=%v consumer=%v producer=%v", client.closed, consumer.closed, producer.closed)
	}
}

func TestMain_SuccessWithStubbedDeps(t *testing.T) {
	oldDeps := newReplayDependencies
	oldArgs := os.Args
	defer func() {
		newReplayDependencies = oldDeps
		os.Args = oldArgs
	}()

	client := &stubOffsetClient{
		partitions: []int32{0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{
				Partition: 0,
				Offset:    0,
				Value:     []byte(consumerLetter),
			}}),
		},
	}
	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return client, consumer, nil, nil
	}

	os.Args = []string{"dlq-reprocess", "-brokers=broker:9092", "-limit=1", "-idle-timeout=50ms"}
	main()

	if !client.closed || !consumer.closed {
		t.Fatal("expected dependencies to be closed")
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error {
	s.closed = true
	return nil
}

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &stubPartitionConsumer{messages: msgCh, errors: errCh}
}

type stubReplayProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (s *stubReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.calls++
	s.lastMsg = msg
	if s.sendErr != nil {
		return 0, 0, s.sendErr
	}
	return 0, int64(s.calls), nil
}

func (s *stubReplayProducer) Close() error {
	s.closed = true
	return nil
}

func outboxLetter(t *testing.T, orderID, eventType string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":             "outbox-" + orderID,
		"aggregate_type": "order",
		"aggregate_id":   orderID,
		"event_type":     eventType,
		"payload": map[string]any{
			"outbox_id":     "outbox-" + orderID,
			"aggregate_id":  orderID,
			"event_type":    eventType,
			"payload":       map[string]any{"status": "Created"},
			"publish_error": "timeout",
		},
	})
	if err != nil {
		t.Fatalf("marshal outbox letter: %v", err)
	}
	return raw
}

func TestReadConfig_OrderFilters(t *testing.T) {
	cfg, err := readConfig([]string{"-brokers=broker:9092", "-order-id= order-7 ", "-event-types=order.placed, order.deleted"})
	if err != nil {
		t.Fatalf("readConfig failed: %v", err)
	}
	if cfg.orderID != "order-7" {
		t.Fatalf("unexpected order id: %q", cfg.orderID)
	}
	if len(cfg.eventTypes) != 2 || cfg.eventTypes[0] != "order.placed" || cfg.eventTypes[1] != "order.deleted" {
		t.Fatalf("unexpected event types: %v", cfg.eventTypes)
	}

	_, err = readConfig([]string{"-brokers=broker:9092", "-event-types=order.shipped"})
	if err == nil || !strings.Contains(err.Error(), "unknown order event type") {
		t.Fatalf("expected unknown event type error, got %v", err)
	}
}

func TestReplayerPartition_FiltersByOrderAndEventType(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	messages := []*sarama.ConsumerMessage{
		{Offset: 0, Value: outboxLetter(t, "order-1", "order.placed")},
		{Offset: 1, Value: outboxLetter(t, "order-2", "order.placed")},
		{Offset: 2, Value: outboxLetter(t, "order-2", "order.deleted")},
	}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(messages)}}
	producer := &stubReplayProducer{}

	cfg := config{
		sourceTopic: "bookstore.dlq",
		targetTopic: "bookstore.order.events",
		orderID:     "order-2",
		eventTypes:  []string{"order.deleted"},
		execute:     true,
		idleTimeout: 20 * time.Millisecond,
	}
	stats, err := newTestReplayer(t, cfg, client, consumer, producer).partition(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("partition failed: %v", err)
	}
	if stats.scanned != 3 || stats.replayed != 1 || stats.filtered != 2 || stats.skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if producer.calls != 1 {
		t.Fatalf("expected one replayed event, got %d", producer.calls)
	}
	if key, _ := producer.lastMsg.Key.Encode(); string(key) != "order-2" {
		t.Fatalf("unexpected replay key: %s", key)
	}
	if len(producer.lastMsg.Headers) != 1 || string(producer.lastMsg.Headers[0].Value) != "order.deleted" {
		t.Fatalf("expected event type header, got %+v", producer.lastMsg.Headers)
	}
}

func TestExtractReplayMessage_ConsumerLetterWithOrderEnvelope(t *testing.T) {
	raw := []byte(`{"original_topic":"bookstore.order.events","key":"order-9","value":{"id":"evt-9","aggregate_type":"order","aggregate_id":"order-9","event_type":"order.updated","payload":{}}}`)

	got, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, "fallback-topic", replayTime)
	if err != nil || !ok {
		t.Fatalf("expected replay candidate, got ok=%v err=%v", ok, err)
	}
	if got.orderID != "order-9" || got.eventType != "order.updated" {
		t.Fatalf("order event not recognised: %+v", got)
	}
	if !(config{eventTypes: []string{"order.updated"}}).wants(got) {
		t.Fatal("event type filter must accept the letter")
	}
	if (config{orderID: "order-1"}).wants(got) {
		t.Fatal("order filter must reject another order")
	}
}
