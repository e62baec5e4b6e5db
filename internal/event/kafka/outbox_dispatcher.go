package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/knigoland/order/internal/repository"
)

// OutboxDispatcher публикует события из outbox таблицы в Kafka.
// События пишутся в outbox в той же транзакции, что и изменение заказа,
// поэтому публикация получается at-least-once: событие не теряется,
// но может быть доставлено повторно
type OutboxDispatcher struct {
	logger    *zap.Logger
	repo      repository.OrderRepository
	writer    *kafka.Writer
	batchSize int
	interval  time.Duration
}

// NewOutboxDispatcher создаёт новый outbox dispatcher поверх готового writer-а.
// Жизненным циклом writer-а владеет вызывающая сторона (закрытие — через
// platform/shutdown). batchSize - количество событий за один проход,
// interval - пауза между проходами
func NewOutboxDispatcher(
	logger *zap.Logger,
	repo repository.OrderRepository,
	writer *kafka.Writer,
	batchSize int,
	interval time.Duration,
) *OutboxDispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &OutboxDispatcher{
		logger:    logger,
		repo:      repo,
		writer:    writer,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Start запускает dispatcher и блокируется до отмены контекста
func (d *OutboxDispatcher) Start(ctx context.Context) error {
	d.logger.Info("starting outbox dispatcher",
		zap.String("topic", d.writer.Topic),
		zap.Int("batch_size", d.batchSize),
		zap.Duration("interval", d.interval),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Первый проход сразу при старте, не дожидаясь тика
	if err := d.processBatch(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("failed to process initial batch", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher context cancelled, stopping")
			return nil
		case <-ticker.C:
			if err := d.processBatch(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Error("failed to process batch", zap.Error(err))
			}
		}
	}
}

// processBatch публикует очередной батч неопубликованных событий
func (d *OutboxDispatcher) processBatch(ctx context.Context) error {
	events, err := d.repo.UnpublishedOutbox(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("fetch unpublished events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		messages = append(messages, kafka.Message{
			// Ключ — order_id из payload-а: события одного заказа
			// попадают в одну партицию и сохраняют порядок
			Key:   messageKey(event),
			Value: event.Payload,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(event.EventID.String())},
				{Key: "event_type", Value: []byte(event.EventType)},
			},
		})
	}

	if err := d.writer.WriteMessages(ctx, messages...); err != nil {
		// Батч не помечается опубликованным; следующий проход повторит его целиком
		return fmt.Errorf("write messages: %w", err)
	}

	ids := make([]int64, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}
	if err := d.repo.MarkOutboxPublished(ctx, ids); err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}

	d.logger.Info("outbox batch published",
		zap.String("topic", d.writer.Topic),
		zap.Int("count", len(events)),
	)
	return nil
}

// messageKey достаёт order_id из payload-а события
func messageKey(event repository.OutboxEvent) []byte {
	var payload struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.OrderID != "" {
		return []byte(payload.OrderID)
	}
	return []byte(event.EventID.String())
}
