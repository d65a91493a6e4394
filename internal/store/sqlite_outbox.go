package store

import (
	"fmt"
	"strings"
	"time"

	"revflow/internal/model"
)

func (s *SQLiteStore) EnqueueOutbox(message model.OutboxMessage) error {
	messageID := strings.TrimSpace(message.MessageID)
	topic := strings.TrimSpace(message.Topic)
	payload := strings.TrimSpace(message.PayloadJSON)
	if messageID == "" {
		return fmt.Errorf("outbox message_id is required")
	}
	if topic == "" {
		return fmt.Errorf("outbox topic is required")
	}
	if payload == "" {
		return fmt.Errorf("outbox payload_json is required")
	}
	status := message.Status
	if strings.TrimSpace(string(status)) == "" {
		status = model.OutboxStatusPending
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`INSERT OR IGNORE INTO outbox
  (message_id, topic, message_key, payload_json, status, attempt_count, last_error, created_at, updated_at, sent_at)
VALUES
  (%s, %s, %s, %s, %s, %d, %s, %s, %s, '');`,
		quote(messageID),
		quote(topic),
		quote(strings.TrimSpace(message.MessageKey)),
		quote(payload),
		quote(string(status)),
		message.AttemptCount,
		quote(strings.TrimSpace(message.LastError)),
		quote(now),
		quote(now),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ClaimOutboxPending(limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	marker := time.Now().UTC().Format(time.RFC3339Nano)
	sql := fmt.Sprintf(
		`BEGIN IMMEDIATE;
UPDATE outbox
SET status=%s,
    attempt_count=attempt_count+1,
    updated_at=%s
WHERE id IN (
  SELECT id
  FROM outbox
  WHERE status IN (%s, %s)
  ORDER BY created_at, id
  LIMIT %d
);
COMMIT;`,
		quote(string(model.OutboxStatusProcessing)),
		quote(marker),
		quote(string(model.OutboxStatusPending)),
		quote(string(model.OutboxStatusFailed)),
		limit,
	)
	if err := s.execSQL(sql); err != nil {
		return nil, err
	}
	return s.listOutboxByStatusAndUpdatedAt(model.OutboxStatusProcessing, marker)
}

func (s *SQLiteStore) MarkOutboxSent(messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("outbox message_id is required")
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`UPDATE outbox
SET status=%s,
    last_error='',
    sent_at=%s,
    updated_at=%s
WHERE message_id=%s;`,
		quote(string(model.OutboxStatusSent)),
		quote(now),
		quote(now),
		quote(messageID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) MarkOutboxFailed(messageID string, lastError string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("outbox message_id is required")
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`UPDATE outbox
SET status=%s,
    last_error=%s,
    updated_at=%s
WHERE message_id=%s;`,
		quote(string(model.OutboxStatusFailed)),
		quote(strings.TrimSpace(lastError)),
		quote(now),
		quote(messageID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListOutboxByStatus(status model.OutboxStatus, limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(
		`SELECT id, message_id, topic, message_key, payload_json, status, attempt_count, last_error, created_at, updated_at, sent_at
FROM outbox
WHERE status=%s
ORDER BY id
LIMIT %d;`,
		quote(string(status)),
		limit,
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	return parseOutboxRows(rows)
}

func (s *SQLiteStore) listOutboxByStatusAndUpdatedAt(status model.OutboxStatus, updatedAt string) ([]model.OutboxMessage, error) {
	sql := fmt.Sprintf(
		`SELECT id, message_id, topic, message_key, payload_json, status, attempt_count, last_error, created_at, updated_at, sent_at
FROM outbox
WHERE status=%s AND updated_at=%s
ORDER BY id;`,
		quote(string(status)),
		quote(updatedAt),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	return parseOutboxRows(rows)
}

func parseOutboxRows(rows []map[string]any) ([]model.OutboxMessage, error) {
	out := make([]model.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339Nano, asString(row["created_at"]))
		if err != nil {
			createdAt, err = time.Parse(time.RFC3339, asString(row["created_at"]))
			if err != nil {
				return nil, fmt.Errorf("parse outbox created_at: %w", err)
			}
		}
		updatedAt, err := time.Parse(time.RFC3339Nano, asString(row["updated_at"]))
		if err != nil {
			updatedAt, err = time.Parse(time.RFC3339, asString(row["updated_at"]))
			if err != nil {
				return nil, fmt.Errorf("parse outbox updated_at: %w", err)
			}
		}
		out = append(out, model.OutboxMessage{
			ID:           int64(asInt(row["id"])),
			MessageID:    asString(row["message_id"]),
			Topic:        asString(row["topic"]),
			MessageKey:   asString(row["message_key"]),
			PayloadJSON:  asString(row["payload_json"]),
			Status:       model.OutboxStatus(asString(row["status"])),
			AttemptCount: asInt(row["attempt_count"]),
			LastError:    asString(row["last_error"]),
			CreatedAt:    createdAt,
			UpdatedAt:    updatedAt,
			SentAt:       parseTimePtr(asString(row["sent_at"])),
		})
	}
	return out, nil
}
