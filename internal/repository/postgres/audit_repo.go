package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/audit"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteBatch сохраняет пачку записей журнала одним INSERT.
func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_records
	numFields := 18
	placeholderStr := ""
	vals := make([]interface{}, 0, len(records)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		p := i * numFields
		group := make([]string, 0, numFields)
		for f := 1; f <= numFields; f++ {
			group = append(group, fmt.Sprintf("$%d", p+f))
		}
		placeholderStr += "(" + strings.Join(group, ", ") + "),"

		params, _ := json.Marshal(rec.Parameters)
		resp, _ := json.Marshal(rec.Response)

		vals = append(vals,
			rec.ID, rec.TraceID, rec.ConversationID, rec.ActorID,
			nullable(rec.TaskID), nullable(rec.IntentID), rec.Kind, nullable(rec.TaskType),
			params, nullable(rec.Mode), rec.Confidence, rec.Reasoning,
			rec.Status, resp, rec.Error, rec.RollbackDeadline,
			rec.Timestamp, rec.DurationMs,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		`INSERT INTO audit_records (id, trace_id, conversation_id, actor_id,
			task_id, intent_id, kind, task_type,
			parameters, mode, confidence, reasoning,
			status, response, error, rollback_deadline,
			timestamp, duration_ms) VALUES %s`,
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.pool.Exec(ctx, query, vals...)
	return err
}

// nullable превращает пустую строку в NULL, чтобы не засорять индексы
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// FetchRecords читает журнал с фильтрацией по беседе и/или задаче.
// Пустые строки в фильтрах означают "без ограничения".
func (r *AuditRepo) FetchRecords(ctx context.Context, conversationID, taskID string) ([]audit.Record, error) {
	query := `SELECT id, trace_id, conversation_id, actor_id,
	                 COALESCE(task_id, ''), COALESCE(intent_id, ''), kind, COALESCE(task_type, ''),
	                 parameters, COALESCE(mode, ''), COALESCE(confidence, 0), COALESCE(reasoning, ''),
	                 status, response, COALESCE(error, ''), rollback_deadline,
	                 timestamp, duration_ms
	          FROM audit_records`

	var conds []string
	var args []interface{}
	if conversationID != "" {
		args = append(args, conversationID)
		conds = append(conds, fmt.Sprintf("conversation_id = $%d", len(args)))
	}
	if taskID != "" {
		args = append(args, taskID)
		conds = append(conds, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT 200"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit records: %w", err)
	}
	defer rows.Close()

	results := make([]audit.Record, 0)
	for rows.Next() {
		var rec audit.Record
		var params, resp []byte

		err := rows.Scan(
			&rec.ID, &rec.TraceID, &rec.ConversationID, &rec.ActorID,
			&rec.TaskID, &rec.IntentID, &rec.Kind, &rec.TaskType,
			&params, &rec.Mode, &rec.Confidence, &rec.Reasoning,
			&rec.Status, &resp, &rec.Error, &rec.RollbackDeadline,
			&rec.Timestamp, &rec.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit record: %w", err)
		}

		if len(params) > 0 {
			_ = json.Unmarshal(params, &rec.Parameters)
		}
		if len(resp) > 0 {
			var v interface{}
			if json.Unmarshal(resp, &v) == nil {
				rec.Response = v
			}
		}
		results = append(results, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
