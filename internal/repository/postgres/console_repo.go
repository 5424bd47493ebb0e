package postgres

import (
	"context"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

func (r *TaskRepo) GetUnifiedDashboard(ctx context.Context) (*domain.UnifiedDashboard, error) {
	d := &domain.UnifiedDashboard{}

	// 1. Сбор активности бесед, очереди HITL и свежих провалов
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations WHERE last_activity > NOW() - INTERVAL '60 minutes'),
			(SELECT COUNT(*) FROM confirmations WHERE status = 'PENDING'),
			(SELECT COUNT(*) FROM tasks
			   WHERE status IN ('failed', 'timed_out')
			     AND created_at > NOW() - INTERVAL '60 minutes')`).Scan(
		&d.Activity.ActiveConversations, &d.Gate.PendingConfirmations, &d.Incidents.FailedTasks)
	if err != nil {
		return nil, err
	}

	// 2. Сбор метрик из журнала за последние 60 минут
	// Мы используем PERCENTILE_CONT для расчета честного P95 Latency
	var decisions, clarifies int64
	err = r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind IN ('DECISION', 'CLARIFY')),
			COUNT(*) FILTER (WHERE kind = 'CLARIFY'),
			COUNT(*) FILTER (WHERE kind = 'ROLLBACK' AND status = 'SUCCESS'),
			COUNT(*) FILTER (WHERE kind = 'EXECUTION' AND status = 'FAILED'),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)
		FROM audit_records
		WHERE timestamp > NOW() - INTERVAL '60 minutes'`).Scan(
		&decisions,
		&clarifies,
		&d.Incidents.RollbacksApplied,
		&d.Incidents.SystemErrors,
		&d.Quality.P95Latency,
	)

	d.Activity.TotalMessages = decisions
	// RPS = Всего вердиктов за час / 3600
	d.Activity.RPS = float64(decisions) / 3600
	if decisions > 0 {
		d.Gate.ClarifyRate = float64(clarifies) / float64(decisions)
	}

	return d, err
}

// GetGlobalStats — сводка по всему журналу для консоли.
func (r *TaskRepo) GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	s := &domain.GlobalStats{
		TasksByStatus: make(map[string]int64),
		TopIntents:    make(map[string]int64),
	}

	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks),
			COUNT(*) FILTER (WHERE kind = 'DECISION' AND mode = 'auto'),
			COUNT(*) FILTER (WHERE kind = 'DECISION' AND mode = 'confirm'),
			COUNT(*) FILTER (WHERE kind = 'CLARIFY')
		FROM audit_records`).Scan(&s.TotalTasks, &s.AutoExecuted, &s.Confirmed, &s.Clarified)
	if err != nil {
		return nil, err
	}
	if total := s.AutoExecuted + s.Confirmed + s.Clarified; total > 0 {
		s.AutomationRatio = float64(s.AutoExecuted) / float64(total)
	}

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		s.TasksByStatus[status] = count
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	topRows, err := r.pool.Query(ctx, `
		SELECT task_type, COUNT(*) AS cnt FROM tasks
		GROUP BY task_type ORDER BY cnt DESC LIMIT 5`)
	if err != nil {
		return nil, err
	}
	defer topRows.Close()
	for topRows.Next() {
		var taskType string
		var count int64
		if err := topRows.Scan(&taskType, &count); err != nil {
			return nil, err
		}
		s.TopIntents[taskType] = count
	}
	if err = topRows.Err(); err != nil {
		return nil, err
	}

	hourRows, err := r.pool.Query(ctx, `
		SELECT to_char(date_trunc('hour', timestamp), 'HH24:00') AS hour, COUNT(*)
		FROM audit_records
		WHERE timestamp > NOW() - INTERVAL '24 hours'
		GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer hourRows.Close()
	for hourRows.Next() {
		var p domain.ActivityPoint
		if err := hourRows.Scan(&p.Hour, &p.Count); err != nil {
			return nil, err
		}
		s.HourlyActivity = append(s.HourlyActivity, p)
	}
	return s, hourRows.Err()
}
