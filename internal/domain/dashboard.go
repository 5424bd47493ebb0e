package domain

type UnifiedDashboard struct {
	Activity  ActivityStats `json:"activity"`  // Нагрузка и трафик
	Gate      GateStats     `json:"gate"`      // Вердикты шлюза и HITL
	Incidents IncidentStats `json:"incidents"` // Провалы и откаты
	Quality   QualityStats  `json:"quality"`   // SLO/SLI (Latency)
}

type ActivityStats struct {
	RPS                 float64 `json:"rps"`
	TotalMessages       int64   `json:"total_messages"`
	ActiveConversations int     `json:"active_conversations"`
}

type GateStats struct {
	PendingConfirmations int     `json:"pending_confirmations"` // Ждут решения человека
	ClarifyRate          float64 `json:"clarify_rate"`          // Доля уточнений среди вердиктов
}

type IncidentStats struct {
	FailedTasks      int `json:"failed_tasks"`
	RollbacksApplied int `json:"rollbacks_applied"`
	SystemErrors     int `json:"system_errors"` // Ошибки исполнителей/базы
}

type QualityStats struct {
	P95Latency float64 `json:"p95_latency_ms"`
	Uptime     float64 `json:"uptime_percentage"`
}
