package domain

type GlobalStats struct {
	TotalTasks      int64            `json:"total_tasks"`
	AutoExecuted    int64            `json:"auto_executed"`
	Confirmed       int64            `json:"confirmed"`
	Clarified       int64            `json:"clarified"`
	AutomationRatio float64          `json:"automation_ratio"` // Доля auto среди всех вердиктов
	TasksByStatus   map[string]int64 `json:"tasks_by_status"`
	TopIntents      map[string]int64 `json:"top_intents"`
	HourlyActivity  []ActivityPoint  `json:"hourly_activity"`
}

type ActivityPoint struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}
