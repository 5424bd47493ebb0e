package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "asst"
)

// Ключи состояния сессий
const (
	// Хвост диалога (List, LPUSH+LTRIM) и активные ссылки (Set): суффикс — conversation_id
	RedisKeySessionHistoryPrefix = RedisNamespace + ":session:history:"
	RedisKeySessionRefsPrefix    = RedisNamespace + ":session:refs:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanConfirmDecisions — канал для трансляции решений оператора (HITL).
	// Формат сообщения: "confirmation_id:approved" или "confirmation_id:rejected".
	RedisChanConfirmDecisions = RedisNamespace + ":confirmations"

	// RedisChanTaskCancel — сигнал отмены бегущей задачи. Полезная нагрузка —
	// голый task_id: подавляет исполнение тот инстанс, который его держит.
	RedisChanTaskCancel = RedisNamespace + ":tasks:cancel-signal"

	// Инвалидация кэшей настроек: payload — actor_id и task_type соответственно
	RedisChanPrefsUpdate     = RedisNamespace + ":prefs:update"
	RedisChanThresholdUpdate = RedisNamespace + ":gate:threshold-update"

	// RedisChanDeliveryPrefix — канал доставки ответов подписчикам беседы
	// (веб-клиент, чат-бот). Суффикс — conversation_id, payload — JSON ответа.
	RedisChanDeliveryPrefix = RedisNamespace + ":deliver:"
)

// SessionHistoryKey — ключ скользящего окна истории для беседы.
func SessionHistoryKey(conversationID string) string {
	return RedisKeySessionHistoryPrefix + conversationID
}

// SessionRefsKey — ключ множества активных ссылок беседы.
func SessionRefsKey(conversationID string) string {
	return RedisKeySessionRefsPrefix + conversationID
}

// DeliveryChannel — канал доставки ответов для одной беседы.
func DeliveryChannel(conversationID string) string {
	return RedisChanDeliveryPrefix + conversationID
}
