package engine

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ExecutionProvider — внешние системы, через которые исполнители производят
// эффекты (календарь, база знаний, доставка сообщений).
type ExecutionProvider interface {
	Call(ctx context.Context, capID string, payload []byte) ([]byte, error)
}

// ReliabilityWrapper изолирует конвейер от деградации внешних систем:
// Rate Limiter сглаживает нагрузку, Circuit Breaker отсекает трафик при серии
// отказов. Повторные попытки здесь не делаются: лимит попыток — собственность
// диспетчера, который ведет их в строке задачи.
type ReliabilityWrapper struct {
	next    ExecutionProvider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliabilityWrapper(next ExecutionProvider, cfg infra.OrchestratorConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	log := logger.With(zap.String("mod", "reliability"))

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "systems-connector",
		MaxRequests: uint32(cfg.CBMaxRequests),
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			state := 0.0
			if to == gobreaker.StateOpen {
				state = 1.0
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(state)
			log.Warn("circuit breaker state changed",
				zap.String("connector", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	// Настройка лимитера обращений к внешним системам
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: limiter,
	}
}

func (w *ReliabilityWrapper) Call(ctx context.Context, capID string, payload []byte) ([]byte, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		return w.next.Call(ctx, capID, payload)
	})
	if err != nil {
		return nil, err
	}

	return cbResult.([]byte), nil
}
