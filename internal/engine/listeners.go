package engine

/*
Файл listeners.go связывает ядро с сигналами других участников системы через
Redis Pub/Sub:

  - решения консоли по заявкам HITL (одобрение чужим процессом);
  - отмена задач, бегущих на других инстансах;
  - инвалидация кэшей настроек автоматизации и порогов шлюза.

Pub/Sub здесь — ускоритель, а не источник истины. Истина в PostgreSQL:
пропущенный сигнал докатывается досинхронизацией при переподписке и
периодическим фоновым свипом.
*/

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/audit"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"go.uber.org/zap"
)

// StartListeners поднимает фоновые подписки. Без Redis движок работает в
// одноузловом режиме: решения HITL принимаются только через собственный API.
func (o *Orchestrator) StartListeners(ctx context.Context) {
	if o.rdb == nil {
		o.logger.Warn("redis is not configured: cross-instance signals disabled")
		return
	}

	go ListenStateResilient(ctx, o.rdb, o.logger, infra.RedisChanConfirmDecisions,
		func() error { return o.resyncApproved(ctx) },
		func(payload string) { o.onConfirmationSignal(ctx, payload) },
	)

	go ListenStateResilient(ctx, o.rdb, o.logger, infra.RedisChanTaskCancel,
		func() error { return nil }, // Полеты локальны, досинхронизировать нечего
		func(payload string) {
			if o.tracker.Cancel(payload) {
				o.logger.Info("in-flight task suppressed by remote signal",
					zap.String("task_id", payload))
			}
		},
	)

	go ListenStateResilient(ctx, o.rdb, o.logger, infra.RedisChanPrefsUpdate,
		func() error { return o.prefs.Warm(ctx) },
		func(payload string) { o.prefs.Invalidate(payload) },
	)

	go ListenStateResilient(ctx, o.rdb, o.logger, infra.RedisChanThresholdUpdate,
		func() error { return o.thresholds.Refresh(ctx) },
		func(string) {
			// Сигнал несет тип задачи, но кэш целиком дешевле перечитать
			if err := o.thresholds.Refresh(ctx); err != nil {
				o.logger.Error("threshold cache refresh failed", zap.Error(err))
			}
		},
	)
}

// onConfirmationSignal обрабатывает решение, принятое через консоль.
// Формат полезной нагрузки: "<confirmation_id>:<approved|rejected>".
func (o *Orchestrator) onConfirmationSignal(ctx context.Context, payload string) {
	id, decision, ok := strings.Cut(payload, ":")
	if !ok {
		o.logger.Warn("malformed confirmation signal", zap.String("payload", payload))
		return
	}
	if decision != "approved" {
		// Отказ уже персистентен на стороне консоли, движку делать нечего
		return
	}

	conf, err := o.store.GetConfirmationByID(ctx, id)
	if err != nil {
		o.logger.Error("confirmation from signal not found",
			zap.String("confirmation_id", id), zap.Error(err))
		return
	}
	if conf.Status != domain.ConfirmationApproved || conf.TaskID != nil {
		return // Уже материализована или сигнал устарел
	}

	ir := o.resumeApproved(WithTraceID(ctx, uuid.NewString()), conf)
	o.logger.Info("approved confirmation resumed from signal",
		zap.String("confirmation_id", id),
		zap.String("task_id", ir.TaskID),
		zap.String("status", ir.Status))
}

// resyncApproved доисполняет одобренные, но не материализованные заявки.
// Закрывает две дыры: пропущенный Pub/Sub сигнал и падение инстанса между
// решением и запуском. Гонку претендентов снимает хранилище.
func (o *Orchestrator) resyncApproved(ctx context.Context) error {
	confs, err := o.store.FindConfirmations(ctx, domain.ConfirmationApproved)
	if err != nil {
		return err
	}
	for _, conf := range confs {
		if conf.TaskID != nil {
			continue
		}
		c := conf
		go func() {
			ir := o.resumeApproved(WithTraceID(o.baseCtx, uuid.NewString()), c)
			o.logger.Info("orphaned approval resumed",
				zap.String("confirmation_id", c.ID),
				zap.String("status", ir.Status))
		}()
	}
	return nil
}

// StartMaintenance запускает фоновую гигиену: протухание просроченных заявок
// и дорезюм одобренных. Интервал <= 0 заменяется минутой.
func (o *Orchestrator) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.expireConfirmations(ctx)
				if err := o.resyncApproved(ctx); err != nil {
					o.logger.Error("approved confirmations resync failed", zap.Error(err))
				}
			}
		}
	}()
}

func (o *Orchestrator) expireConfirmations(ctx context.Context) {
	ids, err := o.store.ExpireStaleConfirmations(ctx)
	if err != nil {
		o.logger.Error("confirmation expiry sweep failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		conf, gErr := o.store.GetConfirmationByID(ctx, id)
		if gErr != nil {
			o.logger.Warn("expired confirmation vanished before audit",
				zap.String("confirmation_id", id), zap.Error(gErr))
			continue
		}
		o.journal.Observe(o.confirmationRecord(ctx, conf, audit.StatusTimedOut))
	}
	if len(ids) > 0 {
		o.logger.Info("stale confirmations expired", zap.Int("count", len(ids)))
	}
}
