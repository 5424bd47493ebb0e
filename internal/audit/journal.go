package audit

/*
Файл journal.go реализует компонент Journal — движок для сбора и
персистентности журнала решений и исполнений (Audit Trail).

Ключевые особенности архитектуры:
- Write-Ahead Commit: метод Commit синхронно фиксирует намерение (вердикт шлюза
  и параметры задачи) ДО любого побочного эффекта. Ошибка записи — это отказ
  исполнять: действие без следа в журнале запрещено.
- Non-blocking Observe: исходы и телеметрия уходят через неблокирующий канал
  из Hot Path конвейера. Задержки записи в БД не влияют на Response Time.
- Batching & Efficiency: накопление событий в памяти и пакетная запись
  (Bulk Insert) в PostgreSQL по таймеру или при достижении лимита (100 событий).
- Drain Pattern & Graceful Shutdown: полная вычитка буфера при остановке
  сервиса. С помощью sync.WaitGroup и закрытия каналов гарантируется
  Final Flush — отсутствие потерь данных при перезагрузке системы.
- Reliability: устойчивость к кратковременным сбоям БД за счет изоляции воркера
  и использования контекста Background для завершающих операций.
*/

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться записи
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []Record) error
}

// Recorder — контракт журнала для ядра оркестратора.
type Recorder interface {
	// Commit — синхронная write-ahead фиксация. Без нее эффект не исполняется.
	Commit(ctx context.Context, rec Record) error
	// Observe — асинхронная дозапись исхода, не блокирует конвейер.
	Observe(rec Record)
}

type Journal struct {
	ch            chan Record      // Буфер для асинхронности
	repo          StorageInterface // Интерфейс для Postgres/ClickHouse
	flushInterval time.Duration
	logger        *zap.Logger
	wg            sync.WaitGroup
	// «Железобетонная» защита (Bulletproof) вдруг кто-то вызовет Observe случайно после остановки,
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

// NewJournal создает журнал с буфером на bufSize записей и периодом сброса
// flushInterval. Нулевые значения заменяются консервативными дефолтами.
func NewJournal(repo StorageInterface, bufSize int, flushInterval time.Duration, logger *zap.Logger) *Journal {
	if bufSize <= 0 {
		bufSize = 10000
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	j := &Journal{
		ch:            make(chan Record, bufSize),
		repo:          repo,
		flushInterval: flushInterval,
		logger:        logger.With(zap.String("mod", "journal")),
		wg:            sync.WaitGroup{},
	}
	return j
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	// 1. Сначала ставим флаг
	atomic.StoreInt32(&j.isClosed, 1)

	// 2. Даем крошечную паузу, чтобы текущие Observe успели проскочить
	time.Sleep(10 * time.Millisecond)

	// 3. Закрываем (Drain Pattern). Завершение горутины происходит исключительно через закрытие входного канала.
	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch) // 1. Закрываем канал. Новые записи больше не принимаются.
	j.wg.Wait() // 2. Ждем, пока воркер вычитает остатки из канала и вызовет flush().
	j.logger.Info("journal stopped gracefully")
}

// Depth — текущая заполненность буфера. Снимается метрикой saturation.
func (j *Journal) Depth() int {
	return len(j.ch)
}

// Commit пишет запись немедленно, минуя буфер. Вызывается ДО побочного
// эффекта: если журнал недоступен, исполнение не начинается.
func (j *Journal) Commit(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := j.repo.WriteBatch(ctx, []Record{rec}); err != nil {
		return fmt.Errorf("journal: write-ahead commit: %w", err)
	}
	return nil
}

func (j *Journal) Observe(rec Record) {
	// Убеждаемся, что таймстемп всегда проставлен
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	// Атомарно проверяем, не закрыт ли канал
	if atomic.LoadInt32(&j.isClosed) == 1 {
		j.logger.Warn("audit record dropped: journal is stopping", zap.String("id", rec.ID))
		return
	}

	// используем стратегию Load Shedding (сброс нагрузки)
	select {
	case j.ch <- rec:
	default:
		// Если канал переполнен (Backpressure), пишем в стандартный логгер
		// Чтобы не терять данные в критических ситуациях
		j.logger.Error("audit_buffer_overflow",
			zap.String("task_id", rec.TaskID),
			zap.String("trace_id", rec.TraceID),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Record, 0, 100)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Используем Background, так как основной контекст может быть уже закрыт
			if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
				j.logger.Error("audit flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case rec, ok := <-j.ch:
			if !ok {
				// КАНАЛ ЗАКРЫТ j.ch в методе Stop() — это самодостаточный сигнал для завершения.
				// Он гарантирует, что воркер:
				//		Сначала вычитает всё, что осталось в очереди.
				//		Только потом получит ok == false.
				//		Вызовет финальный flush() и выйдет.
				flush() // Финальный сброс
				j.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
