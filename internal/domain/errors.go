package domain

import "errors"

// Сентинели доменного уровня. Репозитории и сервисы оборачивают их через %w,
// хендлеры различают через errors.Is.
var (
	// Откат
	ErrRollbackExpired     = errors.New("rollback window expired")
	ErrRollbackUnsupported = errors.New("rollback not supported for this task")
	ErrAlreadyRolledBack   = errors.New("task already rolled back")

	// Конечные автоматы
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAlreadyDecided      = errors.New("confirmation request already decided")
	ErrConfirmationExpired = errors.New("confirmation request expired")

	// Идемпотентность: живая задача с таким же ключом уже есть, дубликат
	// коалесцируется в нее
	ErrTaskExists = errors.New("task with this idempotency key already in flight")

	ErrTaskNotFound         = errors.New("task not found")
	ErrConfirmationNotFound = errors.New("confirmation request not found")
	ErrUserNotFound         = errors.New("user not found")

	// Реестр исполнителей
	ErrNoExecutor       = errors.New("no executor registered for intent type")
	ErrMissingParameter = errors.New("required parameter missing")

	// Настройки шлюза
	ErrInvalidThresholds = errors.New("threshold set violates band ordering")
)
