package models

const (
	ReservationStatusConfirmed = "confirmed"
	ReservationStatusCancelled = "cancelled"
)

const (
	// DefaultPollIntervalSeconds интервал опроса очереди по умолчанию
	DefaultPollIntervalSeconds = 2

	// MaxIdleBackoffSeconds потолок экспоненциального ожидания при пустой очереди
	MaxIdleBackoffSeconds = 30

	// DefaultMaxAttempts число попыток до перевода задачи в failed
	DefaultMaxAttempts = 5

	// DefaultRetryDelaySeconds базовая задержка линейного повтора
	DefaultRetryDelaySeconds = 60

	// DefaultStopTimeoutSeconds ожидание завершения текущей задачи при остановке
	DefaultStopTimeoutSeconds = 5

	// DefaultJobListLimit размер выборки для админского списка задач
	DefaultJobListLimit = 100

	// MaxJobListLimit верхняя граница выборки
	MaxJobListLimit = 500
)
