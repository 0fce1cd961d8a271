package domain

import "errors"

var (
	// ErrNotFound возвращается когда запись не найдена
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput возвращается при некорректных входных данных
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientBalance возвращается при недостаточном балансе
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBelowMinNotional возвращается когда ордер меньше биржевого минимума
	ErrBelowMinNotional = errors.New("below exchange minimum notional")

	// ErrEmergencyStop возвращается когда активирован emergency stop
	ErrEmergencyStop = errors.New("emergency stop activated")

	// ErrExchangeAPI возвращается при ошибке API биржи
	ErrExchangeAPI = errors.New("exchange API error")

	// ErrRangeRejected возвращается когда авто-диапазон сетки не проходит проверки
	ErrRangeRejected = errors.New("grid range rejected")

	// ErrTickInProgress возвращается когда тик по символу уже выполняется
	ErrTickInProgress = errors.New("tick already in progress for symbol")
)
