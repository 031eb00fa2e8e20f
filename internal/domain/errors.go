package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrMarketUnknown       = errors.New("market not registered")
	ErrNoSnapshot          = errors.New("no snapshot applied for book")
	ErrCrossedBook         = errors.New("crossed book: best bid at or above best ask")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationSettled  = errors.New("reservation already settled or released")
	ErrLockHeld            = errors.New("lock already held")
	ErrMarketShutdown      = errors.New("market is shut down")
	ErrTradingHalted       = errors.New("trading halted below minimum wallet balance")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrSigningFailed       = errors.New("signing failed")
)
