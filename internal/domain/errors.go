package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized означает, что повторная авторизация не помогла. Сессия должна быть перезапущена.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound возвращается, если запись отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrSessionNotAuthorized — MTProto-сессия не авторизована.
	ErrSessionNotAuthorized = errors.New("mtproto session is not authorized")
)

// RequestError — ответ API с кодом вне диапазона 2xx.
type RequestError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s %s failed: status=%d body=%s", e.Method, e.URL, e.Status, e.Body)
}

// FloodWaitError — провайдер просит подождать перед повтором действия.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

// AsFloodWait извлекает длительность ожидания из ошибки.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

// IsRequestError сообщает, что ошибка — детерминированный отказ API.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}
