// internal/websocket/errors.go
package websocket

import "errors"

var (
	ErrTokenBlacklisted = errors.New("token has been blacklisted")
	ErrRoomForbidden    = errors.New("room not permitted for this connection")
	ErrInvalidRoom      = errors.New("invalid room")
	ErrNotRegistered    = errors.New("client is not registered")
)
