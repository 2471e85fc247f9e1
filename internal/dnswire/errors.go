package dnswire

import (
	"fmt"

	"socks-async/internal/domain"
)

var (
	ErrBufferTooSmall   = fmt.Errorf("%w: dns message buffer too small", domain.ErrProtocol)
	ErrQuestionTooLarge = fmt.Errorf("%w: question too big for udp", domain.ErrProtocol)
	ErrInvalidType      = fmt.Errorf("%w: invalid record type", domain.ErrProtocol)
	ErrMalformed        = fmt.Errorf("%w: malformed dns message", domain.ErrProtocol)
)
