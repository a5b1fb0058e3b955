package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// dropLog throttles warnings per reason. Counters are kept by the caller and
// are never throttled.
type dropLog struct {
	log zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newDropLog(log zerolog.Logger) *dropLog {
	return &dropLog{log: log, limiters: make(map[string]*rate.Limiter)}
}

func (d *dropLog) allow(reason string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[reason]
	if !ok {
		l = rate.NewLimiter(rate.Every(10*time.Second), 5)
		d.limiters[reason] = l
	}
	return l.Allow()
}

func (d *dropLog) warn(reason string, err error, msg string) {
	if !d.allow(reason) {
		return
	}
	d.log.Warn().Str("reason", reason).Err(err).Msg(msg)
}

func (d *dropLog) warnf(reason, format string, args ...any) {
	if !d.allow(reason) {
		return
	}
	d.log.Warn().Str("reason", reason).Msg(fmt.Sprintf(format, args...))
}
