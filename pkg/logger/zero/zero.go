// Package zero adapts zerolog to the driver's logger interface.
package zero

import (
	"fmt"

	"github.com/rs/zerolog"
)

type ZerologHandler struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: logger}
}

func (handler *ZerologHandler) Error(msg string, args ...any) {
	withFields(handler.logger.Error(), args).Msg(msg)
}

func (handler *ZerologHandler) Warn(msg string, args ...any) {
	withFields(handler.logger.Warn(), args).Msg(msg)
}

func (handler *ZerologHandler) Info(msg string, args ...any) {
	withFields(handler.logger.Info(), args).Msg(msg)
}

func (handler *ZerologHandler) Debug(msg string, args ...any) {
	withFields(handler.logger.Debug(), args).Msg(msg)
}

// withFields interprets args as alternating key/value pairs, the same
// convention log/slog uses. A trailing key without a value is kept as-is
// under the "arg" field rather than dropped.
func withFields(ev *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			ev = ev.Interface("arg", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		ev = ev.Interface(key, args[i+1])
	}
	return ev
}
