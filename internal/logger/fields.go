package logger

import (
	"time"

	"go.uber.org/zap"
)

func RequestID(v string) zap.Field { return zap.String("request_id", v) }

func Method(v string) zap.Field { return zap.String("method", v) }

func Path(v string) zap.Field { return zap.String("path", v) }

func Status(v int) zap.Field { return zap.Int("status", v) }

func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

func ClientIP(v string) zap.Field { return zap.String("client_ip", v) }

func ClientID(v string) zap.Field { return zap.String("client_id", v) }

func UserID(v string) zap.Field { return zap.String("user_id", v) }

// Op names the operation in progress, e.g. "Server.HandleToken".
func Op(v string) zap.Field { return zap.String("op", v) }

// Layer is handler, service or store.
func Layer(v string) zap.Field { return zap.String("layer", v) }

func Component(v string) zap.Field { return zap.String("component", v) }

func Count(v int) zap.Field { return zap.Int("count", v) }

func Err(err error) zap.Field { return zap.Error(err) }

func String(key, v string) zap.Field { return zap.String(key, v) }

func Bool(key string, v bool) zap.Field { return zap.Bool(key, v) }
