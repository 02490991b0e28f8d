package logger

import (
	"time"

	"go.uber.org/zap"
)

func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

func Method(v string) zap.Field {
	return zap.String("method", v)
}

func Path(v string) zap.Field {
	return zap.String("path", v)
}

func Status(v int) zap.Field {
	return zap.Int("status", v)
}

func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

func UserAgent(v string) zap.Field {
	return zap.String("user_agent", v)
}

func PrincipalID(v string) zap.Field {
	return zap.String("principal_id", v)
}

// SessionID logs the session handle (hash of the token), never the token.
func SessionID(v string) zap.Field {
	return zap.String("session_id", v)
}

func ChallengeID(v string) zap.Field {
	return zap.String("challenge_id", v)
}

func Channel(v string) zap.Field {
	return zap.String("channel", v)
}

func Factor(v string) zap.Field {
	return zap.String("factor", v)
}
