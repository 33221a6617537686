package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets anyone join any room",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeAccount && cfg.DatabasePath == "" {
		logger.Warn("startup warning: accounts and meeting history are kept in memory and lost on restart",
			"warning_code", "database_in_memory",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.SignalingConnectsPerMinute <= 0 {
		logger.Warn("startup security warning: SIGNALING_CONNECTS_PER_MINUTE is unset/0 (unlimited) while --mode=prod",
			"warning_code", "signaling_connects_unlimited_in_prod",
			"signaling_connects_per_minute", cfg.SignalingConnectsPerMinute,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "signaling_messages_unlimited_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (every relayed message is buffered per recipient)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeAccount && cfg.SessionTokenTTL > 30*24*time.Hour {
		logger.Warn("startup security warning: SESSION_TOKEN_TTL is longer than 30 days",
			"warning_code", "session_token_ttl_long",
			"session_token_ttl", cfg.SessionTokenTTL,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured; peers behind NAT will not connect",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}
}
