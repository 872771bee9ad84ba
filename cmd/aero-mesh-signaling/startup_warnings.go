package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/scope"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ScopeMode == scope.ModeAny {
		logger.Warn("startup warning: SCOPE_MODE=any lets every peer discover and signal every host regardless of network",
			"warning_code", "scope_mode_any",
			"scope_mode", cfg.ScopeMode,
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

	if cfg.TrustForwardedFor {
		logger.Warn("startup security warning: TRUST_FORWARDED_FOR=true takes peer addresses from X-Forwarded-For (spoofable unless a proxy overwrites it)",
			"warning_code", "trust_forwarded_for",
			"scope_mode", cfg.ScopeMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large while --mode=prod",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
}
