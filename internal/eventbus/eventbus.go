/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"github.com/rs/zerolog"

	"github.com/Metaroadcorp/snd-system-test/internal/config"
)

// New builds the bus selected by SND_EVENTBUS.
func New(cfg *config.Config, nodeID string, logger zerolog.Logger) Bus {
	switch cfg.EventBus {
	case config.EventBusRedis:
		rc := DefaultRedisConfig()
		rc.Addr, rc.Password, rc.DB = cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB
		return NewRedisBus(rc, nodeID, logger)
	case config.EventBusNATS:
		nc := DefaultNATSConfig()
		nc.URL = cfg.NATSURL
		return NewNATSBus(nc, nodeID, logger)
	default:
		return NewLocal()
	}
}
