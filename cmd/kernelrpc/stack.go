package main

import (
	"fmt"

	"kernel-rpc/codec"
	"kernel-rpc/comm"
	"kernel-rpc/config"
	"kernel-rpc/logging"
	"kernel-rpc/registry"
	"kernel-rpc/transport"

	"github.com/rs/zerolog"
)

// loadConfig loads the config file and builds a logger tagged with component.
func loadConfig(path, component string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Pretty = cfg.Log.Pretty
	return cfg, logging.NewWithComponent(logCfg, component), nil
}

// newRegistry builds the configured registry. It returns a nil registry for
// kind "none".
func newRegistry(cfg *config.Config, logger zerolog.Logger) (registry.Registry, func(), error) {
	switch cfg.Registry.Kind {
	case "memory":
		return registry.NewMemoryRegistry(), func() {}, nil
	case "etcd":
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		return reg, func() { _ = reg.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

// commOptions are the comm settings shared by kernel and frontend. The wait
// strategy is left to the caller.
func commOptions(cfg *config.Config, logger zerolog.Logger) ([]comm.Option, error) {
	ct, err := codec.ParseCodecType(cfg.Comm.Payload)
	if err != nil {
		return nil, err
	}
	return []comm.Option{
		comm.WithLogger(logger),
		comm.WithTarget(cfg.Kernel.Target),
		comm.WithPayloadCodec(codec.GetCodec(ct)),
		comm.WithDefaultTimeout(cfg.Comm.Timeout),
		comm.WithOrphanTTL(cfg.Comm.OrphanTTL),
		comm.AllowNestedWaits(cfg.Comm.AllowNestedWaits),
	}, nil
}

func channelOptions(cfg *config.Config) ([]transport.Option, error) {
	ct, err := codec.ParseCodecType(cfg.Kernel.Codec)
	if err != nil {
		return nil, err
	}
	return []transport.Option{
		transport.WithCodec(codec.GetCodec(ct)),
		transport.WithHeartbeat(cfg.Kernel.Heartbeat),
	}, nil
}
