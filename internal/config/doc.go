// Package config provides loading and environment overlay for the xiapi
// pipeline configuration. It exposes a Default() baseline, JSON file
// loading, and an XIAPI_* env overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/xiapi.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
