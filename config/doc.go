// Package config loads the worker configuration.
//
// A Config is built in layers, each overriding only the keys it sets:
//
//  1. Defaults
//  2. Config files added with Loader.AddLayer, YAML (.yaml, .yml) or JSON
//  3. EDGEWORKER_* environment variables
//
// CLI flags are applied by the caller on top of the loaded Config, followed by
// a call to Validate.
//
// Durations are written as strings in files and the environment ("30s", "2m",
// "1d"):
//
//	device_id: octopi
//	workers: 4
//	shutdown_timeout: 45s
//	nats:
//	  url: nats://localhost:4223
//	  creds_file: /etc/printnanny/nats.creds
//	presence:
//	  interval: 1m
//
// Loading:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/edgeworker/config.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Validation errors wrap errors.ErrInvalidConfig and are classified invalid.
// Config files are size limited, must be regular files and relative paths may
// not escape the working directory.
package config
