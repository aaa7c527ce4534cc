// Package config loads, normalizes, and validates stemflow configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// REDIS_ADDR, QUEUE_DIR or TELEGRAM_BOT_TOKEN, optionally sourced from a .env
// file. The Config type centralizes every knob the workers and CLI need so the
// shared directories, backend selection and retry policy are discovered in one
// pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
