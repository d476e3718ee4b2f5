// Package config loads Meridian's runtime configuration: the tunables
// spec.md §6 lists as environment-overridable defaults, generalized from
// the teacher's ad hoc getenv(key, default) helper into a single typed
// Config loaded once at process start via spf13/viper, with optional
// .env support via joho/godotenv for local development.
package config
