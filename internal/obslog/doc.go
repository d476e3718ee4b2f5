// Package obslog provides Meridian's logging and metrics, the ambient
// stack the teacher repo never needed but every cluster process does.
// Logging follows github.com/sirupsen/logrus, structured with per-
// component fields; metrics follow github.com/prometheus/client_golang,
// exposed for scraping the way /health and /metrics are wired in
// cmd/shardmanager and cmd/runner.
package obslog
