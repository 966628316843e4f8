// Package httpserver is the HTTP gateway in front of the realtime engine.
// It upgrades WebSocket requests under the configured base path, enforces
// global, per-IP and rate-based connection limits, and serves the health and
// metrics endpoints.
package httpserver
