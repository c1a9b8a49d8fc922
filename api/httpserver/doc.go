// Package httpserver provides the HTTP server the coordinator API runs on.
//
// BaseServer mounts the routes of every RouteRegistrar next to standard
// health endpoints and runs an optional metrics server on its own address.
//
//   - /livez reports that the process serves requests.
//   - /readyz reports readiness: not ready while drained or while the Ready
//     hook returns an error.
//   - /drain and /undrain toggle readiness for load balancers.
//   - /debug serves pprof when EnablePprof is set.
//
// Shutdown drains first, then stops both servers within
// GracefulShutdownDuration.
package httpserver
