/*
Package servers hosts the trust anchor's HTTP API.

Server mounts every handler's public routes on a single chi router wrapped by the
httplogger access log middleware. Handlers that implement AdminRouteRegistrar get
their admin routes mounted in a separate group guarded by the configured admin
authorization middleware (see api/adminauth).

Besides the API the server exposes the operational endpoints:

  - /livez and /readyz for liveness and readiness probes
  - /drain and /undrain to toggle readiness ahead of a rollout
  - /debug/pprof when EnablePprof is set

Prometheus metrics are served on a separate listener (MetricsAddr). RunInBackground
starts both listeners; Shutdown drains, then stops them within
GracefulShutdownDuration.
*/
package servers
