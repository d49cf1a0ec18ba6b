/*
Package httpserver runs the approval API.

The server mounts the route sets it is given (the approval handler in
production) next to the operational endpoints:

  - GET /livez     liveness, always 200
  - GET /readyz    readiness, 503 while draining
  - GET /drain     mark not ready so load balancers stop routing
  - GET /undrain   mark ready again
  - /debug/pprof   when pprof is enabled

Prometheus metrics are served on a separate listener. When a TLS config is
set the API listener serves HTTPS, which is how admin client certificates
reach the approval handler.
*/
package httpserver
