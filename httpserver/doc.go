/*
Package httpserver runs the HTTP front of every service in this repository.

A Server mounts the routes of one or more API handlers (storage node, LLM
gateway, signer node, demo application) on a chi router and adds:

  - GET /livez - liveness check
  - GET /readyz - readiness check, 503 while draining
  - GET /drain - mark the server as not ready
  - GET /undrain - mark the server as ready again
  - /debug/pprof when pprof is enabled

Requests are logged with the flashbots httplogger middleware. Prometheus
metrics are served on a separate address.

	cfg := flags.ConfigureServer(cCtx, logger)
	srv, err := httpserver.New(cfg, nodehandler.NewHandler(svc, usage, logger))
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
