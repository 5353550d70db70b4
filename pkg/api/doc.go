/*
Package api serves the daemon's local HTTP status endpoint.

The server listens on 127.0.0.1:9420 by default and exposes:

	GET /health   liveness plus per-component state, always 200
	GET /ready    200 once the assignment store loads and managed
	              directories are layered, 503 otherwise
	GET /metrics  Prometheus exposition
	GET /status   JSON document for operators and `tierd status`

# Status Document

/status combines three sources, each optional:

  - the persisted UUID → mount path assignments
  - the control loop's last pass report and task schedule
  - the bbolt journal: last state per partition, last run per task and
    the most recent lifecycle events

Journal read failures are listed under "errors" and never fail the
request.

# Usage

	srv := api.NewStatusServer(api.Sources{
		Version:     version,
		Assignments: store,
		History:     journal,
		Loop:        rec,
	})
	go func() {
		if err := srv.Start(cfg.StatusAddr); err != nil {
			log.Logger.Error().Err(err).Msg("Status server failed")
		}
	}()
	defer srv.Shutdown(ctx)

The endpoint is read-only. Nothing served here touches mount state.
*/
package api
