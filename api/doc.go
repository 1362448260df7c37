/*
Package api holds the HTTP surfaces of the confidential executor.

  - server: lifecycle shared by every binary (routing, health probes,
    draining, graceful shutdown, optional TLS)
  - executorhandler: the public execution API served by the orchestrator
  - custodianhandler: the key custodian protocol and its HTTP client

The handlers only translate between HTTP and the executor, sessions and
custodian packages; no policy decisions are made here.
*/
package api
