/*
Package api holds the wire types of the approval HTTP API shared by the
handler in api/approvalhandler and the client in api/clients.

Admins are identified by the issuer DN and serial number of their TLS client
certificate. Requests are JSON; errors come back as an ErrorResponse with a
status code that reflects the workflow outcome:

  - 400 invalid request or step, operation not gated
  - 403 admin not authorized
  - 404 no such approval request or record
  - 409 duplicate request, already resolved, already decided, step consumed,
    execution in progress
  - 410 request expired
  - 412 request not approved
  - 502 approved operation failed to execute
  - 503 approval store unavailable
*/
package api
