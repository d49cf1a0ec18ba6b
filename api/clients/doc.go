/*
Package clients provides an HTTP client for the approval API.

ApprovalClient authenticates with the admin's TLS client certificate. For
servers running behind a proxy that forwards the admin identity in headers,
AsAdmin sets those headers instead.

	client := clients.NewApprovalClient("https://approvals.example.com:8443", tlsConfig)
	sub, err := client.Submit(ctx, api.SubmitRequest{...})
	status, err := client.Approve(ctx, sub.ApprovalID, api.DecisionRequest{Comment: "ok"})
*/
package clients
