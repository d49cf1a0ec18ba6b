// Command approvalctl is the admin command line client of the approval
// server. Every subcommand prints the server response as JSON.
//
//	approvalctl --cert admin.pem --key admin.key submit revocation \
//	    --ca-id 7 --execute --payload '{"username":"host1","reason":"keyCompromise"}'
//	approvalctl --cert officer.pem --key officer.key approve 1234567890
package main
