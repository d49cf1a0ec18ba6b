// Package approvalhandler exposes the approval engine over HTTP.
package approvalhandler
