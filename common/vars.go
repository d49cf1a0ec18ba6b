package common

var (
	Version = "dev"

	// PackageName is the namespace for metrics and traces.
	PackageName = "github.com/ruteri/ca-approval-backend"
)
