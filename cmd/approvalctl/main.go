package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/ruteri/ca-approval-backend/api"
	"github.com/ruteri/ca-approval-backend/api/clients"
	"github.com/ruteri/ca-approval-backend/interfaces"
	"github.com/urfave/cli/v2"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "server",
		Value:   "https://127.0.0.1:8443",
		Usage:   "approval server base URL",
		EnvVars: []string{"APPROVALCTL_SERVER"},
	},
	&cli.StringFlag{
		Name:  "cert",
		Usage: "admin client certificate PEM file",
	},
	&cli.StringFlag{
		Name:  "key",
		Usage: "admin client key PEM file",
	},
	&cli.StringFlag{
		Name:  "ca",
		Usage: "CA bundle to verify the server with",
	},
	&cli.StringFlag{
		Name:  "admin-issuer",
		Usage: "admin issuer DN sent in headers, for servers behind a trusted proxy",
	},
	&cli.StringFlag{
		Name:  "admin-serial",
		Usage: "admin certificate serial sent in headers",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Usage: "request timeout, 0 for the client default",
	},
}

var decisionFlags = []cli.Flag{
	&cli.StringFlag{Name: "comment", Usage: "comment stored with the decision"},
	&cli.IntFlag{Name: "step", Usage: "step the decision applies to"},
}

func main() {
	app := &cli.App{
		Name:  "approvalctl",
		Usage: "Manage CA approval requests",
		Flags: globalFlags,
		Commands: []*cli.Command{
			{
				Name:      "submit",
				Usage:     "Submit an operation for approval",
				ArgsUsage: "<approval-type>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "ca-id", Usage: "CA the operation targets"},
					&cli.IntFlag{Name: "profile-id", Usage: "end entity profile the operation targets"},
					&cli.StringFlag{Name: "payload", Usage: "operation payload as JSON, or @file"},
					&cli.BoolFlag{Name: "execute", Usage: "run the operation once approved"},
					&cli.StringFlag{Name: "description"},
					&cli.IntFlag{Name: "required", Usage: "required approvals when no policy applies"},
					&cli.IntSliceFlag{Name: "steps", Usage: "per-step required approvals"},
					&cli.BoolFlag{Name: "step-scoped", Usage: "keep approvals of one step from counting for another"},
					&cli.StringFlag{Name: "ttl", Usage: "request lifetime, e.g. 8h"},
				},
				Action: submit,
			},
			{
				Name:      "approve",
				ArgsUsage: "<approval-id>",
				Flags:     decisionFlags,
				Action: func(cCtx *cli.Context) error {
					return decide(cCtx, (*clients.ApprovalClient).Approve)
				},
			},
			{
				Name:      "reject",
				ArgsUsage: "<approval-id>",
				Flags:     decisionFlags,
				Action: func(cCtx *cli.Context) error {
					return decide(cCtx, (*clients.ApprovalClient).Reject)
				},
			},
			{
				Name:      "execute",
				Usage:     "Retry the execution of an approved request",
				ArgsUsage: "<approval-id>",
				Action: func(cCtx *cli.Context) error {
					return withApproval(cCtx, func(c *clients.ApprovalClient, id string) (any, error) {
						return c.Execute(cCtx.Context, id)
					})
				},
			},
			{
				Name:      "status",
				ArgsUsage: "<approval-id>",
				Flags:     []cli.Flag{&cli.IntFlag{Name: "step", Value: -1, Usage: "report on one step"}},
				Action: func(cCtx *cli.Context) error {
					return withApproval(cCtx, func(c *clients.ApprovalClient, id string) (any, error) {
						if step := cCtx.Int("step"); step >= 0 {
							return c.StatusForStep(cCtx.Context, id, step)
						}
						return c.Status(cCtx.Context, id)
					})
				},
			},
			{
				Name:      "step-done",
				Usage:     "Mark a step as consumed",
				ArgsUsage: "<approval-id> <step>",
				Action: func(cCtx *cli.Context) error {
					step, err := strconv.Atoi(cCtx.Args().Get(1))
					if err != nil {
						return fmt.Errorf("invalid step %q", cCtx.Args().Get(1))
					}
					return withApproval(cCtx, func(c *clients.ApprovalClient, id string) (any, error) {
						return nil, c.MarkStepDone(cCtx.Context, id, step)
					})
				},
			},
			{
				Name:      "get",
				Usage:     "Show the current request",
				ArgsUsage: "<approval-id>",
				Action: func(cCtx *cli.Context) error {
					return withApproval(cCtx, func(c *clients.ApprovalClient, id string) (any, error) {
						return c.Get(cCtx.Context, id)
					})
				},
			},
			{
				Name:      "history",
				Usage:     "Show every record of a request, newest first",
				ArgsUsage: "<approval-id>",
				Action: func(cCtx *cli.Context) error {
					return withApproval(cCtx, func(c *clients.ApprovalClient, id string) (any, error) {
						return c.History(cCtx.Context, id)
					})
				},
			},
			{
				Name:  "query",
				Usage: "List requests",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type"},
					&cli.StringFlag{Name: "status"},
					&cli.StringFlag{Name: "ca-id"},
					&cli.StringFlag{Name: "requester", Usage: "requesting admin key"},
					&cli.IntFlag{Name: "offset"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: query,
			},
			{
				Name:      "remove",
				Usage:     "Archive and delete one record",
				ArgsUsage: "<record-id>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return errors.New("expected a record id")
					}
					c, err := newClient(cCtx)
					if err != nil {
						return err
					}
					return c.Remove(cCtx.Context, cCtx.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cCtx *cli.Context) (*clients.ApprovalClient, error) {
	tlsConfig, err := clientTLSConfig(cCtx.String("cert"), cCtx.String("key"), cCtx.String("ca"))
	if err != nil {
		return nil, err
	}
	var c *clients.ApprovalClient
	if timeout := cCtx.Duration("timeout"); timeout > 0 {
		c = clients.NewApprovalClient(cCtx.String("server"), tlsConfig, timeout)
	} else {
		c = clients.NewApprovalClient(cCtx.String("server"), tlsConfig)
	}

	issuer, serial := cCtx.String("admin-issuer"), cCtx.String("admin-serial")
	if issuer != "" || serial != "" {
		if issuer == "" || serial == "" {
			return nil, errors.New("--admin-issuer and --admin-serial go together")
		}
		c = c.AsAdmin(interfaces.AdminIdentity{IssuerDN: issuer, SerialNumber: serial})
	}
	return c, nil
}

func clientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" && caFile == "" {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func withApproval(cCtx *cli.Context, fn func(c *clients.ApprovalClient, approvalID string) (any, error)) error {
	if cCtx.NArg() < 1 {
		return errors.New("expected an approval id")
	}
	c, err := newClient(cCtx)
	if err != nil {
		return err
	}
	out, err := fn(c, cCtx.Args().First())
	if err != nil || out == nil {
		return err
	}
	return printJSON(out)
}

type decideFunc func(c *clients.ApprovalClient, ctx context.Context, approvalID string, d api.DecisionRequest) (*api.StatusResponse, error)

func decide(cCtx *cli.Context, fn decideFunc) error {
	return withApproval(cCtx, func(c *clients.ApprovalClient, id string) (any, error) {
		return fn(c, cCtx.Context, id, api.DecisionRequest{
			Comment: cCtx.String("comment"),
			Step:    cCtx.Int("step"),
		})
	})
}

func submit(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return errors.New("expected an approval type")
	}
	approvalType, err := interfaces.ParseApprovalType(cCtx.Args().First())
	if err != nil {
		return err
	}
	payload, err := readPayload(cCtx.String("payload"))
	if err != nil {
		return err
	}

	c, err := newClient(cCtx)
	if err != nil {
		return err
	}
	resp, err := c.Submit(cCtx.Context, api.SubmitRequest{
		ApprovalType:       approvalType,
		CAID:               int32(cCtx.Int("ca-id")),
		EndEntityProfileID: int32(cCtx.Int("profile-id")),
		Payload:            payload,
		Executable:         cCtx.Bool("execute"),
		Description:        cCtx.String("description"),
		RequiredApprovals:  cCtx.Int("required"),
		StepRequirements:   cCtx.IntSlice("steps"),
		StepScoped:         cCtx.Bool("step-scoped"),
		TTL:                cCtx.String("ttl"),
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

// readPayload accepts inline JSON or @path.
func readPayload(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if arg[0] == '@' {
		var err error
		if data, err = os.ReadFile(arg[1:]); err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return data, nil
}

func buildFilter(cCtx *cli.Context) interfaces.Filter {
	var leaves []interfaces.Filter
	for flag, field := range map[string]interfaces.FilterField{
		"type":      interfaces.FieldApprovalType,
		"status":    interfaces.FieldStatus,
		"ca-id":     interfaces.FieldCAID,
		"requester": interfaces.FieldRequestingAdmin,
	} {
		if v := cCtx.String(flag); v != "" {
			leaves = append(leaves, interfaces.Eq(field, v))
		}
	}
	switch len(leaves) {
	case 0:
		return interfaces.Filter{}
	case 1:
		return leaves[0]
	default:
		return interfaces.And(leaves...)
	}
}

func query(cCtx *cli.Context) error {
	c, err := newClient(cCtx)
	if err != nil {
		return err
	}
	records, err := c.Query(cCtx.Context, api.QueryRequest{
		Filter: buildFilter(cCtx),
		Offset: cCtx.Int("offset"),
		Limit:  cCtx.Int("limit"),
	})
	if err != nil {
		return err
	}
	return printJSON(records)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
