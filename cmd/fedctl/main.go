package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/ruteri/oidfed-trust-anchor/api/adminauth"
	"github.com/ruteri/oidfed-trust-anchor/api/clients"
	"github.com/ruteri/oidfed-trust-anchor/cmd/flags"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/statement"
	"github.com/ruteri/oidfed-trust-anchor/storage"
	"github.com/ruteri/oidfed-trust-anchor/validation"
	"github.com/urfave/cli/v2"
)

var flagServerAddr = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:5000",
	EnvVars: []string{"TRUST_ANCHOR_ADDR"},
	Usage:   "trust anchor base URL",
}

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
	Usage: "request timeout",
}

var flagEntityType = &cli.StringFlag{
	Name:  "entity-type",
	Usage: "entity type: OP or RP",
}

var statementFlags = []cli.Flag{
	&cli.BoolFlag{Name: "raw", Usage: "print the compact JWS"},
	&cli.BoolFlag{Name: "verify", Usage: "verify the signature against the trust anchor's published keys"},
	&cli.StringFlag{
		Name:    "issuer",
		EnvVars: []string{"FEDERATION_ENTITY_ID"},
		Usage:   "expected federation entity ID when verifying (default: --server)",
	},
}

var ruleFlags = []cli.Flag{
	&cli.StringFlag{Name: "name", Usage: "rule name"},
	&cli.StringFlag{Name: "scope", Usage: "entity type the rule applies to: OP, RP or BOTH"},
	&cli.StringFlag{Name: "field", Usage: "dotted field path, e.g. metadata.openid_provider.issuer"},
	&cli.StringFlag{Name: "kind", Usage: "validation type: required, exists, exact_value, regex, range"},
	&cli.StringFlag{Name: "value", Usage: "validation value (JSON for exact_value and range)"},
	&cli.StringFlag{Name: "message", Usage: "error message template"},
	&cli.BoolFlag{Name: "active", Value: true, Usage: "whether the rule is evaluated"},
}

func main() {
	app := &cli.App{
		Name:  "fedctl",
		Usage: "Manage an OpenID Federation trust anchor",
		Flags: []cli.Flag{flagServerAddr, flagTimeout, flags.AdminJWTKeyFlag},
		Commands: []*cli.Command{
			{
				Name:      "register",
				Usage:     "register an entity",
				ArgsUsage: "<entity-id>",
				Flags:     []cli.Flag{flagEntityType},
				Action: func(cCtx *cli.Context) error {
					entityID, err := requireArg(cCtx)
					if err != nil {
						return err
					}
					c, err := newClient(cCtx)
					if err != nil {
						return err
					}
					resp, err := c.Register(cCtx.Context, entityID, interfaces.EntityType(cCtx.String(flagEntityType.Name)))
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "list",
				Usage: "list registered entities",
				Flags: []cli.Flag{flagEntityType},
				Action: func(cCtx *cli.Context) error {
					c, err := newClient(cCtx)
					if err != nil {
						return err
					}
					ids, err := c.List(cCtx.Context, interfaces.EntityType(cCtx.String(flagEntityType.Name)))
					if err != nil {
						return err
					}
					for _, id := range ids {
						fmt.Println(id)
					}
					return nil
				},
			},
			{
				Name:      "entity",
				Usage:     "show a registered entity",
				ArgsUsage: "<entity-id>",
				Action: func(cCtx *cli.Context) error {
					entityID, err := requireArg(cCtx)
					if err != nil {
						return err
					}
					c, err := newClient(cCtx)
					if err != nil {
						return err
					}
					entity, err := c.Entity(cCtx.Context, entityID)
					if err != nil {
						return err
					}
					return printJSON(entity)
				},
			},
			{
				Name:      "fetch",
				Usage:     "fetch and decode the subordinate statement about an entity",
				ArgsUsage: "<entity-id>",
				Flags:     statementFlags,
				Action: func(cCtx *cli.Context) error {
					entityID, err := requireArg(cCtx)
					if err != nil {
						return err
					}
					c, err := newClient(cCtx)
					if err != nil {
						return err
					}
					var token string
					if cCtx.Bool("verify") {
						token, _, err = c.VerifiedFetch(cCtx.Context, newVerifier(cCtx), expectedIssuer(cCtx), entityID)
					} else {
						token, err = c.Fetch(cCtx.Context, entityID)
					}
					if err != nil {
						return err
					}
					return printStatement(token, cCtx.Bool("raw"))
				},
			},
			{
				Name:  "federation",
				Usage: "fetch and decode the trust anchor's entity configuration",
				Flags: statementFlags,
				Action: func(cCtx *cli.Context) error {
					c, err := newClient(cCtx)
					if err != nil {
						return err
					}
					var token string
					if cCtx.Bool("verify") {
						token, _, err = c.VerifiedFederationConfiguration(cCtx.Context, newVerifier(cCtx), expectedIssuer(cCtx))
					} else {
						token, err = c.FederationConfiguration(cCtx.Context)
					}
					if err != nil {
						return err
					}
					return printStatement(token, cCtx.Bool("raw"))
				},
			},
			{
				Name:      "revoke",
				Usage:     "revoke a registered entity",
				ArgsUsage: "<entity-id>",
				Action: func(cCtx *cli.Context) error {
					entityID, err := requireArg(cCtx)
					if err != nil {
						return err
					}
					c, err := newClient(cCtx)
					if err != nil {
						return err
					}
					if err := c.Revoke(cCtx.Context, entityID); err != nil {
						return err
					}
					fmt.Println("revoked", entityID)
					return nil
				},
			},
			{
				Name:  "keys",
				Usage: "signing key management",
				Subcommands: []*cli.Command{
					{
						Name:  "rotate",
						Usage: "activate a new signing key",
						Action: func(cCtx *cli.Context) error {
							c, err := newClient(cCtx)
							if err != nil {
								return err
							}
							kid, err := c.RotateKeys(cCtx.Context)
							if err != nil {
								return err
							}
							fmt.Println("active kid", kid)
							return nil
						},
					},
				},
			},
			rulesCommand,
			archiveCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var rulesCommand = &cli.Command{
	Name:  "rules",
	Usage: "validation rule management",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "list validation rules",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "scope", Usage: "OP, RP or BOTH"},
				&cli.BoolFlag{Name: "all", Usage: "include inactive rules"},
			},
			Action: func(cCtx *cli.Context) error {
				c, err := newClient(cCtx)
				if err != nil {
					return err
				}
				rules, err := c.Rules(cCtx.Context, interfaces.RuleScope(cCtx.String("scope")), !cCtx.Bool("all"))
				if err != nil {
					return err
				}
				return printJSON(rules)
			},
		},
		{
			Name:  "create",
			Usage: "create a validation rule",
			Flags: ruleFlags,
			Action: func(cCtx *cli.Context) error {
				c, err := newClient(cCtx)
				if err != nil {
					return err
				}
				active := validation.Flag(cCtx.Bool("active"))
				rule, err := c.CreateRule(cCtx.Context, validation.RuleSpec{
					Name:         cCtx.String("name"),
					EntityType:   cCtx.String("scope"),
					FieldPath:    cCtx.String("field"),
					Kind:         cCtx.String("kind"),
					Parameter:    validation.Parameter(cCtx.String("value")),
					ErrorMessage: cCtx.String("message"),
					Active:       &active,
				})
				if err != nil {
					return err
				}
				return printJSON(rule)
			},
		},
		{
			Name:      "update",
			Usage:     "change the given fields of a validation rule",
			ArgsUsage: "<rule-id>",
			Flags:     ruleFlags,
			Action: func(cCtx *cli.Context) error {
				var id int64
				if _, err := fmt.Sscan(cCtx.Args().First(), &id); err != nil {
					return fmt.Errorf("rule id required: %w", err)
				}
				c, err := newClient(cCtx)
				if err != nil {
					return err
				}
				rule, err := c.UpdateRule(cCtx.Context, id, ruleUpdateFromFlags(cCtx))
				if err != nil {
					return err
				}
				return printJSON(rule)
			},
		},
		{
			Name:      "delete",
			Usage:     "delete a validation rule",
			ArgsUsage: "<rule-id>",
			Action: func(cCtx *cli.Context) error {
				var id int64
				if _, err := fmt.Sscan(cCtx.Args().First(), &id); err != nil {
					return fmt.Errorf("rule id required: %w", err)
				}
				c, err := newClient(cCtx)
				if err != nil {
					return err
				}
				if err := c.DeleteRule(cCtx.Context, id); err != nil {
					return err
				}
				fmt.Println("deleted rule", id)
				return nil
			},
		},
		{
			Name:      "import",
			Usage:     "create the rules of a YAML rule file, skipping existing names",
			ArgsUsage: "<rules.yaml>",
			Action: func(cCtx *cli.Context) error {
				path, err := requireArg(cCtx)
				if err != nil {
					return err
				}
				specs, err := validation.LoadRuleFile(path)
				if err != nil {
					return err
				}
				c, err := newClient(cCtx)
				if err != nil {
					return err
				}
				created := 0
				for _, spec := range specs {
					_, err := c.CreateRule(cCtx.Context, spec)
					if errors.Is(err, interfaces.ErrRuleExists) {
						fmt.Println("exists", spec.Name)
						continue
					}
					if err != nil {
						return fmt.Errorf("rule %s: %w", spec.Name, err)
					}
					created++
				}
				fmt.Printf("created %d of %d rules\n", created, len(specs))
				return nil
			},
		},
	},
}

var archiveCommand = &cli.Command{
	Name:  "archive",
	Usage: "read archived statements",
	Subcommands: []*cli.Command{
		{
			Name:      "get",
			Usage:     "print an archived token by content id",
			ArgsUsage: "<content-id>",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:     "archive",
					EnvVars:  []string{"ARCHIVE"},
					Required: true,
					Usage:    "archive backend URI (file://, s3://, ipfs://, vault://); may be repeated",
				},
				&cli.StringFlag{
					Name:  "type",
					Value: interfaces.SubordinateStatementType.String(),
					Usage: "archive namespace: statement or entity-configuration",
				},
				&cli.BoolFlag{Name: "raw", Usage: "print the compact JWS"},
			},
			Action: func(cCtx *cli.Context) error {
				arg, err := requireArg(cCtx)
				if err != nil {
					return err
				}
				id, err := interfaces.ParseContentID(arg)
				if err != nil {
					return err
				}
				contentType, err := interfaces.ParseContentType(cCtx.String("type"))
				if err != nil {
					return err
				}

				logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
				backend, err := storage.OpenArchive(cCtx.StringSlice("archive"), logger)
				if err != nil {
					return err
				}
				data, err := backend.Fetch(cCtx.Context, id, contentType)
				if err != nil {
					return fmt.Errorf("content %s: %w", id, err)
				}
				if interfaces.ComputeID(data) != id {
					return fmt.Errorf("content %s: archived bytes do not match their id", id)
				}
				return printStatement(string(data), cCtx.Bool("raw"))
			},
		},
	},
}

func ruleUpdateFromFlags(cCtx *cli.Context) validation.RuleUpdate {
	var update validation.RuleUpdate
	str := func(name string) *string {
		if !cCtx.IsSet(name) {
			return nil
		}
		v := cCtx.String(name)
		return &v
	}
	update.Name = str("name")
	update.EntityType = str("scope")
	update.FieldPath = str("field")
	update.Kind = str("kind")
	update.ErrorMessage = str("message")
	if cCtx.IsSet("value") {
		p := validation.Parameter(cCtx.String("value"))
		update.Parameter = &p
	}
	if cCtx.IsSet("active") {
		f := validation.Flag(cCtx.Bool("active"))
		update.Active = &f
	}
	return update
}

func newClient(cCtx *cli.Context) (*clients.FederationClient, error) {
	key, err := flags.AdminKey(cCtx)
	if err != nil {
		return nil, err
	}
	var src adminauth.TokenSource
	if key != nil {
		src = &adminauth.JWTTokenSource{Subject: "fedctl", Key: key}
	}
	httpClient := adminauth.NewHTTPClient(src, cCtx.Duration(flagTimeout.Name))
	return clients.NewFederationClient(cCtx.String(flagServerAddr.Name), httpClient), nil
}

func newVerifier(cCtx *cli.Context) *statement.Verifier {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return statement.NewVerifier(expectedIssuer(cCtx), nil, logger)
}

func expectedIssuer(cCtx *cli.Context) string {
	if issuer := cCtx.String("issuer"); issuer != "" {
		return issuer
	}
	return strings.TrimSuffix(cCtx.String(flagServerAddr.Name), "/")
}

func requireArg(cCtx *cli.Context) (string, error) {
	arg := cCtx.Args().First()
	if arg == "" {
		return "", fmt.Errorf("%s: missing argument %s", cCtx.Command.Name, cCtx.Command.ArgsUsage)
	}
	return arg, nil
}

func printStatement(token string, raw bool) error {
	if raw {
		fmt.Println(token)
		return nil
	}
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return fmt.Errorf("could not parse statement: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, msg.Payload(), "", "  "); err != nil {
		return fmt.Errorf("could not decode statement payload: %w", err)
	}
	fmt.Println(out.String())
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
