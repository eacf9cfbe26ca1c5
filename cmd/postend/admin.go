package main

import (
	"fmt"
	"github.com/modfin/posten/internal/clix"
	"github.com/modfin/posten/internal/config"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/dnsx"
	"github.com/modfin/posten/internal/domains"
	"github.com/modfin/posten/internal/keystore"
	"github.com/modfin/posten/internal/tenant"
	"github.com/modfin/posten/tools"
	"github.com/urfave/cli/v2"
	"os"
	"text/tabwriter"
	"time"
)

type admin struct {
	cfg *config.Config
	lc  *tools.Logger
	db  *dao.DB
}

func (a *admin) keys() *keystore.KeyStore {
	return keystore.New(a.cfg.Keys, a.db, a.lc, nil)
}

func (a *admin) registry() *domains.Registry {
	return domains.New(a.cfg.Domains, a.db, a.keys(), dnsx.New(a.cfg.DNS, a.lc, nil), a.lc)
}

// withAdmin opens the database for a one-off administrative command
func withAdmin(fn func(c *cli.Context, a *admin) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Get()
		if err != nil {
			return err
		}
		lc, err := tools.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			return err
		}
		db, err := dao.New(cfg.DB, lc)
		if err != nil {
			return fmt.Errorf("could not open database, %w", err)
		}
		defer db.Close()
		return fn(c, &admin{cfg: cfg, lc: lc, db: db})
	}
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

type tenantArgs struct {
	ID   string `cli:"id" required:"true"`
	Name string `cli:"name"`
}

var tenantCommand = &cli.Command{
	Name:  "tenant",
	Usage: "manage tenants",
	Subcommands: []*cli.Command{
		{
			Name:  "add",
			Flags: clix.Flags[tenantArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[tenantArgs](c)
				err := tenant.New(a.db, a.lc).Create(c.Context, args.ID, args.Name)
				if err != nil {
					return err
				}
				fmt.Println("created tenant", args.ID)
				return nil
			}),
		},
		{
			Name: "list",
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				ts, err := a.db.ListTenants(c.Context)
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "ID\tNAME\tCREATED")
				for _, t := range ts {
					fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Name, t.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			}),
		},
	},
}

type issueArgs struct {
	Tenant string             `cli:"tenant" required:"true"`
	Kind   dao.CredentialKind `cli:"kind" value:"api" usage:"api or smtp"`
}

type revokeArgs struct {
	ID string `cli:"id" required:"true"`
}

var credentialCommand = &cli.Command{
	Name:  "credential",
	Usage: "issue and revoke api keys and smtp credentials",
	Subcommands: []*cli.Command{
		{
			Name:  "issue",
			Usage: "issue a credential, the secret is only shown once",
			Flags: clix.Flags[issueArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[issueArgs](c)
				if args.Kind != dao.CredentialAPI && args.Kind != dao.CredentialSMTP {
					return fmt.Errorf("unknown credential kind %q", args.Kind)
				}
				id, secret, err := tenant.New(a.db, a.lc).Issue(c.Context, args.Tenant, args.Kind)
				if err != nil {
					return err
				}
				fmt.Printf("id:     %s\nsecret: %s\n", id, secret)
				return nil
			}),
		},
		{
			Name:  "revoke",
			Flags: clix.Flags[revokeArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[revokeArgs](c)
				return tenant.New(a.db, a.lc).Revoke(c.Context, args.ID)
			}),
		},
	},
}

type listArgs struct {
	Tenant string `cli:"tenant" required:"true"`
}

type tenantDomainArgs struct {
	Tenant string `cli:"tenant" required:"true"`
	domainArgs
}

type domainArgs struct {
	Domain string `cli:"domain" required:"true"`
}

func printClaim(cl domains.Claim) {
	w := table()
	fmt.Fprintf(w, "domain\t%s (%s)\n", cl.Domain, cl.State)
	fmt.Fprintf(w, "verification\t%s\tTXT\t%q\n", cl.VerifyName, cl.VerifyRecord)
	fmt.Fprintf(w, "dkim\t%s\tTXT\t%q\n", cl.DKIMName, cl.DKIMRecord)
	_ = w.Flush()
}

var domainCommand = &cli.Command{
	Name:  "domain",
	Usage: "claim and verify sender domains for tenants",
	Subcommands: []*cli.Command{
		{
			Name:  "claim",
			Usage: "claim a domain and print the dns records the tenant has to publish",
			Flags: clix.Flags[tenantDomainArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[tenantDomainArgs](c)
				cl, err := a.registry().Claim(c.Context, args.Tenant, args.Domain)
				if err != nil {
					return err
				}
				printClaim(cl)
				return nil
			}),
		},
		{
			Name:  "verify",
			Usage: "look up the verification record of a domain now",
			Flags: clix.Flags[tenantDomainArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[tenantDomainArgs](c)
				r := a.registry()
				state, err := r.Verify(c.Context, args.Tenant, args.Domain)
				if err != nil {
					return err
				}
				fmt.Println(args.Domain, "is", state)
				return nil
			}),
		},
		{
			Name:  "show",
			Flags: clix.Flags[tenantDomainArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[tenantDomainArgs](c)
				cl, err := a.registry().Get(c.Context, args.Tenant, args.Domain)
				if err != nil {
					return err
				}
				printClaim(cl)
				return nil
			}),
		},
		{
			Name:  "list",
			Flags: clix.Flags[listArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[listArgs](c)
				ds, err := a.registry().List(c.Context, args.Tenant)
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "DOMAIN\tSTATE\tSELECTOR\tCREATED")
				for _, d := range ds {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.State, d.Selector, d.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			}),
		},
	},
}

var dkimCommand = &cli.Command{
	Name:  "dkim",
	Usage: "manage dkim keys",
	Subcommands: []*cli.Command{
		{
			Name:  "rotate",
			Usage: "generate a new active key for a domain, the previous key is kept inactive",
			Flags: clix.Flags[domainArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[domainArgs](c)
				kp, err := a.keys().RotateKey(c.Context, args.Domain)
				if err != nil {
					return err
				}
				fmt.Printf("%s TXT %q\n", kp.RecordName(), kp.Record())
				return nil
			}),
		},
		{
			Name:  "record",
			Usage: "print the dns record of the active key of a domain",
			Flags: clix.Flags[domainArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[domainArgs](c)
				name, value, err := a.keys().DNSRecord(c.Context, args.Domain)
				if err != nil {
					return err
				}
				fmt.Printf("%s TXT %q\n", name, value)
				return nil
			}),
		},
	},
}

type blockArgs struct {
	Kind  dao.BlockKind `cli:"kind" required:"true" usage:"ip or domain"`
	Value string        `cli:"value" required:"true"`
}

type blockAddArgs struct {
	blockArgs
	Reason string `cli:"reason"`
}

var blockCommand = &cli.Command{
	Name:  "block",
	Usage: "manage the ip and domain blocklist",
	Subcommands: []*cli.Command{
		{
			Name:  "add",
			Flags: clix.Flags[blockAddArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[blockAddArgs](c)
				if err := validKind(args.Kind); err != nil {
					return err
				}
				return a.db.AddBlock(c.Context, dao.Block{Kind: args.Kind, Value: args.Value, Reason: args.Reason})
			}),
		},
		{
			Name:  "remove",
			Flags: clix.Flags[blockArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[blockArgs](c)
				if err := validKind(args.Kind); err != nil {
					return err
				}
				return a.db.RemoveBlock(c.Context, args.Kind, args.Value)
			}),
		},
	},
}

func validKind(kind dao.BlockKind) error {
	switch kind {
	case dao.BlockIP, dao.BlockDomain:
		return nil
	}
	return fmt.Errorf("unknown block kind %q", kind)
}

type reputationArgs struct {
	Scope string `cli:"scope" required:"true" usage:"ip or tenant-domain"`
	Key   string `cli:"key" required:"true" usage:"an ip, or tenant|domain"`
}

type maintainArgs struct {
	OlderThan time.Duration `cli:"older-than" value:"24h"`
}

func setBlocked(blocked bool) cli.ActionFunc {
	return withAdmin(func(c *cli.Context, a *admin) error {
		args := clix.Parse[reputationArgs](c)
		return a.db.SetReputationBlocked(c.Context, args.Scope, args.Key, blocked)
	})
}

var reputationCommand = &cli.Command{
	Name:  "reputation",
	Usage: "inspect and maintain sender reputation",
	Subcommands: []*cli.Command{
		{
			Name:  "show",
			Flags: clix.Flags[reputationArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[reputationArgs](c)
				r, err := a.db.GetReputation(c.Context, args.Scope, args.Key)
				if err != nil {
					return err
				}
				fmt.Printf("volume: %d failures: %d rate: %.2f blocked: %t\n", r.Volume, r.Failures, r.FailureRate(), r.Blocked)
				return nil
			}),
		},
		{
			Name:   "block",
			Flags:  clix.Flags[reputationArgs](),
			Action: setBlocked(true),
		},
		{
			Name:   "unblock",
			Flags:  clix.Flags[reputationArgs](),
			Action: setBlocked(false),
		},
		{
			Name:  "maintain",
			Usage: "halve aggregates that has not been updated recently and purge expired rate counters",
			Flags: clix.Flags[maintainArgs](),
			Action: withAdmin(func(c *cli.Context, a *admin) error {
				args := clix.Parse[maintainArgs](c)
				decayed, err := a.db.DecayReputation(c.Context, time.Now().Add(-args.OlderThan))
				if err != nil {
					return err
				}
				purged, err := a.db.PurgeCounters(c.Context)
				if err != nil {
					return err
				}
				fmt.Printf("decayed %d aggregates, purged %d counters\n", decayed, purged)
				return nil
			}),
		},
	},
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "print the number of jobs per type and state",
	Action: withAdmin(func(c *cli.Context, a *admin) error {
		cs, err := a.db.JobStats(c.Context)
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "TYPE\tSTATE\tCOUNT")
		for _, s := range cs {
			fmt.Fprintf(w, "%s\t%s\t%d\n", s.JobType, s.State, s.Count)
		}
		return w.Flush()
	}),
}
