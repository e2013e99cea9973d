// Command blockctl manages the blocklist and runs anomaly sweeps from the
// command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"iptracker/internal/app"
	"iptracker/internal/config"
	"iptracker/internal/logging"
	"iptracker/internal/models"
	"iptracker/internal/repository"
	"iptracker/internal/service"
	"iptracker/internal/tasks"
)

const usage = `usage: blockctl <command> [arguments]

commands:
  block <ip> [-reason text]   block an IP address
  unblock <ip>                remove an IP address from the blocklist
  list                        list blocked IP addresses
  sweep                       run one anomaly sweep now
`

type blocklist interface {
	Block(ctx context.Context, ip, reason string, actor service.Actor) (models.BlockedIP, bool, error)
	Unblock(ctx context.Context, ip string, actor service.Actor) error
	List(ctx context.Context) ([]models.BlockedIP, error)
}

type commands struct {
	blocklist blocklist
	sweeper   tasks.Sweeper
	locker    tasks.Locker
	actor     service.Actor
	out       io.Writer
	errOut    io.Writer
}

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogWeb, true)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := repository.Migrate(cfg.PostgresURL); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	a, err := app.Bootstrap(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if err := a.Blocklist.Sync(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: blocklist sync failed: %v\n", err)
	}

	cmds := &commands{
		blocklist: a.Blocklist,
		sweeper:   a.Anomaly,
		locker:    a.RedisRepo,
		actor:     service.Actor{Name: cliUser(), Source: "cli"},
		out:       os.Stdout,
		errOut:    os.Stderr,
	}
	code := cmds.run(ctx, os.Args[1:])
	stop()
	a.Close()
	os.Exit(code)
}

func cliUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "blockctl"
}

// run executes one command and returns the process exit code.
func (c *commands) run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(c.errOut, usage)
		return 2
	}

	switch args[0] {
	case "block":
		return c.block(ctx, args[1:])
	case "unblock":
		return c.unblock(ctx, args[1:])
	case "list":
		return c.list(ctx)
	case "sweep":
		return c.sweep(ctx)
	case "help", "-h", "--help":
		fmt.Fprint(c.out, usage)
		return 0
	}
	fmt.Fprintf(c.errOut, "unknown command %q\n\n%s", args[0], usage)
	return 2
}

func (c *commands) block(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("block", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	reason := fs.String("reason", "", "reason recorded with the block")

	// Accept the address before or after the flags.
	var ip string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		ip, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if ip == "" && fs.NArg() > 0 {
		ip = fs.Arg(0)
	}
	if ip == "" {
		fmt.Fprintln(c.errOut, "usage: blockctl block <ip> [-reason text]")
		return 2
	}

	b, created, err := c.blocklist.Block(ctx, ip, *reason, c.actor)
	if err != nil {
		return c.fail(ip, err)
	}
	if created {
		fmt.Fprintf(c.out, "Blocked %s\n", b.IP)
	} else {
		fmt.Fprintf(c.out, "IP %s already blocked, reason updated\n", b.IP)
	}
	return 0
}

func (c *commands) unblock(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(c.errOut, "usage: blockctl unblock <ip>")
		return 2
	}
	ip := args[0]
	if err := c.blocklist.Unblock(ctx, ip, c.actor); err != nil {
		return c.fail(ip, err)
	}
	canon, _ := service.CanonicalIP(ip)
	fmt.Fprintf(c.out, "Unblocked %s\n", canon)
	return 0
}

func (c *commands) list(ctx context.Context) int {
	list, err := c.blocklist.List(ctx)
	if err != nil {
		fmt.Fprintf(c.errOut, "list: %v\n", err)
		return 1
	}
	if len(list) == 0 {
		fmt.Fprintln(c.out, "No blocked IPs")
		return 0
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IP\tBLOCKED AT\tREASON")
	for _, b := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.IP, b.BlockedAt.UTC().Format(time.RFC3339), b.Reason)
	}
	_ = tw.Flush()
	return 0
}

func (c *commands) sweep(ctx context.Context) int {
	if c.locker != nil {
		acquired, err := c.locker.AcquireLock(ctx, tasks.SweepLockKey, tasks.SweepLockTTL)
		if err != nil {
			fmt.Fprintf(c.errOut, "sweep: %v\n", err)
			return 1
		}
		if !acquired {
			fmt.Fprintln(c.errOut, "sweep: another sweep is running")
			return 1
		}
		defer func() { _ = c.locker.ReleaseLock(context.Background(), tasks.SweepLockKey) }()
	}

	report, err := c.sweeper.Sweep(ctx, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(c.errOut, "sweep: %v\n", err)
		return 1
	}
	fmt.Fprintf(c.out, "Sweep finished in %s: %d candidates, %d recorded, %d suppressed, %d excluded\n",
		report.Duration.Round(time.Millisecond), report.Candidates, report.Inserted, report.Suppressed, report.Excluded)
	return 0
}

func (c *commands) fail(ip string, err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidIP):
		fmt.Fprintf(c.errOut, "invalid IP address: %s\n", ip)
	case errors.Is(err, service.ErrNotBlocked):
		fmt.Fprintf(c.errOut, "IP %s is not in the blacklist\n", ip)
	default:
		fmt.Fprintf(c.errOut, "error: %v\n", err)
	}
	return 1
}
