// Command authctl drives the storefront sign-in flow from a terminal and
// keeps the resulting session on disk.
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
	"time"

	"storefront-auth/internal/apiclient"
	"storefront-auth/internal/session"
	"storefront-auth/internal/util"
)

const usage = `usage: authctl [flags] <command> [args]

commands:
  otp <identifier> [purpose]   request a code, verify it, then log in or set a key
  login <identifier>           log in with a safe key
  set-key <identifier>         set or replace the safe key (after OTP verification)
  whoami                       show the signed-in user
  refresh                      extend the current session
  logout                       end the session
  watch                        keep the session clock running until it expires

flags:
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("authctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", envOr("AUTHCTL_SERVER", "http://localhost:8080"), "auth server base URL")
	sessionPath := fs.String("session", "", "session file (default: user config dir)")
	warnBefore := fs.Duration("warn-before", session.DefaultWarnBefore, "warn this long before the session expires")
	poll := fs.Duration("poll", session.DefaultPollInterval, "session check interval for watch")
	autoExtend := fs.Bool("auto-extend", false, "watch: extend automatically when the warning fires")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	util.Init("development", level, "console")
	defer util.Sync()

	path := *sessionPath
	if path == "" {
		p, err := session.DefaultPath()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		path = p
	}

	api := apiclient.New(*server, nil)
	app := &app{
		api:    api,
		in:     newPrompter(stdin, stdout),
		out:    stdout,
		errOut: stderr,
	}

	controller, err := session.NewController(session.NewFileStore(path), api, session.Config{
		PollInterval: *poll,
		WarnBefore:   *warnBefore,
		OnWarning: func(remaining time.Duration) {
			fmt.Fprintf(stdout, "Your session expires in %s.\n", remaining.Round(time.Second))
			if *autoExtend {
				go app.extend(context.Background())
			} else {
				fmt.Fprintln(stdout, "Run `authctl refresh` to stay signed in.")
			}
		},
		OnExpired: func() {
			fmt.Fprintln(stdout, "Session expired. Please sign in again.")
		},
		OnRenewed: func(s session.State) {
			fmt.Fprintf(stdout, "Session extended until %s.\n", s.ExpiresAt.Local().Format(time.Kitchen))
		},
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	app.session = controller

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.dispatch(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			return 2
		}
		fmt.Fprintln(stderr, "error:", describe(err))
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
