package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"storefront-auth/internal/apiclient"
	"storefront-auth/internal/session"
)

var errUsage = errors.New("usage")

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

type app struct {
	api     *apiclient.Client
	session *session.Controller
	in      *prompter
	out     io.Writer
	errOut  io.Writer
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "otp":
		if len(args) < 1 {
			return errUsage
		}
		purpose := ""
		if len(args) > 1 {
			purpose = args[1]
		}
		return a.otp(ctx, args[0], purpose)
	case "login":
		if len(args) != 1 {
			return errUsage
		}
		return a.login(ctx, args[0])
	case "set-key":
		if len(args) != 1 {
			return errUsage
		}
		return a.setKey(ctx, args[0])
	case "whoami":
		return a.whoami(ctx)
	case "refresh":
		return a.session.Extend(ctx)
	case "logout":
		return a.logout(ctx)
	case "watch":
		return a.watch(ctx)
	default:
		return errUsage
	}
}

func (a *app) otp(ctx context.Context, identifier, purpose string) error {
	challenge, err := a.api.RequestOTP(ctx, identifier, purpose)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Code sent. It expires at %s.\n", challenge.ExpiresAt.Local().Format(time.Kitchen))

	code, err := a.in.line("Enter the 6-digit code")
	if err != nil {
		return err
	}
	result, err := a.api.VerifyOTP(ctx, challenge.RequestID, code)
	if err != nil {
		return err
	}
	if result.Registered {
		fmt.Fprintln(a.out, "Welcome! Your account has been created.")
	}

	if result.HasKey {
		return a.login(ctx, identifier)
	}
	fmt.Fprintln(a.out, "Choose a safe key to finish signing in.")
	return a.setKey(ctx, identifier)
}

func (a *app) login(ctx context.Context, identifier string) error {
	key, err := a.in.secret("Safe key: ")
	if err != nil {
		return err
	}
	grant, err := a.api.Login(ctx, identifier, key)
	if err != nil {
		return err
	}
	return a.begin(grant)
}

func (a *app) setKey(ctx context.Context, identifier string) error {
	key, err := a.in.secret("New safe key: ")
	if err != nil {
		return err
	}
	confirm, err := a.in.secret("Repeat safe key: ")
	if err != nil {
		return err
	}
	if key != confirm {
		return errors.New("keys do not match")
	}

	grant, err := a.api.SetKey(ctx, identifier, key, confirm)
	if err != nil {
		return err
	}
	return a.begin(grant)
}

func (a *app) begin(grant *session.Grant) error {
	if err := a.session.Begin(*grant); err != nil {
		return err
	}
	who := ""
	if grant.User != nil {
		who = " as " + grant.User.Identifier
	}
	fmt.Fprintf(a.out, "Signed in%s until %s.\n", who, grant.ExpiresAt.Local().Format(time.Kitchen))
	return nil
}

func (a *app) whoami(ctx context.Context) error {
	state, ok := a.session.Current()
	if !ok {
		return session.ErrNoSession
	}
	user, err := a.api.Me(ctx, state.Token)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s (%s, %s)\n", user.Identifier, user.Role, user.Status)
	fmt.Fprintf(a.out, "session expires at %s\n", state.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

// logout always clears the local session, even if the server call fails.
func (a *app) logout(ctx context.Context) error {
	state, ok := a.session.Current()
	if !ok {
		return session.ErrNoSession
	}
	serverErr := a.api.Logout(ctx, state.Token)
	if err := a.session.Logout(); err != nil {
		return err
	}
	if serverErr != nil {
		fmt.Fprintln(a.errOut, "warning: server logout failed:", describe(serverErr))
	}
	fmt.Fprintln(a.out, "Signed out.")
	return nil
}

func (a *app) watch(ctx context.Context) error {
	if _, ok := a.session.Current(); !ok {
		return session.ErrNoSession
	}
	err := a.session.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) extend(ctx context.Context) {
	if err := a.session.Extend(ctx); err != nil {
		fmt.Fprintln(a.errOut, "warning:", describe(err))
	}
}

func describe(err error) string {
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter > 0 {
			return fmt.Sprintf("%s (retry in %s)", apiErr.Message, apiErr.RetryAfter)
		}
		return apiErr.Message
	}
	return err.Error()
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
	fd     int
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{reader: bufio.NewReader(in), out: out, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
	}
	return p
}

func (p *prompter) line(prompt string) (string, error) {
	if _, err := fmt.Fprint(p.out, prompt+"\n> "); err != nil {
		return "", err
	}
	line, err := p.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// secret reads without echo on a terminal and falls back to a plain line
// otherwise.
func (p *prompter) secret(prompt string) (string, error) {
	if p.fd < 0 {
		fmt.Fprint(p.out, prompt)
		line, err := p.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(p.out, prompt)
	raw, err := readPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
