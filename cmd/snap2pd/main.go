// snap2pd is a small demo daemon exercising internal/peer end to end:
// listen for inbound handshakes, dial out to another instance, and mint
// standalone invite tokens for STEALTH peers. Grounded on the teacher's
// cmd/web4-node/main.go for the run(args, stdout, stderr) int pattern and
// flag.NewFlagSet-per-subcommand dispatch.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alexrudloff/snap2p/internal/codec"
	"github.com/alexrudloff/snap2p/internal/invite"
	"github.com/alexrudloff/snap2p/internal/locator"
	"github.com/alexrudloff/snap2p/internal/peer"
	"github.com/alexrudloff/snap2p/internal/wallet"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runListen(args[1:], stdout, stderr)
	case "dial":
		return runDial(args[1:], stdout, stderr)
	case "invite":
		return runInvite(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: snap2pd <run|dial|invite> [args]")
	fmt.Fprintln(w, "  run   --addr <host:port> [--transport tcp|quic] [--visibility public|private|stealth] [--gen-invite] [--debug]")
	fmt.Fprintln(w, "  dial  --addr <locator> [--invite <hex token>] [--debug]")
	fmt.Fprintln(w, "  invite new [--single-use] [--ttl 24h]")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".snap2p")
}

func runListen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	transportName := fs.String("transport", "tcp", "tcp or quic")
	visibilityName := fs.String("visibility", "public", "public, private or stealth")
	genInvite := fs.Bool("gen-invite", false, "mint and print a STEALTH invite token at startup")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if *debug {
		_ = os.Setenv("SNAP2P_DEBUG", "1")
	}

	vis, err := parseVisibility(*visibilityName)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	tr, err := parseTransport(*transportName)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	w, err := wallet.NewEphemeral()
	if err != nil {
		fmt.Fprintf(stderr, "wallet: %v\n", err)
		return 1
	}
	p, err := peer.New(peer.Options{
		Home:       homeDir(),
		Wallet:     w,
		Visibility: vis,
		OnConnection: func(c *peer.Connection) {
			fmt.Fprintf(stdout, "connection established remote=%s\n", c.RemotePrincipal())
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "peer: %v\n", err)
		return 1
	}

	if *genInvite {
		if vis != codec.VisibilityStealth {
			fmt.Fprintln(stderr, "--gen-invite requires --visibility stealth")
			return 1
		}
		token, err := p.GenerateInviteToken(invite.Options{})
		if err != nil {
			fmt.Fprintf(stderr, "invite: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "invite token: %s\n", hex.EncodeToString(token))
	}

	loc, err := p.Listen(context.Background(), tr, *addr)
	if err != nil {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY addr=%s principal=%s\n", loc, p.Principal())

	block := make(chan struct{})
	<-block
	return 0
}

func runDial(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dial", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "target locator, e.g. tcp://host:port or quic://host:port")
	inviteHex := fs.String("invite", "", "hex-encoded invite token for a STEALTH peer")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if *debug {
		_ = os.Setenv("SNAP2P_DEBUG", "1")
	}

	var token []byte
	if *inviteHex != "" {
		b, err := hex.DecodeString(*inviteHex)
		if err != nil {
			fmt.Fprintf(stderr, "invite: %v\n", err)
			return 1
		}
		token = b
	}

	w, err := wallet.NewEphemeral()
	if err != nil {
		fmt.Fprintf(stderr, "wallet: %v\n", err)
		return 1
	}
	p, err := peer.New(peer.Options{Home: homeDir(), Wallet: w})
	if err != nil {
		fmt.Fprintf(stderr, "peer: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := p.Dial(ctx, *addr, token)
	if err != nil {
		fmt.Fprintf(stderr, "dial failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "connected remote=%s session=%s\n", conn.RemotePrincipal(), hex.EncodeToString(conn.Session.SessionID()))
	_ = conn.Session.Close()
	return 0
}

func runInvite(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		fmt.Fprintln(stdout, "usage: snap2pd invite new [--single-use] [--ttl 24h]")
		return 0
	}
	switch args[0] {
	case "new":
		fs := flag.NewFlagSet("invite new", flag.ContinueOnError)
		fs.SetOutput(stderr)
		singleUse := fs.Bool("single-use", false, "token is consumed after one successful KNOCK")
		ttl := fs.Duration("ttl", invite.DefaultExpiry, "token validity window")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		store := invite.New()
		token, err := store.Generate(invite.Options{SingleUse: *singleUse, ExpiresAt: time.Now().Add(*ttl)})
		if err != nil {
			fmt.Fprintf(stderr, "invite: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, hex.EncodeToString(token))
		fmt.Fprintln(stdout, "import this token into a running STEALTH peer's store before a client dials with it")
		return 0
	default:
		fmt.Fprintf(stdout, "unknown invite subcommand: %s\n", args[0])
		return 1
	}
}

func parseVisibility(s string) (codec.Visibility, error) {
	switch s {
	case "public":
		return codec.VisibilityPublic, nil
	case "private":
		return codec.VisibilityPrivate, nil
	case "stealth":
		return codec.VisibilityStealth, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", s)
	}
}

func parseTransport(s string) (locator.Transport, error) {
	switch s {
	case "tcp":
		return locator.TCP, nil
	case "quic":
		return locator.QUIC, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}
