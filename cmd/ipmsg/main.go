// Command ipmsg is the CLI entry point.
//
// Runs one LAN messaging account: peers are discovered by UDP broadcast,
// messages are delivered with confirmation and retry, and files are served
// and fetched over TCP on the same port. Commands are read from stdin; an
// optional WebSocket bridge (-bridge) exposes the same engine to other UIs.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/ipmsg/internal/bridge"
	"github.com/1ureka/ipmsg/internal/config"
	"github.com/1ureka/ipmsg/internal/delivery"
	"github.com/1ureka/ipmsg/internal/engine"
	"github.com/1ureka/ipmsg/internal/metrics"
	"github.com/1ureka/ipmsg/internal/presence"
	"github.com/1ureka/ipmsg/internal/transfer"
	"github.com/1ureka/ipmsg/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()
	cfg.BindFlags(flag.CommandLine)
	statusFlag := flag.String("status", "online", "Initial status: online or busy")
	flag.Parse()

	if err := cfg.ApplyEnv(); err != nil {
		util.LogError("invalid environment: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	status, ok := presence.ParseStatus(*statusFlag)
	if !ok || status == presence.StatusOffline {
		util.LogError("invalid -status: must be 'online' or 'busy'")
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("IPMsg v%s", version))
	pterm.Println()

	eng := engine.New(cfg)
	if err := eng.Start(ctx); err != nil {
		util.LogError("failed to start engine: %v", err)
		os.Exit(1)
	}
	defer eng.Close()

	if err := eng.SetLocalStatus(status, ""); err != nil {
		util.LogError("failed to go online: %v", err)
		os.Exit(1)
	}
	util.LogSuccess("%s is %s on port %d", cfg.DisplayName(), status, cfg.Port)

	metrics.StartReporter(ctx)

	if cfg.BridgeAddr != "" {
		srv := bridge.NewServer(eng)
		addr, err := srv.Start(cfg.BridgeAddr)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		defer srv.Close()
		go srv.Run(ctx)
		util.LogInfo("bridge ready at ws://%s/ws", addr)
	}

	sh := newShell(eng)
	go sh.printEvents(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	pterm.Println("Type /help for commands.")
	for {
		select {
		case <-ctx.Done():
			util.LogInfo("shutting down")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := sh.exec(ctx, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Event printer
// ---------------------------------------------------------------------------

func (sh *shell) printEvents(ctx context.Context) {
	peers := sh.eng.PeerEvents().Subscribe()
	messages := sh.eng.MessageEvents().Subscribe()
	deliveries := sh.eng.DeliveryEvents().Subscribe()
	transfers := sh.eng.TransferEvents().Subscribe()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-peers:
			switch ev.Kind {
			case presence.PeerJoined:
				pterm.Success.Printfln("%s (%s) joined", ev.Peer.DisplayName, ev.Peer.Addr)
			case presence.PeerLeft:
				pterm.Warning.Printfln("%s (%s) left", ev.Peer.DisplayName, ev.Peer.Addr)
			default:
				pterm.Info.Printfln("%s is now %s %s", ev.Peer.DisplayName, ev.Peer.Status, ev.Peer.StatusText)
			}

		case m := <-messages:
			pterm.DefaultSection.Printfln("%s <%s>", m.From.DisplayName, m.From.Addr)
			if m.Text != "" {
				pterm.Println(m.Text)
			}
			for _, in := range m.Files {
				n := sh.remember(in)
				pterm.Info.Printfln("offer #%d: %s (%s), /accept %d [dest]", n, in.Name, describeSize(in), n)
			}

		case p := <-deliveries:
			switch {
			case p.Outcome == delivery.Failed:
				pterm.Error.Printfln("message %d not delivered to %s", p.ID, p.Peer)
			case p.Done && p.Failed == 0:
				pterm.Success.Printfln("message %d delivered", p.ID)
			}

		case p := <-transfers:
			if p.State.Final() {
				printTransfer(p)
			}
		}
	}
}

func printTransfer(p transfer.Progress) {
	switch p.State {
	case transfer.Completed:
		pterm.Success.Printfln("%s %s: %s done", p.Role, p.Name, formatSize(p.Transferred))
	case transfer.Error:
		pterm.Error.Printfln("%s %s failed: %v", p.Role, p.Name, p.Err)
	default:
		pterm.Warning.Printfln("%s %s %s", p.Role, p.Name, p.State)
	}
}

func describeSize(in *transfer.Incoming) string {
	if in.IsDir {
		return "directory"
	}
	return formatSize(in.Size)
}

func formatSize(n uint64) string {
	return strings.TrimSpace(metrics.FormatBytes(float64(n)))
}
