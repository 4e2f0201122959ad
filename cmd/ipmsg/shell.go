package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/ipmsg/internal/engine"
	"github.com/1ureka/ipmsg/internal/presence"
	"github.com/1ureka/ipmsg/internal/transfer"
	"github.com/1ureka/ipmsg/internal/util"
)

const helpText = `Commands:
  /peers                         list known peers
  /msg <addr[,addr...]> <text>   send a message
  /all <text>                    send to every online peer
  /status online|busy [text]     change status
  /offline                       leave the network
  /offer <addr> <path>           offer a file or directory
  /accept <n> [dest]             fetch offer #n
  /decline <n>                   release offer #n
  /quit                          exit`

// shell executes stdin commands against the engine.
type shell struct {
	eng *engine.Engine

	mu     sync.Mutex
	offers []*transfer.Incoming
}

func newShell(eng *engine.Engine) *shell {
	return &shell{eng: eng}
}

// remember numbers an incoming offer for /accept.
func (sh *shell) remember(in *transfer.Incoming) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.offers = append(sh.offers, in)
	return len(sh.offers)
}

func (sh *shell) offer(n int) (*transfer.Incoming, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if n < 1 || n > len(sh.offers) {
		return nil, fmt.Errorf("no offer #%d", n)
	}
	return sh.offers[n-1], nil
}

// command is one parsed input line.
type command struct {
	name string
	args []string
	rest string // text after the fixed arguments
}

var errUsage = errors.New("usage error, try /help")

// parseCommand splits "/name a b rest of line". fixed is the number of
// single-word arguments before the free text.
func parseCommand(line string) (command, error) {
	if !strings.HasPrefix(line, "/") {
		return command{}, errUsage
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	c := command{name: name}

	fixed := map[string]int{
		"msg": 1, "all": 0, "status": 1, "offer": 1,
		"accept": 1, "decline": 1,
	}[name]

	rest = strings.TrimSpace(rest)
	for range fixed {
		if rest == "" {
			return command{}, errUsage
		}
		var arg string
		arg, rest, _ = strings.Cut(rest, " ")
		c.args = append(c.args, arg)
		rest = strings.TrimSpace(rest)
	}
	c.rest = rest
	return c, nil
}

// exec runs one line and reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	c, err := parseCommand(line)
	if err != nil {
		util.LogWarning("%v", err)
		return false
	}

	switch c.name {
	case "help":
		pterm.Println(helpText)
	case "quit", "exit":
		return true
	case "peers":
		sh.printPeers()
	case "msg":
		err = sh.send(c.args[0], c.rest)
	case "all":
		err = sh.sendAll(c.rest)
	case "status":
		err = sh.setStatus(c.args[0], c.rest)
	case "offline":
		err = sh.eng.SetLocalStatus(presence.StatusOffline, "")
	case "offer":
		err = sh.offerFile(c.args[0], c.rest)
	case "accept":
		err = sh.accept(ctx, c.args[0], c.rest)
	case "decline":
		err = sh.decline(c.args[0])
	default:
		err = errUsage
	}
	if err != nil {
		util.LogWarning("%v", err)
	}
	return false
}

func (sh *shell) printPeers() {
	data := pterm.TableData{{"Address", "Name", "User@Host", "Group", "Status"}}
	for _, p := range sh.eng.Peers() {
		status := p.Status.String()
		if p.StatusText != "" {
			status += " (" + p.StatusText + ")"
		}
		data = append(data, []string{p.Addr.String(), p.DisplayName, p.UserName + "@" + p.HostName, p.Group, status})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func (sh *shell) send(to, text string) error {
	if text == "" {
		return errUsage
	}
	var room []netip.Addr
	for _, s := range strings.Split(to, ",") {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return err
		}
		room = append(room, a)
	}
	h, err := sh.eng.SendMessage(room, text)
	if err != nil {
		return err
	}
	util.LogInfo("message %d queued for %d peer(s)", h.ID, len(h.Recipients))
	return nil
}

func (sh *shell) sendAll(text string) error {
	var addrs []string
	for _, p := range sh.eng.OnlinePeers() {
		addrs = append(addrs, p.Addr.String())
	}
	if len(addrs) == 0 {
		return errors.New("nobody is online")
	}
	return sh.send(strings.Join(addrs, ","), text)
}

func (sh *shell) setStatus(name, text string) error {
	status, ok := presence.ParseStatus(name)
	if !ok {
		return fmt.Errorf("unknown status %q", name)
	}
	return sh.eng.SetLocalStatus(status, text)
}

func (sh *shell) offerFile(to, path string) error {
	peer, err := netip.ParseAddr(to)
	if err != nil {
		return err
	}
	if path == "" {
		return errUsage
	}
	o, err := sh.eng.OfferFile(path, peer)
	if err != nil {
		return err
	}
	util.LogInfo("offered %s to %s", o.Name, peer)
	return nil
}

func (sh *shell) accept(ctx context.Context, num, dest string) error {
	in, err := sh.lookup(num)
	if err != nil {
		return err
	}
	if dest == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		dest = wd
		if !in.IsDir {
			dest = filepath.Join(wd, in.Name)
		}
	}

	go func() {
		if err := sh.eng.AcceptIncomingOffer(in, dest, false); err != nil {
			util.LogWarning("%s: %v", in.Name, err)
		}
	}()
	util.LogInfo("fetching %s into %s", in.Name, in.Target(dest))
	return nil
}

func (sh *shell) decline(num string) error {
	in, err := sh.lookup(num)
	if err != nil {
		return err
	}
	return sh.eng.DeclineIncomingOffer(in)
}

func (sh *shell) lookup(num string) (*transfer.Incoming, error) {
	n, err := strconv.Atoi(num)
	if err != nil {
		return nil, errUsage
	}
	return sh.offer(n)
}
