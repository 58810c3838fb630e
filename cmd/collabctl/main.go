package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/grandcat/zeroconf"
	"github.com/sanity-io/litter"
	"golang.org/x/term"

	"github.com/coedit/collab"
	"github.com/coedit/collab/protocol"
)

const CollabctlVersion = "0.1.0"

const ZeroconfService = "_collab._tcp"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", 0)
}

func main() {
	usage := fmt.Sprintf(
		`Collab control.

Usage:
    collabctl join --url=<url> --document=<document>
        [--token=<token>]
        [--name=<name>]
        [--edit=<text>...]
        [--verbose=<level>]
    collabctl state --url=<url> --document=<document>
        [--token=<token>]
        [--wait=<seconds>]
        [--verbose=<level>]
    collabctl discover [--wait=<seconds>] [--verbose=<level>]
    collabctl token --user=<name> [--secret=<secret>] [--ttl=<hours>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --url=<url>              Server url, e.g. ws://localhost:8300.
    --document=<document>    Document id.
    --token=<token>          Signed identity token. Without a token a
                             random identity is generated locally.
    --name=<name>            Display name for a generated identity [default: guest].
    --edit=<text>            Append text to the document after the first
                             sync. May be repeated.
    --wait=<seconds>         Seconds to wait [default: 5].
    --user=<name>            User name claim for the minted token.
    --secret=<secret>        Signing secret. Prompts when omitted.
    --ttl=<hours>            Token lifetime in hours [default: 24].
    --verbose=<level>        Verbosity level [default: 0].

Version: %s`,
		CollabctlVersion,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabctlVersion)
	if err != nil {
		panic(err)
	}

	if verbose, parseErr := opts.Int("--verbose"); parseErr == nil {
		initGlog(verbose)
	}

	if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if state_, _ := opts.Bool("state"); state_ {
		state(opts)
	} else if discover_, _ := opts.Bool("discover"); discover_ {
		discover(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

// glog writes through the standard flag package. docopt owns the
// command line here, so parse an empty set and set the values directly.
func initGlog(verbosity int) {
	flag.CommandLine.Parse([]string{})
	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(verbosity))
}

func join(opts docopt.Opts) {
	documentId, _ := opts.String("--document")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(cancelCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := collab.NewSessionWithDefaults(ctx, sessionUrl(opts), documentId, clientIdentity(opts))
	defer session.Close()

	unsub := printEvents(session)
	defer unsub()

	synced := waitForSync(session)
	if err := session.Connect(); err != nil {
		panic(err)
	}

	select {
	case <-synced:
	case <-ctx.Done():
		return
	}

	var edits []string
	if editsAny := opts["--edit"]; editsAny != nil {
		edits = editsAny.([]string)
	}
	for _, text := range edits {
		if err := session.Insert(len(session.Content()), text); err != nil {
			Err.Printf("edit = %s", err)
		}
	}

	select {
	case <-ctx.Done():
	}
}

func state(opts docopt.Opts) {
	documentId, _ := opts.String("--document")
	waitSeconds, _ := opts.Int("--wait")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(cancelCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := collab.NewSessionWithDefaults(ctx, sessionUrl(opts), documentId, clientIdentity(opts))
	defer session.Close()

	synced := waitForSync(session)
	if err := session.Connect(); err != nil {
		panic(err)
	}

	select {
	case <-synced:
	case <-time.After(time.Duration(waitSeconds) * time.Second):
		Err.Printf("no sync after %ds, dumping local state", waitSeconds)
	case <-ctx.Done():
		return
	}

	Out.Printf("%s", litter.Sdump(session.CollaborationState()))
}

func discover(opts docopt.Opts) {
	waitSeconds, _ := opts.Int("--wait")

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		panic(err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			addrs := []string{}
			for _, ip := range entry.AddrIPv4 {
				addrs = append(addrs, ip.String())
			}
			Out.Printf(
				"%s port=%d addrs=%s %s",
				entry.Instance,
				entry.Port,
				strings.Join(addrs, ","),
				strings.Join(entry.Text, " "),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(waitSeconds)*time.Second)
	defer cancel()
	if err := resolver.Browse(ctx, ZeroconfService, "local.", entries); err != nil {
		panic(err)
	}
	<-ctx.Done()
	<-done
}

func token(opts docopt.Opts) {
	userName, _ := opts.String("--user")
	ttlHours, _ := opts.Int("--ttl")

	var secret []byte
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = []byte(secretAny.(string))
	} else {
		fmt.Print("Enter signing secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			panic(err)
		}
		secret = secretBytes
	}

	user := &protocol.User{
		Id:   protocol.NewId(),
		Name: userName,
	}
	signed, err := collab.NewIdentityToken(user, secret, time.Duration(ttlHours)*time.Hour)
	if err != nil {
		panic(err)
	}
	Out.Printf("%s", signed)
}

// sessionUrl composes the websocket endpoint for one document,
// carrying the identity token in the query when one was given.
func sessionUrl(opts docopt.Opts) string {
	baseUrl, _ := opts.String("--url")
	documentId, _ := opts.String("--document")
	endpoint := fmt.Sprintf("%s/ws/%s", strings.TrimSuffix(baseUrl, "/"), documentId)
	if tokenAny := opts["--token"]; tokenAny != nil {
		endpoint = fmt.Sprintf("%s?token=%s", endpoint, url.QueryEscape(tokenAny.(string)))
	}
	return endpoint
}

func clientIdentity(opts docopt.Opts) collab.Identity {
	if tokenAny := opts["--token"]; tokenAny != nil {
		identity, err := collab.NewTokenIdentity(tokenAny.(string))
		if err != nil {
			panic(err)
		}
		return identity
	}
	name, _ := opts.String("--name")
	return collab.NewStaticIdentity(&protocol.User{
		Id:   protocol.NewId(),
		Name: name,
	})
}

// waitForSync closes the returned channel on the first document
// update, which for a fresh connect is the server sync.
func waitForSync(session *collab.Session) <-chan struct{} {
	synced := make(chan struct{})
	once := &sync.Once{}
	session.Subscribe(collab.EventDocumentUpdated, func(event collab.Event, payload any) {
		once.Do(func() {
			close(synced)
		})
	})
	return synced
}

func printEvents(session *collab.Session) func() {
	unsubs := []func(){}
	for _, event := range []collab.Event{
		collab.EventDocumentUpdated,
		collab.EventUserJoined,
		collab.EventUserLeft,
		collab.EventPresenceChanged,
		collab.EventCursorUpdated,
		collab.EventSelectionUpdated,
		collab.EventCommentsChanged,
		collab.EventMention,
		collab.EventConflictDetected,
		collab.EventConflictResolved,
		collab.EventConnectionChanged,
		collab.EventLatencyUpdated,
	} {
		unsubs = append(unsubs, session.Subscribe(event, printEvent))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func printEvent(event collab.Event, payload any) {
	switch v := payload.(type) {
	case *collab.DocumentState:
		Out.Printf("[%s] v%d %q", event, v.Version, v.Content)
	case *protocol.Operation:
		Out.Printf("[%s] %s %q@%d v%d by %s", event, v.Type, v.Content, v.Position, v.Version, v.UserId)
	case *protocol.User:
		Out.Printf("[%s] %s (%s)", event, v.Name, v.Status)
	case *collab.ConnectionChange:
		if v.Reason != nil {
			Out.Printf("[%s] %s = %s", event, v.State, v.Reason)
		} else {
			Out.Printf("[%s] %s", event, v.State)
		}
	case *protocol.CursorUpdate:
		Out.Printf("[%s] %s@%d", event, v.UserId, v.Position)
	case *protocol.SelectionUpdate:
		Out.Printf("[%s] %s %d:%d", event, v.UserId, v.Start, v.End)
	case *protocol.Mention:
		Out.Printf("[%s] from %s %q", event, v.FromUserId, v.Excerpt)
	case time.Duration:
		Out.Printf("[%s] %s", event, v)
	default:
		Out.Printf("[%s] %s", event, litter.Sdump(payload))
	}
}
