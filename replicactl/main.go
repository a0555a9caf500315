package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/tablenet/replica/replica"
)

const ReplicaCtlVersion = "0.0.1"

func main() {
	usage := `Replica control.

Serve hosts a demo replication hub over websocket. Watch connects to a hub
and prints every mirrored node and change. Mint-token creates a client jwt
for the hub.

Usage:
    replicactl serve [--port=<port>] [--secret=<secret>] [--namespace=<namespace>]
    replicactl watch --url=<url> --jwt=<jwt> [--namespace=<namespace>]
    replicactl mint-token [--client_id=<client_id>] [--secret=<secret>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --url=<url>              Hub websocket url, e.g. ws://localhost:8080/replica.
    --jwt=<jwt>              Client jwt with a client_id claim.
    --client_id=<client_id>  Client id to mint for. A new id when omitted.
    --secret=<secret>        HS256 signing secret. Prompted when omitted for
                             mint-token; unsigned tokens are accepted by serve
                             when omitted.
    --namespace=<namespace>  Message namespace [default: replica].
    -p --port=<port>         Listen port [default: 8080].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReplicaCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
	if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	namespace, _ := opts.String("--namespace")

	var secret []byte
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = []byte(secretAny.(string))
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelOnSignals(cancel, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	transport := replica.NewWsTransportWithDefaults(cancelCtx, secret)
	defer transport.Close()

	registry := replica.NewRegistry()
	serverSettings := replica.DefaultServerSettings()
	serverSettings.Namespace = namespace
	server := replica.NewServer(registry, transport, serverSettings)
	defer server.Close()

	hub, err := replica.NewServerReplicator(server, &replica.ServerReplicatorConfig{
		Token: "Hub",
		Data: map[string]any{
			"Motd":     fmt.Sprintf("replicactl %s", ReplicaCtlVersion),
			"Sessions": 0,
			"Uptime":   0,
		},
		ReplicationTargets: replica.ReplicateAll(),
	})
	if err != nil {
		panic(err)
	}

	transport.AddTargetCallback(func(target replica.Target, connected bool) {
		if connected {
			hub.Store().Increment("Sessions", 1)
			fmt.Printf("connected: %s\n", target)
		} else {
			hub.Store().Increment("Sessions", -1)
			fmt.Printf("disconnected: %s\n", target)
		}
	})
	hub.ConnectSignal("say", func(source replica.Target, args []any) {
		fmt.Printf("say from %s: %v\n", source, args)
		hub.FireSignalAll("said", args...)
	})
	hub.ConnectFunction("ping", func(source replica.Target, args []any) (any, error) {
		return "pong", nil
	})

	go func() {
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-time.After(1 * time.Second):
				hub.Store().Increment("Uptime", 1)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/replica", transport)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		defer cancel()
		if err := httpServer.ListenAndServe(); err != nil {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	fmt.Printf("replicactl %s serving on *:%d\n", ReplicaCtlVersion, port)
	<-cancelCtx.Done()
	httpServer.Shutdown(context.Background())
	os.Exit(0)
}

func watch(opts docopt.Opts) {
	url, _ := opts.String("--url")
	byJwt, _ := opts.String("--jwt")
	namespace, _ := opts.String("--namespace")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelOnSignals(cancel, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	transport, err := replica.DialWsWithDefaults(cancelCtx, url, byJwt)
	if err != nil {
		panic(err)
	}
	defer transport.Close()

	registry := replica.NewRegistry()
	clientSettings := replica.DefaultClientSettings()
	clientSettings.Namespace = namespace
	client := replica.NewClient(registry, transport, clientSettings)
	defer client.Close()

	registry.ForEach(replica.MatchPredicate(func(node *replica.Node) bool {
		return true
	}), func(node *replica.Node) {
		fmt.Printf("node %s %s tags=%v data=%v\n", node.Id(), node.Token().Name(), node.Tags(), node.Store().Snapshot())
		nodeId := node.Id()
		node.Store().ListenToAnyChange("", func(change *replica.ChangeMetadata) {
			fmt.Printf("node %s %s %s %s = %v\n", nodeId, change.Event, change.Direction, change.SourcePath, change.NewValue)
		})
	})

	client.Ready()
	fmt.Printf("watching %s\n", url)

	select {
	case <-cancelCtx.Done():
	case <-transport.Done():
		fmt.Printf("disconnected\n")
	}
	os.Exit(0)
}

func mintToken(opts docopt.Opts) {
	clientId := replica.NewId()
	if clientIdAny := opts["--client_id"]; clientIdAny != nil {
		var err error
		clientId, err = replica.ParseId(clientIdAny.(string))
		if err != nil {
			panic(err)
		}
	}

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		fmt.Print("Enter secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		secret = string(secretBytes)
		fmt.Printf("\n")
	}

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Printf("client_id: %s\n", clientId)
	fmt.Printf("jwt: %s\n", signed)
}

func cancelOnSignals(cancel context.CancelFunc, signals ...os.Signal) {
	notify := make(chan os.Signal, 1)
	signal.Notify(notify, signals...)
	go func() {
		<-notify
		cancel()
	}()
}
