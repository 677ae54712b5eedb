package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lanikai/alohaomx"
	"github.com/lanikai/alohaomx/internal/logging"
	"github.com/lanikai/alohaomx/internal/omx"
	"github.com/lanikai/alohaomx/internal/omxrpc"
	"github.com/lanikai/alohaomx/internal/softomx"
)

var log = logging.DefaultLogger.WithTag("omxd")

var (
	flagPort       int
	flagPath       string
	flagComponents string
	flagHelp       bool
)

func init() {
	flag.IntVarP(&flagPort, "port", "p", 8000, "HTTP port on which to listen")
	flag.StringVarP(&flagPath, "path", "", "/omx", "Websocket endpoint")
	flag.StringVarP(&flagComponents, "components", "c", "", "Soft component specs (YAML)")
	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
}

// announce logs the components on offer and returns their names.
func announce(client omx.Client) ([]string, error) {
	infos, err := client.ListComponents()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range infos {
		log.Info("Hosting %s %v", info.Name, info.Roles)
		names = append(names, info.Name)
	}
	return names, nil
}

func main() {
	flag.Parse()
	if flagHelp {
		fmt.Println("Usage: omxd [OPTION]...")
		flag.PrintDefaults()
		os.Exit(0)
	}

	var specs []softomx.Spec
	if flagComponents != "" {
		var err error
		if specs, err = alohaomx.LoadSoftComponents(flagComponents); err != nil {
			log.Fatalf("%v", err)
		}
	}
	client := softomx.NewClient(specs...)

	router := http.NewServeMux()
	rpc := omxrpc.NewServer(client)
	router.Handle(flagPath, rpc)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", flagPort),
		Handler: router,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := announce(client); err != nil {
			log.Error("Failed to list components: %v", err)
		}
		color.New(color.FgCyan).Printf("Listening on ws://localhost:%d%s\n", flagPort, flagPath)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		err := server.Shutdown(context.Background())
		rpc.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "omxd: %v\n", err)
		os.Exit(1)
	}
}
