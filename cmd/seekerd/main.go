package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/seeker/config"
	"github.com/mohammad-safakhou/seeker/internal/server"
)

func main() {
	root := &cobra.Command{Use: "seekerd", Short: "Unified web search and answer streaming gateway"}
	root.AddCommand(serveCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return err
				}
				p, err := strconv.Atoi(port)
				if err != nil {
					return err
				}
				cfg.Server.Host = host
				cfg.Server.Port = p
			}

			srv, err := server.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case sig := <-quit:
				log.Printf("received %s, shutting down", sig)
				return srv.Shutdown(context.Background())
			}
		},
	}
	serve.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (defaults to environment only)")
	serve.Flags().StringVar(&addr, "addr", "", "listen address override (host:port)")
	return serve
}
