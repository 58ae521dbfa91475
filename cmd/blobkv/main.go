// Command blobkv is the operational entry point for a blobkv store: it
// creates store files, runs the (placeholder) serving loop, and hosts the
// admin surface. Run with no subcommand for the porcelain mode, which opens
// the store in the current directory with defaults and prints a summary.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chipstorage/blobkv"
	"github.com/chipstorage/blobkv/internal/logging"
	"github.com/chipstorage/blobkv/internal/store"
)

var (
	directory string
	name      string
)

func storePath() string {
	return filepath.Join(directory, name+".store")
}

func main() {
	log := logging.New("blobkv")

	root := &cobra.Command{
		Use:   "blobkv",
		Short: "blobkv large-value store node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPorcelain(log)
		},
	}
	root.PersistentFlags().StringVar(&directory, "directory", ".", "directory holding the store file")
	root.PersistentFlags().StringVar(&name, "name", "blobkv", "store name (file basename)")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "create a new store file",
		RunE: func(cmd *cobra.Command, args []string) error {
			blockSize, _ := cmd.Flags().GetInt("block-size")
			s, err := store.Create(storePath(), blobkv.Options{BlockSize: blockSize}, log)
			if err != nil {
				return err
			}
			defer s.Close()
			opts := s.Options()
			log.Infof("created %s: block size %d, maxreflen %d", storePath(), opts.BlockSize, opts.MaxRefLen)
			return nil
		},
	}
	createCmd.Flags().Int("block-size", 0, "block size in bytes (default 4096)")

	var (
		port       int
		clientPort int
		portOffset int
		joins      []string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "open the store and serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(log, port+portOffset, clientPort, joins)
		},
	}
	serveCmd.Flags().IntVar(&port, "port", 28015, "port to listen on")
	serveCmd.Flags().IntVar(&clientPort, "client-port", 0, "port to serve metrics on (0 disables)")
	serveCmd.Flags().IntVar(&portOffset, "port-offset", 0, "offset added to --port")
	serveCmd.Flags().StringArrayVar(&joins, "join", nil, "host:port of a peer to join (repeatable)")

	root.AddCommand(createCmd, serveCmd, newAdminCmd(log))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "blobkv:", err)
		os.Exit(1)
	}
}

func runPorcelain(log *logging.Logger) error {
	path := storePath()
	s, err := store.Open(path, log)
	if errors.Is(err, os.ErrNotExist) {
		s, err = store.Create(path, blobkv.Options{}, log)
	}
	if err != nil {
		return err
	}
	defer s.Close()
	opts := s.Options()
	fmt.Printf("%s: block size %d, maxreflen %d, %d keys\n",
		path, opts.BlockSize, opts.MaxRefLen, len(s.Keys()))
	return nil
}

// runServe opens the store and runs a bare accept loop. There is no
// protocol framing here; the loop exists so --port/--join have a runtime
// home while the serving layer proper lives outside this module.
func runServe(log *logging.Logger, port, clientPort int, joins []string) error {
	s, err := store.Open(storePath(), log)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, j := range joins {
		log.Infof("would join peer %s (clustering not served by this binary)", j)
	}

	if clientPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.Registry(), promhttp.HandlerOpts{}))
		go func() {
			addr := fmt.Sprintf(":%d", clientPort)
			log.Infof("serving metrics on %s/metrics", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Errorf("metrics listener: %v", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	log.Infof("listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		log.Infof("connection from %s (no protocol configured, closing)", conn.RemoteAddr())
		conn.Close()
	}
}
