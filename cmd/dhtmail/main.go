// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/katzenpost/dhtmail/config"
	"github.com/katzenpost/dhtmail/identity"
	"github.com/katzenpost/dhtmail/service"
	"github.com/katzenpost/dhtmail/storage"
)

const passwordEnv = "DHTMAIL_PASSWORD"

// Config holds the command line configuration
type Config struct {
	ConfigFile   string
	PasswordFile string
}

func (c *Config) load() (*config.Config, []byte, error) {
	if c.ConfigFile == "" {
		return nil, nil, errors.New("config file must be specified")
	}
	cfg, err := config.LoadFile(c.ConfigFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config file '%v': %v", c.ConfigFile, err)
	}
	password, err := c.password()
	if err != nil {
		return nil, nil, err
	}
	return cfg, password, nil
}

func (c *Config) password() ([]byte, error) {
	if c.PasswordFile != "" {
		b, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read password file: %v", err)
		}
		return []byte(strings.TrimRight(string(b), "\r\n")), nil
	}
	return []byte(os.Getenv(passwordEnv)), nil
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "dhtmail",
		Short: "Serverless anonymous email over a Kademlia DHT",
		Long: `dhtmail runs a node of a serverless email network.  Mail is split into
fragments, each encrypted to the recipient's destination and stored in a
Kademlia DHT together with an index packet listing the fragments.  Stores can
be sent through a chain of relay peers so the storing peers do not learn the
sender's address.  Recipients periodically fetch their index, reassemble and
decrypt their mail, and delete what they received using per-fragment deletion
keys.

All local state (identities, address book, node key and mail folders) is
encrypted under a password.  The password is read from the file given with
--password-file, or from the ` + passwordEnv + ` environment variable.  An
empty password only obfuscates the files.`,
		Example: `  # Run a node
  dhtmail --config /etc/dhtmail/dhtmail.toml

  # Create an identity
  dhtmail -f dhtmail.toml identity new alice

  # List identities with their addresses
  dhtmail -f dhtmail.toml identity list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "f", "dhtmail.toml",
		"path to the node configuration file (TOML format)")
	cmd.PersistentFlags().StringVarP(&cfg.PasswordFile, "password-file", "p", "",
		"file holding the local storage password")

	cmd.AddCommand(newIdentityCommand(&cfg))
	return cmd
}

func newIdentityCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage local email identities",
	}

	var description string
	newCmd := &cobra.Command{
		Use:   "new NAME",
		Short: "Create an identity and print its address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openIdentities(cfg)
			if err != nil {
				return err
			}
			id, err := identity.New(args[0], description)
			if err != nil {
				return err
			}
			store.Add(id)
			if err := store.Save(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Address())
			return nil
		},
	}
	newCmd.Flags().StringVarP(&description, "description", "d", "", "identity description")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openIdentities(cfg)
			if err != nil {
				return err
			}
			for _, id := range store.Identities() {
				fmt.Fprintln(cmd.OutOrStdout(), id.Address())
			}
			return nil
		},
	}

	cmd.AddCommand(newCmd, listCmd)
	return cmd
}

func openIdentities(c *Config) (*identity.Store, error) {
	cfg, password, err := c.load()
	if err != nil {
		return nil, err
	}
	backend, err := cfg.InitLogBackend()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		return nil, err
	}
	cache := storage.NewPasswordCache(backend.GetLogger("storage"), cfg.Node.DataDir, cfg.Storage.KDFParams())
	if err := cache.Unlock(password); err != nil {
		return nil, err
	}
	store := identity.NewStore(backend.GetLogger("identity"), cache)
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func main() {
	rootCmd := newRootCommand()

	// Use fang to execute the command with enhanced features
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

// runNode starts the node and blocks until it is terminated.
func runNode(c Config) error {
	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, password, err := c.load()
	if err != nil {
		return err
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	node, err := service.New(cfg, password)
	if err != nil {
		return fmt.Errorf("failed to start node: %v", err)
	}
	defer node.Shutdown()

	// Halt the node gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		node.Shutdown()
	}()

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			node.RotateLog()
		}
	}()

	if len(cfg.Node.BootstrapPeers) > 0 {
		log := node.LogBackend().GetLogger("main")
		go func() {
			if err := node.Bootstrap(context.Background()); err != nil {
				log.Errorf("Bootstrap failed: %v", err)
			}
		}()
	}

	// Wait for the node to explode or be terminated.
	node.Wait()
	return nil
}
