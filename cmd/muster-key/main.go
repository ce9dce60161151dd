// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Muster-key administers the minion key trust store: listing, accepting,
// rejecting, and deleting submitted keys, and printing fingerprints for
// out-of-band verification.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/muster-project/muster/cmd/muster-key/cli"
	"github.com/muster-project/muster/keystore"
	"github.com/muster-project/muster/lib/masterkeys"
	"github.com/muster-project/muster/lib/version"
)

func main() {
	root := &cli.Command{
		Name:    "muster-key",
		Summary: "manage minion keys on the master",
		Description: "Muster-key manages the minion public keys the master trusts.\n" +
			"New minions land in the pending state; accept moves them into the\n" +
			"trusted set, reject refuses them permanently.",
		Subcommands: []*cli.Command{
			listCommand(),
			acceptCommand(),
			rejectCommand(),
			deleteCommand(),
			fingerCommand(),
			printCommand(),
			versionCommand(),
		},
	}
	if err := root.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// pkiDirFlag adds the shared --pki-dir flag and returns its target.
func pkiDirFlag(flagSet *pflag.FlagSet) *string {
	return flagSet.String("pki-dir", "/etc/muster/pki", "master PKI directory holding the minion key store")
}

// listStates is the section order of list output. Pending first: it
// is the set awaiting a decision.
var listStates = []keystore.State{
	keystore.StatePending,
	keystore.StateAccepted,
	keystore.StateRejected,
	keystore.StateDenied,
}

func parseState(name string) (keystore.State, error) {
	for _, state := range listStates {
		if state.String() == name {
			return state, nil
		}
	}
	return keystore.StateUnknown, fmt.Errorf("unknown key state %q (want pending, accepted, rejected, or denied)", name)
}

func listCommand() *cli.Command {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	pkiDir := pkiDirFlag(flags)
	return &cli.Command{
		Name:    "list",
		Summary: "list known minion keys by state",
		Usage:   "muster-key list [pending|accepted|rejected|denied] [flags]",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			store, err := keystore.NewFS(*pkiDir)
			if err != nil {
				return err
			}
			states := listStates
			if len(args) > 0 {
				state, err := parseState(args[0])
				if err != nil {
					return err
				}
				states = []keystore.State{state}
			}
			for _, state := range states {
				ids, err := store.List(state)
				if err != nil {
					return err
				}
				name := state.String()
				fmt.Printf("%s Keys:\n", strings.ToUpper(name[:1])+name[1:])
				for _, id := range ids {
					fmt.Printf("  %s\n", id)
				}
			}
			return nil
		},
	}
}

func acceptCommand() *cli.Command {
	flags := pflag.NewFlagSet("accept", pflag.ContinueOnError)
	pkiDir := pkiDirFlag(flags)
	includeRejected := flags.Bool("include-rejected", false, "also accept a previously rejected key")
	return &cli.Command{
		Name:    "accept",
		Summary: "accept a pending minion key",
		Usage:   "muster-key accept <minion-id> [flags]",
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("accept takes exactly one minion id")
			}
			id := args[0]
			store, err := keystore.NewFS(*pkiDir)
			if err != nil {
				return err
			}
			key, err := store.Key(id, keystore.StatePending)
			if err != nil && *includeRejected {
				key, err = store.Key(id, keystore.StateRejected)
			}
			if err != nil {
				return fmt.Errorf("no pending key for %q: %w", id, err)
			}
			if err := store.Accept(id, key); err != nil {
				return err
			}
			fmt.Printf("accepted %s (%s)\n", id, masterkeys.Fingerprint(key))
			return nil
		},
		Flags: func() *pflag.FlagSet { return flags },
	}
}

func rejectCommand() *cli.Command {
	flags := pflag.NewFlagSet("reject", pflag.ContinueOnError)
	pkiDir := pkiDirFlag(flags)
	return &cli.Command{
		Name:    "reject",
		Summary: "reject a pending minion key",
		Usage:   "muster-key reject <minion-id> [flags]",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("reject takes exactly one minion id")
			}
			id := args[0]
			store, err := keystore.NewFS(*pkiDir)
			if err != nil {
				return err
			}
			key, err := store.Key(id, keystore.StatePending)
			if err != nil {
				return fmt.Errorf("no pending key for %q: %w", id, err)
			}
			if err := store.Reject(id, key); err != nil {
				return err
			}
			fmt.Printf("rejected %s\n", id)
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	flags := pflag.NewFlagSet("delete", pflag.ContinueOnError)
	pkiDir := pkiDirFlag(flags)
	return &cli.Command{
		Name:    "delete",
		Summary: "delete a minion's key from every state",
		Usage:   "muster-key delete <minion-id> [flags]",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("delete takes exactly one minion id")
			}
			store, err := keystore.NewFS(*pkiDir)
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func fingerCommand() *cli.Command {
	flags := pflag.NewFlagSet("finger", pflag.ContinueOnError)
	pkiDir := pkiDirFlag(flags)
	master := flags.Bool("master", false, "also print the master public key fingerprint")
	return &cli.Command{
		Name:    "finger",
		Summary: "print key fingerprints for verification",
		Usage:   "muster-key finger [minion-id] [flags]",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			store, err := keystore.NewFS(*pkiDir)
			if err != nil {
				return err
			}
			if *master {
				pub, err := os.ReadFile(filepath.Join(*pkiDir, "master.pub"))
				if err != nil {
					return fmt.Errorf("reading master public key: %w", err)
				}
				fmt.Printf("master: %s\n", masterkeys.Fingerprint(string(pub)))
			}
			if len(args) == 0 {
				return nil
			}
			id := args[0]
			found := false
			for _, state := range listStates {
				key, err := store.Key(id, state)
				if err != nil {
					continue
				}
				found = true
				fmt.Printf("%s (%s): %s\n", id, state, masterkeys.Fingerprint(key))
			}
			if !found {
				return fmt.Errorf("no key found for %q", id)
			}
			return nil
		},
	}
}

func printCommand() *cli.Command {
	flags := pflag.NewFlagSet("print", pflag.ContinueOnError)
	pkiDir := pkiDirFlag(flags)
	return &cli.Command{
		Name:    "print",
		Summary: "print a minion's stored public key",
		Usage:   "muster-key print <minion-id> [flags]",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("print takes exactly one minion id")
			}
			store, err := keystore.NewFS(*pkiDir)
			if err != nil {
				return err
			}
			for _, state := range listStates {
				key, err := store.Key(args[0], state)
				if err != nil {
					continue
				}
				fmt.Println(key)
				return nil
			}
			return fmt.Errorf("no key found for %q", args[0])
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "print version information",
		Run: func([]string) error {
			fmt.Printf("muster-key %s\n", version.Info())
			return nil
		},
	}
}
