package main

import (
	"fmt"

	"github.com/fluxworkflow/flux/internal/config"
	"github.com/fluxworkflow/flux/internal/secrets"
	"github.com/fluxworkflow/flux/internal/storage"
)

// runSecrets is a direct, offline passthrough to the secrets collaborator (spec.md
// §6: "opaque pass-through"), not an HTTP call against the running server. Secrets
// live in each node's local store (see internal/worker.Store's doc comment for why
// a worker's storage is never shared with the server), so an operator runs this
// subcommand on the node whose secrets it is managing.
func runSecrets(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: secrets {set,get,list,remove,rotate} ...")
	}

	cfg := config.WorkerFromEnv()
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open local storage: %w", err)
	}
	defer store.Close()
	st := secrets.New(store)

	switch args[0] {
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: secrets set <name> <value>")
		}
		return st.Put(args[1], args[2])
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: secrets get <name>")
		}
		v, found, err := st.Get(args[1])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("secret %q not found", args[1])
		}
		fmt.Println(v)
		return nil
	case "list":
		names, err := st.List()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: secrets remove <name>")
		}
		return st.Remove(args[1])
	case "rotate":
		if len(args) != 3 {
			return fmt.Errorf("usage: secrets rotate <name> <new-value>")
		}
		return st.Rotate(args[1], args[2])
	default:
		return fmt.Errorf("unknown secrets subcommand %q", args[0])
	}
}
