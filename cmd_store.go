package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"credwrap/internal/answer"
	"credwrap/internal/datastore"
	"credwrap/internal/metrics"
	"credwrap/internal/vault"
)

// openStore opens the configured backing store and unlocks it. A new store
// asks for the passphrase twice.
func (a *app) openStore(ctx context.Context, m *metrics.Metrics) (*vault.EncryptedStore, func() error, error) {
	path := a.cfg.Store.Path
	if path == "" {
		return nil, nil, errors.New("no store configured: set store.path or --store")
	}

	var backing datastore.Store
	closer := func() error { return nil }
	if path == datastore.MemoryPath {
		backing = datastore.NewMemory()
	} else {
		db, err := datastore.OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		backing, closer = db, db.Close
	}

	exists, err := vault.Initialized(ctx, backing)
	if err != nil {
		closer()
		return nil, nil, err
	}
	var secret []byte
	if exists {
		secret, err = getPassphrase("Store passphrase: ")
	} else {
		a.logger.Info(ctx, "creating store", zap.String("path", path))
		secret, err = getPassphraseWithConfirm("New store passphrase: ", "Confirm passphrase: ")
	}
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	defer zeroBytes(secret)

	store, err := vault.Open(ctx, backing, secret, a.cfg.Store.KDFParams(), vault.WithMetrics(m))
	if err != nil {
		closer()
		return nil, nil, err
	}
	return store, closer, nil
}

func newStoreCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Read and write the encrypted store directly",
		Long: `Read and write the encrypted store directly. Values are filed under a
login, the answer a script got for _login.

Examples:
  credwrap store put alice password
  credwrap store get alice password
  credwrap store delete alice`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <login> <key>",
			Short: "Print a stored value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(cmd, func(ctx context.Context, s *vault.EncryptedStore) error {
					value, err := s.Get(ctx, answer.LoginID(args[0]), []byte(args[1]))
					if errors.Is(err, vault.ErrNotFound) {
						return fmt.Errorf("%s not found for login %q", args[1], args[0])
					}
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(value))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "put <login> <key> [value]",
			Short: "Store a value, asking for it when not given",
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(cmd, func(ctx context.Context, s *vault.EncryptedStore) error {
					var value string
					if len(args) == 3 {
						value = args[2]
					} else {
						v, err := askTerminal(ctx, args[1])
						if err != nil {
							return err
						}
						value = v
					}
					return s.Put(ctx, answer.LoginID(args[0]), []byte(args[1]), []byte(value))
				})
			},
		},
		&cobra.Command{
			Use:   "delete <login> [key]",
			Short: "Delete one value, or every value for a login",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(cmd, func(ctx context.Context, s *vault.EncryptedStore) error {
					var key []byte
					if len(args) == 2 {
						key = []byte(args[1])
					}
					return s.Delete(ctx, answer.LoginID(args[0]), key)
				})
			},
		},
	)
	return cmd
}

func (a *app) withStore(cmd *cobra.Command, fn func(context.Context, *vault.EncryptedStore) error) error {
	ctx := cmd.Context()
	store, closer, err := a.openStore(ctx, nil)
	if err != nil {
		return err
	}
	defer closer()
	return fn(ctx, store)
}
