// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/sftpgate/internal/app"
	"github.com/toeirei/sftpgate/internal/config"
	"github.com/toeirei/sftpgate/internal/db"
	"github.com/toeirei/sftpgate/internal/password"
	"github.com/toeirei/sftpgate/internal/sshkey"
	"golang.org/x/crypto/ssh"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "user",
		Aliases: []string{"users"},
		Short:   "Manage SFTP accounts",
	}
	cmd.AddCommand(
		newUserAddCmd(),
		newUserListCmd(),
		newUserDeleteCmd(),
		newUserToggleCmd("enable", "Enable login for an account", true),
		newUserToggleCmd("disable", "Disable login for an account", false),
		newUserPasswdCmd(),
	)
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var (
		home       string
		keys       []string
		hashAlg    string
		noPassword bool
	)
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an account",
		Long: `Creates an account with a home directory. The password is read from the
terminal (twice) or from stdin when piped. With --no-password the account
can only log in with the keys given via --key.`,
		Example: `  sftpgate user add alice --home /srv/sftp/alice
  echo 's3cret' | sftpgate user add bob --home /srv/sftp/bob --hash argon2id
  sftpgate user add carol --home /srv/sftp/carol --no-password --key "$(cat id_rsa.pub)"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := config.SeedUser{Username: args[0], Home: home, PublicKeys: keys}
			if !noPassword {
				secret, err := readNewPassword(cmd)
				if err != nil {
					return err
				}
				if secret == "" {
					return errors.New("empty password; use --no-password for key-only accounts")
				}
				hash, err := password.HashWith(hashAlg, secret)
				if err != nil {
					return err
				}
				seed.Password = hash
			}
			acc, err := app.BuildAccount(seed)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				if err := store.CreateAccount(ctx, acc); err != nil {
					if errors.Is(err, db.ErrDuplicate) {
						return fmt.Errorf("account %s already exists", acc.Username)
					}
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created account %s (id %d, home %s)\n", acc.Username, acc.ID, acc.HomeDir)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "home directory served to the account (required)")
	cmd.Flags().StringArrayVar(&keys, "key", nil, "authorized ssh-rsa public key, may be repeated")
	cmd.Flags().StringVar(&hashAlg, "hash", password.Bcrypt, `password hash algorithm ("bcrypt", "argon2id")`)
	cmd.Flags().BoolVar(&noPassword, "no-password", false, "create a key-only account")
	_ = cmd.MarkFlagRequired("home")
	return cmd
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List accounts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				accounts, err := store.ListAccounts(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(accounts) == 0 {
					_, _ = fmt.Fprintln(out, "No accounts found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tUSERNAME\tHOME\tKEYS\tSTATUS\tLAST LOGIN")
				for _, acc := range accounts {
					status := "enabled"
					if !acc.Enabled {
						status = "disabled"
					}
					last := "never"
					if acc.LastLoginAt != nil {
						last = acc.LastLoginAt.Local().Format(time.DateTime)
						if acc.LastLoginAddress != "" {
							last += " from " + acc.LastLoginAddress
						}
					}
					_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
						acc.ID, acc.Username, acc.HomeDir, len(acc.PublicKeys), status, last)
				}
				return w.Flush()
			})
		},
	}
}

func newUserDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "delete <username>",
		Aliases: []string{"rm"},
		Short:   "Delete an account and its keys",
		Long:    `Deletes the account and all of its public keys. The home directory is left on disk.`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			if !yes {
				answer := promptForConfirmation(cmd, fmt.Sprintf("Delete account %s? [y/N]: ", username))
				if answer != "y" && answer != "yes" {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				if err := store.DeleteAccount(ctx, username); err != nil {
					return accountErr(username, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted account %s\n", username)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newUserToggleCmd(verb, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <username>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				if err := store.SetAccountEnabled(ctx, args[0], enabled); err != nil {
					return accountErr(args[0], err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Account %s %sd\n", args[0], verb)
				return nil
			})
		},
	}
}

func newUserPasswdCmd() *cobra.Command {
	var hashAlg string
	cmd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Set the password of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readNewPassword(cmd)
			if err != nil {
				return err
			}
			if secret == "" {
				return errors.New("empty password")
			}
			hash, err := password.HashWith(hashAlg, secret)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				if err := store.SetPasswordHash(ctx, args[0], hash); err != nil {
					return accountErr(args[0], err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Password updated for %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&hashAlg, "hash", password.Bcrypt, `password hash algorithm ("bcrypt", "argon2id")`)
	return cmd
}

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"keys"},
		Short:   "Manage the public keys of an account",
	}
	cmd.AddCommand(
		newKeyAddCmd(),
		newKeyListCmd(),
		newKeyToggleCmd("enable", "Enable a public key", true),
		newKeyToggleCmd("disable", "Disable a public key", false),
		newKeyDeleteCmd(),
	)
	return cmd
}

func newKeyAddCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:     "add <username> <public-key>",
		Short:   "Authorize an ssh-rsa public key for an account",
		Example: `  sftpgate key add alice "$(cat ~/.ssh/id_rsa.pub)"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, keyComment, err := sshkey.Canonical(args[1])
			if err != nil {
				return err
			}
			if comment == "" {
				comment = keyComment
			}
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				k, err := store.AddPublicKey(ctx, args[0], key, comment)
				if errors.Is(err, db.ErrDuplicate) {
					return fmt.Errorf("key already authorized for %s", args[0])
				}
				if err != nil {
					return accountErr(args[0], err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added key %d to %s\n", k.ID, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored with the key (defaults to the key's own comment)")
	return cmd
}

func newKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list <username>",
		Aliases: []string{"ls"},
		Short:   "List the public keys of an account",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				keys, err := store.ListPublicKeys(ctx, args[0])
				if err != nil {
					return accountErr(args[0], err)
				}
				out := cmd.OutOrStdout()
				if len(keys) == 0 {
					_, _ = fmt.Fprintf(out, "No keys for %s.\n", args[0])
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tFINGERPRINT\tCOMMENT\tSTATUS")
				for _, k := range keys {
					status := "enabled"
					if !k.Enabled {
						status = "disabled"
					}
					_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", k.ID, fingerprint(k.Key), k.Comment, status)
				}
				return w.Flush()
			})
		},
	}
}

func newKeyToggleCmd(verb, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <key-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				if err := store.SetPublicKeyEnabled(ctx, id, enabled); err != nil {
					return keyErr(id, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Key %d %sd\n", id, verb)
				return nil
			})
		},
	}
}

func newKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a public key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store *db.BunStore) error {
				if err := store.DeletePublicKey(ctx, id); err != nil {
					return keyErr(id, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted key %d\n", id)
				return nil
			})
		},
	}
}

func parseKeyID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid key id %q", s)
	}
	return id, nil
}

// fingerprint renders the SHA256 fingerprint of a stored key, falling back
// to the raw envelope for keys that no longer parse.
func fingerprint(key string) string {
	k, err := sshkey.DecodeRSA(key)
	if err != nil {
		return key
	}
	pub, err := k.SSHPublicKey()
	if err != nil {
		return key
	}
	return ssh.FingerprintSHA256(pub)
}

func accountErr(username string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("account %s not found", username)
	}
	return err
}

func keyErr(id int64, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("key %d not found", id)
	}
	return err
}
