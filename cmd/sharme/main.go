// sharme CLI - sovereign, portable memory for LLM-assisted development.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sharme/sharme/internal/api"
	"github.com/sharme/sharme/internal/archive"
	"github.com/sharme/sharme/internal/config"
	"github.com/sharme/sharme/internal/convo"
	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/identity"
	"github.com/sharme/sharme/internal/logging"
	"github.com/sharme/sharme/internal/scheduler"
	"github.com/sharme/sharme/internal/share"
	"github.com/sharme/sharme/internal/sharmeerr"
	"github.com/sharme/sharme/internal/storage"
	"github.com/sharme/sharme/internal/sync"
	"github.com/sharme/sharme/internal/upload"
)

var (
	homeDir string
	verbose bool

	version = "0.1.0"
)

// Tick cadences for the background service.
const (
	pushInterval  = 60 * time.Second
	watchInterval = 30 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sharme",
		Short: "sharme - sovereign memory for LLM-assisted development",
		Long: `sharme keeps a local store of facts and conversations and mirrors
it, encrypted and signed, to a permanent public archive. Any device
holding your 12-word recovery phrase can reconstruct everything.

Your recovery phrase is the only secret. Never share it.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logging.SetLevel(logging.DEBUG)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "sharme home directory (default $SHARME_HOME or ~/.sharme)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(factCmd())
	rootCmd.AddCommand(pushCmd())
	rootCmd.AddCommand(pullCmd())
	rootCmd.AddCommand(shareCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration, honoring the --home flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if homeDir != "" {
		cfg.HomeDir = homeDir
	}
	return cfg, nil
}

// openStore opens and migrates the local database.
func openStore(cfg *config.Config) (*storage.DB, error) {
	db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// readPhrase reads the recovery phrase from SHARME_PHRASE or prompts
// for it with hidden input.
func readPhrase() (string, error) {
	if phrase := os.Getenv("SHARME_PHRASE"); phrase != "" {
		return phrase, nil
	}

	fmt.Fprint(os.Stderr, "Recovery phrase: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read phrase: %w", err)
	}
	return string(raw), nil
}

// openIdentity unlocks the vault with the recovery phrase.
func openIdentity(cfg *config.Config) (*identity.Keypair, []byte, error) {
	vault := identity.NewVault(cfg.HomeDir)
	if !vault.Exists() {
		return nil, nil, sharmeerr.New(sharmeerr.NotInitialized, "run 'sharme init' first")
	}

	phrase, err := readPhrase()
	if err != nil {
		return nil, nil, err
	}
	keypair, err := vault.Open(phrase)
	if err != nil {
		return nil, nil, err
	}
	aesKey, err := vault.DeriveAESKey(phrase)
	if err != nil {
		return nil, nil, err
	}
	return keypair, aesKey, nil
}

// buildEngine wires the sync engine from configuration.
func buildEngine(cfg *config.Config, db *storage.DB, keypair *identity.Keypair, aesKey []byte) *sync.Engine {
	client := archive.NewClient(cfg.Gateways.GraphQL, cfg.Gateways.Data)
	backend := upload.NewBundler(keypair.PrivateKey, keypair.Address, cfg.Testnet)
	engine := sync.NewEngine(
		storage.NewFactStore(db), storage.NewMetaStore(db),
		client, backend, keypair, aesKey,
	)
	engine.SetShardCache(filepath.Join(cfg.HomeDir, "shards"))
	return engine
}

func initCmd() *cobra.Command {
	var existing bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize sharme with a new or existing identity",
		Long: `Creates your sharme identity.

Without flags, generates a fresh 12-word recovery phrase. With
--existing, restores a wallet from a phrase you already hold and
reconstructs its facts from the archive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			vault := identity.NewVault(cfg.HomeDir)
			if vault.Exists() {
				return fmt.Errorf("sharme is already initialized at %s", cfg.HomeDir)
			}
			_, homeStatErr := os.Stat(cfg.HomeDir)
			homePreexisted := homeStatErr == nil

			var phrase string
			if existing {
				phrase, err = readPhrase()
				if err != nil {
					return err
				}
				if err := identity.ValidatePhrase(phrase); err != nil {
					return err
				}
			} else {
				phrase, err = identity.NewPhrase()
				if err != nil {
					return err
				}
			}

			// A failed init removes the salt and encrypted identity, and
			// the whole home directory when init made it. In a home
			// directory that already existed, the database and shards/
			// are left in place.
			fail := func(err error) error {
				vault.Teardown()
				if !homePreexisted {
					os.RemoveAll(cfg.HomeDir)
				}
				return err
			}

			keypair, err := vault.Create(phrase)
			if err != nil {
				return fail(err)
			}

			db, err := openStore(cfg)
			if err != nil {
				return fail(err)
			}
			defer db.Close()

			// Local staging area for shard payloads.
			os.MkdirAll(filepath.Join(cfg.HomeDir, "shards"), 0700)

			meta := storage.NewMetaStore(db)
			meta.Set(core.MetaWalletAddress, keypair.Address)
			meta.Set(core.MetaCreated, time.Now().UTC().Format(time.RFC3339))

			aesKey, err := vault.DeriveAESKey(phrase)
			if err != nil {
				return fail(err)
			}
			engine := buildEngine(cfg, db, keypair, aesKey)
			ctx := cmd.Context()

			if existing {
				result, err := engine.Pull(ctx)
				if err != nil {
					return fail(fmt.Errorf("reconstruct from archive: %w", err))
				}
				fmt.Printf("Restored wallet %s\n", keypair.Address)
				fmt.Printf("Reconstructed %d facts at version %d\n", result.Facts, result.Version)
				return nil
			}

			salt, err := vault.Salt()
			if err != nil {
				return fail(err)
			}
			if _, err := engine.PushIdentity(ctx, salt); err != nil {
				logging.Warn("identity record upload failed (will still work locally): %v", err)
			}

			fmt.Printf("Created wallet %s\n\n", keypair.Address)
			fmt.Println("Your recovery phrase. Write it down; it is the ONLY way to")
			fmt.Println("recover your data on another device:")
			fmt.Println()
			for i, word := range strings.Fields(phrase) {
				fmt.Printf("  %2d. %s\n", i+1, word)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&existing, "existing", false, "restore from an existing recovery phrase")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			facts := storage.NewFactStore(db)
			meta := storage.NewMetaStore(db)

			address, _ := meta.Get(core.MetaWalletAddress)
			current, _ := meta.GetVersion(core.MetaCurrentVersion)
			pushed, _ := meta.GetVersion(core.MetaLastPushedVersion)
			total, _ := facts.Count()
			dirty, _ := facts.CountDirty()

			fmt.Printf("Wallet:              %s\n", address)
			fmt.Printf("Current version:     %d\n", current)
			fmt.Printf("Last pushed version: %d\n", pushed)
			fmt.Printf("Facts:               %d (%d awaiting push)\n", total, dirty)
			if cfg.Testnet {
				fmt.Println("Network:             testnet")
			}
			return nil
		},
	}
}

func factCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fact",
		Short: "Manage facts",
	}
	cmd.AddCommand(factSetCmd(), factGetCmd(), factListCmd(), factDeleteCmd())
	return cmd
}

func factSetCmd() *cobra.Command {
	var scope, session string
	var tags []string
	var confidence float64

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Insert or replace a fact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			fact := &core.Fact{
				ID:            uuid.NewString(),
				Scope:         core.Scope(scope),
				Key:           args[0],
				Value:         args[1],
				Tags:          tags,
				Confidence:    confidence,
				SourceSession: session,
			}
			if err := storage.NewFactStore(db).Upsert(fact); err != nil {
				return err
			}
			fmt.Printf("Set %s\n", fact.Key)
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", string(core.Global), "fact scope (global or project:<name>)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "comma-separated tags")
	cmd.Flags().Float64Var(&confidence, "confidence", 1.0, "confidence in [0,1]")
	cmd.Flags().StringVar(&session, "session", "", "source session id")
	return cmd
}

func factGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show one fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			facts := storage.NewFactStore(db)
			fact, err := facts.Get(args[0])
			if err != nil {
				return err
			}
			if fact == nil {
				return fmt.Errorf("no fact with key %q", args[0])
			}
			facts.IncrementAccessCount(fact.Key)

			out, _ := json.MarshalIndent(fact, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func factListCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			store := storage.NewFactStore(db)
			var facts []*core.Fact
			if scope != "" {
				facts, err = store.GetByScope(core.Scope(scope))
			} else {
				facts, err = store.GetAll()
			}
			if err != nil {
				return err
			}

			if len(facts) == 0 {
				fmt.Println("No facts.")
				return nil
			}
			for _, fact := range facts {
				marker := " "
				if fact.Dirty {
					marker = "*"
				}
				fmt.Printf("%s %-40s %s\n", marker, fact.Key, fact.Value)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "filter by scope (includes globals)")
	return cmd
}

func factDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.NewFactStore(db).Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push dirty facts to the archive now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			keypair, aesKey, err := openIdentity(cfg)
			if err != nil {
				return err
			}

			result, err := buildEngine(cfg, db, keypair, aesKey).Push(cmd.Context())
			if err != nil {
				return err
			}
			if result.Shards == 0 {
				fmt.Println("Nothing to push.")
				return nil
			}
			fmt.Printf("Pushed %d shards (%d ops), now at version %d\n",
				result.Shards, result.Ops, result.LastVersion)
			return nil
		},
	}
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Reconstruct facts from the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			keypair, aesKey, err := openIdentity(cfg)
			if err != nil {
				return err
			}

			result, err := buildEngine(cfg, db, keypair, aesKey).Pull(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d shards (%d skipped), %d facts at version %d\n",
				result.Applied, result.Skipped, result.Facts, result.Version)
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the background sync service until interrupted",
		Long: `Runs the periodic fact push (every 60s) and conversation watch
(every 30s), plus a local status server, until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			keypair, aesKey, err := openIdentity(cfg)
			if err != nil {
				return err
			}

			facts := storage.NewFactStore(db)
			meta := storage.NewMetaStore(db)
			client := archive.NewClient(cfg.Gateways.GraphQL, cfg.Gateways.Data)
			backend := upload.NewBundler(keypair.PrivateKey, keypair.Address, cfg.Testnet)
			engine := sync.NewEngine(facts, meta, client, backend, keypair, aesKey)
			engine.SetShardCache(filepath.Join(cfg.HomeDir, "shards"))
			syncer := convo.NewSyncer(meta, client, backend, keypair, aesKey)
			watcher := convo.NewDirWatcher(filepath.Join(cfg.HomeDir, "conversations"))

			sched := scheduler.New()
			server := api.New(api.Config{
				Host:      cfg.Server.Host,
				Port:      cfg.Server.Port,
				Facts:     facts,
				Meta:      meta,
				Scheduler: sched,
			})

			sched.Register(&scheduler.Task{
				ID:       "fact-push",
				Name:     "fact push",
				Interval: pushInterval,
				Handler: func(ctx context.Context) error {
					result, err := engine.Push(ctx)
					if err != nil {
						server.Notify(api.Event{Type: "push", Error: err.Error()})
						return err
					}
					if result.Shards > 0 {
						server.Notify(api.Event{Type: "push", Shards: result.Shards, Ops: result.Ops})
					}
					return nil
				},
			})
			sched.Register(&scheduler.Task{
				ID:       "conversation-watch",
				Name:     "conversation watch",
				Interval: watchInterval,
				Handler: func(ctx context.Context) error {
					pushed, err := syncer.PushAll(ctx, watcher)
					if err != nil {
						server.Notify(api.Event{Type: "conversation", Error: err.Error()})
						return err
					}
					if pushed > 0 {
						server.Notify(api.Event{Type: "conversation", Sessions: pushed})
					}
					return nil
				},
			})

			if err := sched.Start(); err != nil {
				return err
			}

			go func() {
				if err := server.Start(); err != nil {
					logging.Error("status server: %v", err)
				}
			}()

			fmt.Printf("Watching as %s (status on %s:%d). Ctrl-C to stop.\n",
				keypair.Address, cfg.Server.Host, cfg.Server.Port)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			fmt.Println("\nShutting down...")
			sched.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
			return nil
		},
	}
}

func shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Share conversations out of band",
	}
	cmd.AddCommand(shareCreateCmd(), shareRedeemCmd(), shareImportsCmd(), shareKeygenCmd())
	return cmd
}

// transportKeyPath is where the recipient transport key lives.
func transportKeyPath(cfg *config.Config) string {
	return filepath.Join(cfg.HomeDir, "transport.key")
}

// loadTransportKey reads the transport key if one has been generated.
func loadTransportKey(cfg *config.Config) (*share.TransportKeyPair, error) {
	data, err := os.ReadFile(transportKeyPath(cfg))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return share.LoadTransportKeyPair(strings.TrimSpace(string(data)))
}

func shareKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a transport key for receiving wrapped share links",
		Long: `Generates a Curve25519 transport keypair. Hand the printed public
key to anyone who wants to share with you over an untrusted channel;
they pass it to 'share create --to' and the resulting link can only be
redeemed on this machine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			path := transportKeyPath(cfg)
			if _, err := os.Stat(path); err == nil {
				existing, err := loadTransportKey(cfg)
				if err != nil {
					return err
				}
				fmt.Printf("Transport key already exists.\nPublic key: %s\n", existing.PublicEncoded())
				return nil
			}

			keypair, err := share.NewTransportKeyPair()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.HomeDir, 0700); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(keypair.Encode()), 0600); err != nil {
				return err
			}

			fmt.Printf("Public key: %s\n", keypair.PublicEncoded())
			return nil
		},
	}
}

// shareChannel wires the share channel from configuration.
func shareChannel(cfg *config.Config, db *storage.DB, keypair *identity.Keypair) *share.Channel {
	client := archive.NewClient(cfg.Gateways.GraphQL, cfg.Gateways.Data)
	backend := upload.NewBundler(keypair.PrivateKey, keypair.Address, cfg.Testnet)
	return share.NewChannel(client, backend, storage.NewImportStore(db), keypair)
}

func shareCreateCmd() *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "create <conversation.json>",
		Short: "Issue a share link for a conversation file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			keypair, _, err := openIdentity(cfg)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var conv core.Conversation
			if err := json.Unmarshal(data, &conv); err != nil {
				return fmt.Errorf("parse conversation: %w", err)
			}

			channel := shareChannel(cfg, db, keypair)
			var issued *share.IssuedShare
			if to != "" {
				recipient, err := share.DecodeTransportPublic(to)
				if err != nil {
					return err
				}
				issued, err = channel.IssueTo(cmd.Context(), &conv, recipient)
				if err != nil {
					return err
				}
			} else {
				issued, err = channel.Issue(cmd.Context(), &conv)
				if err != nil {
					return err
				}
			}
			fmt.Printf("Share id: %s\n", issued.ShareID)
			fmt.Printf("Link:     %s\n", issued.URL)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "recipient transport public key (from their 'sharme share keygen')")
	return cmd
}

func shareRedeemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redeem <url-or-token>",
		Short: "Redeem a share link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			keypair, _, err := openIdentity(cfg)
			if err != nil {
				return err
			}

			// Wrapped tokens need this machine's transport key.
			transportKey, err := loadTransportKey(cfg)
			if err != nil {
				return err
			}

			entry, err := shareChannel(cfg, db, keypair).RedeemAs(cmd.Context(), args[0], transportKey)
			if sharmeerr.Is(err, sharmeerr.DuplicateImport) {
				fmt.Println("Already imported.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Imported conversation %s (%d messages) from share %s\n",
				entry.Conversation.ID, len(entry.Conversation.Messages), entry.ShareID)
			return nil
		},
	}
}

func shareImportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "imports",
		Short: "List redeemed shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			imports, err := storage.NewImportStore(db).GetAll()
			if err != nil {
				return err
			}
			if len(imports) == 0 {
				fmt.Println("No imports.")
				return nil
			}
			for _, entry := range imports {
				fmt.Printf("%s  %s (%d messages)  %s\n",
					entry.ImportedAt.Format("2006-01-02 15:04"),
					entry.Conversation.ID,
					len(entry.Conversation.Messages),
					entry.ShareID)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sharme %s\n", version)
		},
	}
}
