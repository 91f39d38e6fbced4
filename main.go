package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/briangreenhill/apiconn/conn"
	"github.com/briangreenhill/apiconn/internal/config"
	"github.com/briangreenhill/apiconn/internal/logging"
	"github.com/briangreenhill/apiconn/storage"
)

func main() {
	if err := runCLI(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCLI(args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "apiconn",
		Short: "Cached client for a token-authenticated REST API",
		Long: "apiconn talks to a REST API on behalf of a logged-in user, caching responses.\n" +
			"Configuration comes from APICONN_* environment variables; the session is kept\n" +
			"between runs in the configured storage backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		loginCmd(logOut),
		logoutCmd(logOut),
		whoamiCmd(logOut),
		getCmd(logOut),
		listCmd(logOut),
		registerCmd(logOut),
		profileCmd(logOut),
	)
	return root
}

// withConn loads the configuration, opens the session store and runs fn
// against a connection that has restored the saved session.
func withConn(cmd *cobra.Command, logOut io.Writer, fn func(ctx context.Context, c *conn.Connection) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, logOut)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()

	c, err := conn.New(ctx,
		conn.WithBaseURL(cfg.BaseURL),
		conn.WithExpiry(cfg.CacheExpiry),
		conn.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		conn.WithRevalidation(cfg.Revalidate),
		conn.WithPersister(store),
		conn.WithStorageKey(cfg.Storage.Key),
		conn.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loginCmd(logOut io.Writer) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and save the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("APICONN_PASSWORD")
			}
			if password == "" {
				return errors.New("password required: use --password or APICONN_PASSWORD")
			}
			return withConn(cmd, logOut, func(ctx context.Context, c *conn.Connection) error {
				if !c.Login(ctx, args[0], password) {
					return fmt.Errorf("login failed for %s", args[0])
				}
				s, _ := c.Session()
				return printJSON(cmd, map[string]any{"logged_in": true, "user": s.Identity})
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password (default $APICONN_PASSWORD)")
	return cmd
}

func logoutCmd(logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd, logOut, func(ctx context.Context, c *conn.Connection) error {
				c.Logout(ctx)
				return printJSON(cmd, map[string]any{"logged_in": false})
			})
		},
	}
}

func whoamiCmd(logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd, logOut, func(ctx context.Context, c *conn.Connection) error {
				out := map[string]any{"logged_in": false, "user": nil}
				if s, ok := c.Session(); ok {
					out["logged_in"] = true
					out["user"] = s.Identity
				}
				return printJSON(cmd, out)
			})
		},
	}
}

func getCmd(logOut io.Writer) *cobra.Command {
	var (
		noCache bool
		method  string
		data    string
	)
	cmd := &cobra.Command{
		Use:   "get <ref>",
		Short: "Fetch a single resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []conn.RequestOption{conn.WithMethod(method)}
			if noCache {
				opts = append(opts, conn.IgnoreCache())
			}
			if data != "" {
				opts = append(opts, conn.WithBody([]byte(data)))
			}
			return withConn(cmd, logOut, func(ctx context.Context, c *conn.Connection) error {
				e, err := c.Fetch(ctx, args[0], opts...)
				if err != nil {
					return err
				}
				return printJSON(cmd, e)
			})
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Skip the cache")
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	return cmd
}

func listCmd(logOut io.Writer) *cobra.Command {
	var noCache bool
	cmd := &cobra.Command{
		Use:   "list <ref>",
		Short: "Fetch a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []conn.RequestOption
			if noCache {
				opts = append(opts, conn.IgnoreCache())
			}
			return withConn(cmd, logOut, func(ctx context.Context, c *conn.Connection) error {
				entries, err := c.FetchMany(ctx, args[0], opts...)
				if entries != nil {
					if perr := printJSON(cmd, entries); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Fetch the whole collection again")
	return cmd
}

func registerCmd(logOut io.Writer) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "register <username> <email>",
		Short: "Create a new (inactive) account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("APICONN_PASSWORD")
			}
			return withConn(cmd, logOut, func(ctx context.Context, c *conn.Connection) error {
				id, err := c.CreateAccount(ctx, args[0], args[1], password)
				if err != nil {
					return err
				}
				return printJSON(cmd, id)
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password (default $APICONN_PASSWORD)")
	return cmd
}

func profileCmd(logOut io.Writer) *cobra.Command {
	var email, password, current string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Change the logged-in user's email or password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd, logOut, func(ctx context.Context, c *conn.Connection) error {
				res, err := c.UpdateProfile(ctx, email, password, current)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("profile not updated: %s", res.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "New email address")
	cmd.Flags().StringVar(&password, "password", "", "New password")
	cmd.Flags().StringVar(&current, "current", "", "Current password")
	_ = cmd.MarkFlagRequired("current")
	return cmd
}
