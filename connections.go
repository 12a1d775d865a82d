package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"runicorn-client/backend/pkg/devlog"
	"runicorn-client/backend/pkg/format"
	"runicorn-client/backend/pkg/types"
)

const passwordMask = "******"

// connectionFlags 是 save/update 共用的字段参数
type connectionFlags struct {
	name       string
	host       string
	port       int
	user       string
	auth       string
	password   string
	keyPath    string
	remoteRoot string
	condaEnv   string
	localPort  int
	remotePort int
}

func (f *connectionFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.name, "name", "", "Display name (default: user@host)")
	fs.StringVar(&f.host, "host", "", "Remote host")
	fs.IntVar(&f.port, "port", 22, "SSH port")
	fs.StringVar(&f.user, "user", "", "SSH username")
	fs.StringVar(&f.auth, "auth", string(types.AuthPassword), "Auth method: password or key")
	fs.StringVar(&f.password, "password", "", "SSH password")
	fs.StringVar(&f.keyPath, "key", "", "Private key path")
	fs.StringVar(&f.remoteRoot, "remote-root", "", "Runicorn storage root on the remote host")
	fs.StringVar(&f.condaEnv, "conda-env", "", "Conda environment used on the remote host")
	fs.IntVar(&f.localPort, "local-port", 0, "Local forwarded port")
	fs.IntVar(&f.remotePort, "remote-port", 0, "Remote viewer port")
}

func (f *connectionFlags) authMethod() (types.AuthMethod, error) {
	switch m := types.AuthMethod(f.auth); m {
	case types.AuthPassword, types.AuthKey:
		return m, nil
	default:
		return "", fmt.Errorf("unknown auth method %q (want password or key)", f.auth)
	}
}

func (f *connectionFlags) config() (types.ConnectionConfig, error) {
	auth, err := f.authMethod()
	if err != nil {
		return types.ConnectionConfig{}, err
	}
	return types.ConnectionConfig{
		Name:           f.name,
		Host:           f.host,
		Port:           f.port,
		Username:       f.user,
		AuthMethod:     auth,
		Password:       f.password,
		PrivateKeyPath: f.keyPath,
		RemoteRoot:     f.remoteRoot,
		LocalPort:      f.localPort,
		RemotePort:     f.remotePort,
	}, nil
}

// patch 只包含命令行上显式给出的字段
func (f *connectionFlags) patch(fs *pflag.FlagSet) (types.ConnectionPatch, error) {
	var p types.ConnectionPatch
	if fs.Changed("name") {
		p.Name = &f.name
	}
	if fs.Changed("host") {
		p.Host = &f.host
	}
	if fs.Changed("port") {
		p.Port = &f.port
	}
	if fs.Changed("user") {
		p.Username = &f.user
	}
	if fs.Changed("auth") {
		auth, err := f.authMethod()
		if err != nil {
			return p, err
		}
		p.AuthMethod = &auth
	}
	if fs.Changed("password") {
		p.Password = &f.password
	}
	if fs.Changed("key") {
		p.PrivateKeyPath = &f.keyPath
	}
	if fs.Changed("remote-root") {
		p.RemoteRoot = &f.remoteRoot
	}
	if fs.Changed("conda-env") {
		p.CondaEnv = &f.condaEnv
	}
	if fs.Changed("local-port") {
		p.LocalPort = &f.localPort
	}
	if fs.Changed("remote-port") {
		p.RemotePort = &f.remotePort
	}
	return p, nil
}

func (c *cli) connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conn"},
		Short:   "Manage saved remote connections",
		Long: `Saved connections live on the viewer backend. Every change reads the
current list, applies the edit, and writes the whole list back. If the list
cannot be read, nothing is written.`,
	}
	cmd.AddCommand(c.connectionsListCmd())
	cmd.AddCommand(c.connectionsShowCmd())
	cmd.AddCommand(c.connectionsSaveCmd())
	cmd.AddCommand(c.connectionsUpdateCmd())
	cmd.AddCommand(c.connectionsDeleteCmd())
	cmd.AddCommand(c.connectionsVerifyCmd())
	cmd.AddCommand(c.connectionsImportCmd())
	return cmd
}

func (c *cli) connectionsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conns, err := c.app.LoadConnections(cmd.Context())
			if err != nil {
				return err
			}
			devlog.Debug("saved connections:", len(conns))
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), maskPasswords(conns))
			}
			if len(conns) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No saved connections.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESS\tUSER\tAUTH\tCREATED")
			for _, conn := range conns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					conn.ID,
					format.Truncate(conn.Name, 24),
					conn.Address(),
					conn.Username,
					conn.AuthMethod,
					format.RelativeTime(float64(conn.CreatedAt)))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func (c *cli) connectionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one saved connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.app.LoadConnections(cmd.Context()); err != nil {
				return err
			}
			conn, err := c.app.GetConnection(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := writeJSON(out, maskPasswords([]types.SavedConnection{conn})[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "created: %s\n", format.Timestamp(float64(conn.CreatedAt)))
			return nil
		},
	}
}

func (c *cli) connectionsSaveCmd() *cobra.Command {
	var f connectionFlags
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a new connection",
		Example: `  runicorn connections save --host gpu01 --user alice --password s3cret
  runicorn connections save --host 10.0.0.5 --user bob --auth key --key ~/.ssh/id_ed25519`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config()
			if err != nil {
				return err
			}
			if _, err := c.app.LoadConnections(cmd.Context()); err != nil {
				return err
			}
			id, err := c.app.SaveConnection(cmd.Context(), cfg, f.condaEnv)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) connectionsUpdateCmd() *cobra.Command {
	var f connectionFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update fields of a saved connection",
		Long: `Only the flags given on the command line are changed. Pass an empty
value (for example --remote-root "") to clear a field.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := f.patch(cmd.Flags())
			if err != nil {
				return err
			}
			if _, err := c.app.LoadConnections(cmd.Context()); err != nil {
				return err
			}
			if err := c.app.UpdateConnection(cmd.Context(), args[0], patch); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", args[0])
			return nil
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func (c *cli) connectionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a saved connection",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.app.LoadConnections(cmd.Context()); err != nil {
				return err
			}
			if err := c.app.DeleteConnection(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) connectionsVerifyCmd() *cobra.Command {
	var (
		password string
		trust    bool
	)
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Try an SSH login with a saved connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if _, err := c.app.LoadConnections(ctx); err != nil {
				return err
			}

			result, err := c.app.VerifyConnection(ctx, args[0], password)
			if err != nil {
				return err
			}
			if hk := result.HostKeyVerificationRequired; hk != nil {
				fmt.Fprintf(out, "Unknown host key for %s\n  fingerprint: %s\n", hk.HostAddress, hk.Fingerprint)
				if !trust {
					return errors.New("host key not trusted; re-run with --trust to accept it")
				}
				if _, err := c.app.TrustHost(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(out, "Host key added to known_hosts")
				if result, err = c.app.VerifyConnection(ctx, args[0], password); err != nil {
					return err
				}
			}
			return printVerifyResult(out, result)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password to try before the saved one")
	cmd.Flags().BoolVar(&trust, "trust", false, "Accept an unknown host key")
	return cmd
}

func printVerifyResult(out io.Writer, r *types.VerifyResult) error {
	if !r.Success {
		if r.PasswordRequired != nil && r.ErrorMessage == "" {
			return r.PasswordRequired
		}
		if r.ErrorMessage != "" {
			return errors.New(r.ErrorMessage)
		}
		return errors.New("verification failed")
	}
	fmt.Fprintf(out, "OK  %s\n", r.ServerVersion)
	switch {
	case r.RemoteRootIsDir:
		fmt.Fprintln(out, "remote root: ok")
	case r.RemoteRootExists:
		fmt.Fprintln(out, "remote root: exists but is not a directory")
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(out, "warning: %s\n", r.ErrorMessage)
	}
	return nil
}

func (c *cli) connectionsImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import [alias...]",
		Short: "Import hosts from ~/.ssh/config",
		Long: `Saves Host entries of an OpenSSH config file as connections. Without
arguments every concrete host is imported; hosts already saved with the same
address and user are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := c.app.ImportSSHConfig(cmd.Context(), file, args)
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d connection(s)\n", len(ids))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "SSH config file (default: ~/.ssh/config)")
	return cmd
}

func maskPasswords(conns []types.SavedConnection) []types.SavedConnection {
	out := make([]types.SavedConnection, len(conns))
	for i, conn := range conns {
		if conn.Password != "" {
			conn.Password = passwordMask
		}
		out[i] = conn
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
