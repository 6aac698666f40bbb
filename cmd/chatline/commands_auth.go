package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/roomchat/internal/service/api"
)

func buildLoginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, username, password)
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username or email (prompted when empty)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prompted when empty)")
	return cmd
}

func buildLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd)
		},
	}
}

func buildRegisterCmd() *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Long: `Create an account. Profile fields are forwarded to the server as given,
for example:

  chatline register --field email=me@example.com --field password1=secret123 --field password2=secret123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(cmd, fields)
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, "Profile field as key=value (repeatable)")
	return cmd
}

func buildWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWhoami(cmd)
		},
	}
}

func runLogin(cmd *cobra.Command, username, password string) error {
	in := bufio.NewReader(cmd.InOrStdin())
	var err error
	if strings.TrimSpace(username) == "" {
		if username, err = prompt(cmd.OutOrStdout(), in, "Username: "); err != nil {
			return err
		}
	}
	if password == "" {
		if password, err = prompt(cmd.OutOrStdout(), in, "Password: "); err != nil {
			return err
		}
	}

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	sess, err := c.Session.Login(cmd.Context(), username, password)
	if err != nil {
		var authErr *api.AuthenticationError
		if errors.As(err, &authErr) {
			return fmt.Errorf("login failed: %s", authErr.Detail)
		}
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s.\n", sess.User.Username)
	return nil
}

func runLogout(cmd *cobra.Command) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	c.Session.Logout()
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
	return nil
}

func runRegister(cmd *cobra.Command, fields []string) error {
	profile, err := parseFields(fields)
	if err != nil {
		return err
	}

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Session.Register(cmd.Context(), profile); err != nil {
		var validation *api.ValidationError
		if errors.As(err, &validation) {
			return fmt.Errorf("registration rejected:\n%s", formatFieldErrors(validation.Fields))
		}
		return fmt.Errorf("registration failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Account created. Run `chatline login` to sign in.")
	return nil
}

func runWhoami(cmd *cobra.Command) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	sess := c.Session.Session()
	if sess.User == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d), session %s\n", sess.User.Username, sess.User.ID, sess.Status)
	return nil
}

func prompt(out io.Writer, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.ToLower(label), ": "), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseFields(fields []string) (map[string]string, error) {
	if len(fields) == 0 {
		return nil, errors.New("at least one --field key=value is required")
	}
	profile := make(map[string]string, len(fields))
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", f)
		}
		profile[key] = value
	}
	return profile, nil
}
